package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebApp_LoginURL(t *testing.T) {
	got, err := WebApp{Origin: "https://app.example.com", LoginPath: "/login"}.LoginURL()
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/login", got)
}

func TestWebApp_Validate(t *testing.T) {
	tests := []struct {
		name      string
		origin    string
		assertErr assert.ErrorAssertionFunc
	}{
		{name: "https origin", origin: "https://app.example.com", assertErr: assert.NoError},
		{name: "with port", origin: "http://localhost:3000", assertErr: assert.NoError},
		{name: "trailing slash", origin: "https://app.example.com/", assertErr: assert.NoError},
		{name: "no scheme", origin: "app.example.com", assertErr: assert.Error},
		{name: "other scheme", origin: "chrome-extension://abc", assertErr: assert.Error},
		{name: "path", origin: "https://app.example.com/app", assertErr: assert.Error},
		{name: "empty", origin: "", assertErr: assert.Error},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.assertErr(t, WebApp{Origin: tt.origin}.Validate())
		})
	}
}
