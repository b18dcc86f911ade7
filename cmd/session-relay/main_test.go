package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd(t *testing.T) {
	cmd := rootCmd()

	names := make([]string, 0, len(cmd.Commands()))
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"version", "run"}, names)

	flag := cmd.PersistentFlags().Lookup("graceful-shutdown")
	require.NotNil(t, flag)
	assert.Equal(t, "1s", flag.DefValue)
}

func TestVersionCmd(t *testing.T) {
	cmd := rootCmd()
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.ExecuteContext(t.Context()))
	assert.True(t, isVersionCmd)
}
