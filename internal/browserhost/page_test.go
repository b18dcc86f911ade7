package browserhost

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageAdapter(t *testing.T) {
	ctx := t.Context()
	page := &fakePage{
		url:     appOrigin + "/auth/success",
		storage: map[string]string{"token": "abc", "user": `{"id":"u-1"}`},
		globals: map[string]string{"__SESSION_RELAY_AUTH__": `{"token":"abc"}`},
		html:    `<html><body><div id="session-relay-auth"></div></body></html>`,
	}
	p := newPageAdapter(page)

	assert.Equal(t, page.url, p.URL())

	v, ok, err := p.LocalStorage(ctx, "token")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc", v)

	_, ok, err = p.LocalStorage(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := p.LocalStorageKeys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"token", "user"}, keys)

	raw, ok, err := p.Global(ctx, "__SESSION_RELAY_AUTH__")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"token":"abc"}`, string(raw))
	assert.True(t, json.Valid(raw))

	_, ok, err = p.Global(ctx, "undefinedGlobal")
	require.NoError(t, err)
	assert.False(t, ok)

	html, err := p.HTML(ctx)
	require.NoError(t, err)
	assert.Contains(t, html, "session-relay-auth")

	require.NoError(t, p.ShowBanner(ctx, "Signed in"))
	assert.Contains(t, page.scripts(), bannerScript)
}

func TestPageAdapter_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	page := &fakePage{storage: map[string]string{"token": "abc"}}
	p := newPageAdapter(page)

	_, _, err := p.LocalStorage(ctx, "token")
	require.ErrorIs(t, err, context.Canceled)

	_, err = p.HTML(ctx)
	require.ErrorIs(t, err, context.Canceled)

	assert.Empty(t, page.scripts(), "nothing runs in the page once the context is done")
}
