package extractor_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/session-relay/internal/extractor"
	"github.com/openkcm/session-relay/internal/message"
	"github.com/openkcm/session-relay/internal/serviceerr"
	"github.com/openkcm/session-relay/pkg/session"
)

type fakePage struct {
	mu      sync.Mutex
	url     string
	storage map[string]string
	globals map[string]json.RawMessage
	doc     string
	banners []string
	readErr error
}

func (p *fakePage) URL() string { return p.url }

func (p *fakePage) LocalStorage(_ context.Context, key string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readErr != nil {
		return "", false, p.readErr
	}
	v, ok := p.storage[key]
	return v, ok, nil
}

func (p *fakePage) LocalStorageKeys(_ context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.storage))
	for k := range p.storage {
		keys = append(keys, k)
	}
	return keys, nil
}

func (p *fakePage) Global(_ context.Context, name string) (json.RawMessage, bool, error) {
	v, ok := p.globals[name]
	return v, ok, nil
}

func (p *fakePage) HTML(_ context.Context) (string, error) {
	return p.doc, nil
}

func (p *fakePage) ShowBanner(_ context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.banners = append(p.banners, text)
	return nil
}

func (p *fakePage) set(key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.storage == nil {
		p.storage = map[string]string{}
	}
	p.storage[key] = value
}

type recorder struct {
	mu   sync.Mutex
	msgs []message.Message
}

func (r *recorder) Emit(_ context.Context, msg message.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) messages() []message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message.Message(nil), r.msgs...)
}

func TestExtract(t *testing.T) {
	wantUser := session.User{ID: "u-1", Email: "a@b.com"}

	tests := []struct {
		name    string
		page    *fakePage
		want    session.Session
		wantErr error
	}{
		{
			name: "provider session under a pattern key",
			page: &fakePage{storage: map[string]string{
				"sb-abcd-auth-token": `{"access_token":"abc","refresh_token":"r1","user":{"id":"u-1","email":"a@b.com"}}`,
			}},
			want: session.Session{Token: "abc", RefreshToken: "r1", User: wantUser},
		},
		{
			name: "provider session wrapped in currentSession",
			page: &fakePage{storage: map[string]string{
				"supabase.auth.token": `{"currentSession":{"access_token":"abc","user":{"id":"u-1","email":"a@b.com"}},"expiresAt":1}`,
			}},
			want: session.Session{Token: "abc", User: wantUser},
		},
		{
			name: "flat token and user",
			page: &fakePage{storage: map[string]string{
				"token": "abc",
				"user":  `{"id":"u-1","email":"a@b.com"}`,
			}},
			want: session.Session{Token: "abc", User: wantUser},
		},
		{
			name: "flat token holding a serialized provider session",
			page: &fakePage{storage: map[string]string{
				"token": `{"session":{"access_token":"abc","user":{"id":"u-1","email":"a@b.com"}}}`,
			}},
			want: session.Session{Token: "abc", User: wantUser},
		},
		{
			name: "global variable",
			page: &fakePage{globals: map[string]json.RawMessage{
				"__SESSION_RELAY_AUTH__": json.RawMessage(`{"token":"abc","user":{"id":"u-1","email":"a@b.com"}}`),
			}},
			want: session.Session{Token: "abc", User: wantUser},
		},
		{
			name: "dom marker attribute",
			page: &fakePage{doc: `<html><body><div id="session-relay-auth" data-session='{"token":"abc","user":{"id":"u-1","email":"a@b.com"}}'></div></body></html>`},
			want: session.Session{Token: "abc", User: wantUser},
		},
		{
			name: "dom marker text",
			page: &fakePage{doc: `<html><body><script type="application/json" id="session-relay-auth">{"access_token":"abc","user":{"id":"u-1","email":"a@b.com"}}</script></body></html>`},
			want: session.Session{Token: "abc", User: wantUser},
		},
		{
			name: "provider session wins over flat token",
			page: &fakePage{storage: map[string]string{
				"supabase.auth.token": `{"access_token":"provider","user":{"id":"u-1","email":"a@b.com"}}`,
				"token":               "flat",
				"user":                `{"id":"u-1","email":"a@b.com"}`,
			}},
			want: session.Session{Token: "provider", User: wantUser},
		},
		{
			name:    "token without user is a miss",
			page:    &fakePage{storage: map[string]string{"token": "abc"}},
			wantErr: serviceerr.ErrNotFound,
		},
		{
			name:    "user without token is a miss",
			page:    &fakePage{storage: map[string]string{"user": `{"id":"u-1"}`}},
			wantErr: serviceerr.ErrNotFound,
		},
		{
			name:    "empty page",
			page:    &fakePage{doc: "<html></html>"},
			wantErr: serviceerr.ErrNotFound,
		},
	}

	ext := extractor.New(extractor.Options{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ext.Extract(t.Context(), tt.page)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, session.Session{}, got)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Extract() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExtract_ReadErrorsAreMisses(t *testing.T) {
	page := &fakePage{readErr: errors.New("page gone"), doc: "<html></html>"}

	_, err := extractor.New(extractor.Options{}).Extract(t.Context(), page)
	require.ErrorIs(t, err, serviceerr.ErrNotFound)
	assert.ErrorContains(t, err, "page gone")
}

type strategyFunc struct {
	name string
	fn   func() (session.Session, error)
}

func (s strategyFunc) Name() string { return s.name }

func (s strategyFunc) Extract(context.Context, extractor.Page) (session.Session, error) {
	return s.fn()
}

func TestExtract_WithStrategies(t *testing.T) {
	var tried []string
	strategy := func(name string, s session.Session, err error) extractor.Strategy {
		return strategyFunc{name: name, fn: func() (session.Session, error) {
			tried = append(tried, name)
			return s, err
		}}
	}
	want := session.Session{Token: "abc", User: session.User{Email: "a@b.com"}}

	ext := extractor.New(extractor.Options{}).WithStrategies(
		strategy("miss", session.Session{}, serviceerr.ErrNotFound),
		strategy("hit", want, nil),
		strategy("never", session.Session{Token: "other"}, nil),
	)

	got, err := ext.Extract(t.Context(), &fakePage{})
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, []string{"miss", "hit"}, tried)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantToken string
		wantUser  session.User
		wantErr   bool
	}{
		{
			name:      "nested access token is unwrapped",
			raw:       `{"access_token":"abc","user":{"email":"a@b.com"}}`,
			wantToken: "abc",
			wantUser:  session.User{Email: "a@b.com"},
		},
		{
			name:      "nested container in token is never the token",
			raw:       `{"token":{"currentSession":{"access_token":"inner","user":{"id":"u-1"}}}}`,
			wantToken: "inner",
			wantUser:  session.User{ID: "u-1"},
		},
		{
			name:      "string encoded session",
			raw:       `"{\"token\":\"abc\",\"user\":{\"id\":\"u-1\"}}"`,
			wantToken: "abc",
			wantUser:  session.User{ID: "u-1"},
		},
		{
			name:      "display name from provider metadata",
			raw:       `{"access_token":"abc","user":{"id":"u-1","user_metadata":{"full_name":"Ada"}}}`,
			wantToken: "abc",
			wantUser:  session.User{ID: "u-1", Name: "Ada", Metadata: map[string]any{"full_name": "Ada"}},
		},
		{name: "not json", raw: `<html>`, wantErr: true},
		{name: "null", raw: `null`, wantErr: true},
		{name: "partial", raw: `{"token":"abc"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractor.Normalize([]byte(tt.raw))
			if tt.wantErr {
				assert.ErrorIs(t, err, serviceerr.ErrNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantToken, got.Token)
			assert.Equal(t, tt.wantUser, got.User)
		})
	}
}

func TestMarkerPayload(t *testing.T) {
	payload, ok, err := extractor.MarkerPayload(`<p id="other">x</p><span id="m">  {"a":1} </span>`, "m")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, payload)

	_, ok, err = extractor.MarkerPayload(`<span id="m"></span>`, "m")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRun(t *testing.T) {
	t.Run("provider native session is emitted once with closeTab", func(t *testing.T) {
		page := &fakePage{
			url: "https://app.example.com/auth/success?code=secret",
			storage: map[string]string{
				"supabase.auth.token": `{"access_token":"abc","user":{"email":"a@b.com"}}`,
			},
		}
		rec := &recorder{}

		found, err := extractor.New(extractor.Options{}).Run(t.Context(), page, rec)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Len(t, page.banners, 1)

		msgs := rec.messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, message.TypeAuthSuccess, msgs[0].Type)
		assert.Equal(t, "https://app.example.com", msgs[0].Origin)

		var auth message.AuthSuccess
		require.NoError(t, msgs[0].Decode(&auth))
		assert.Equal(t, message.AuthSuccess{Token: "abc", User: session.User{Email: "a@b.com"}, CloseTab: true}, auth)
	})

	t.Run("a miss emits nothing", func(t *testing.T) {
		page := &fakePage{url: "https://app.example.com/", storage: map[string]string{"token": "abc"}}
		rec := &recorder{}

		found, err := extractor.New(extractor.Options{}).Run(t.Context(), page, rec)
		require.NoError(t, err)
		assert.False(t, found)
		assert.Empty(t, rec.messages())
		assert.Empty(t, page.banners)
	})

	t.Run("emitter errors are returned", func(t *testing.T) {
		page := &fakePage{storage: map[string]string{"token": "abc", "user": `{"id":"u"}`}}
		emitErr := errors.New("relay gone")

		_, err := extractor.New(extractor.Options{}).Run(t.Context(), page, extractor.EmitterFunc(
			func(context.Context, message.Message) error { return emitErr },
		))
		assert.ErrorIs(t, err, emitErr)
	})
}

func TestPoll(t *testing.T) {
	opts := extractor.Options{PollInterval: 5 * time.Millisecond, PollCeiling: time.Second}

	t.Run("finds a session that appears later", func(t *testing.T) {
		page := &fakePage{url: "https://app.example.com/"}
		rec := &recorder{}

		go func() {
			time.Sleep(20 * time.Millisecond)
			page.set("user", `{"id":"u-1"}`)
			page.set("token", "abc")
		}()

		assert.True(t, extractor.New(opts).Poll(t.Context(), page, rec))
		assert.Len(t, rec.messages(), 1)
	})

	t.Run("gives up silently at the ceiling", func(t *testing.T) {
		page := &fakePage{url: "https://app.example.com/"}
		rec := &recorder{}
		short := opts
		short.PollCeiling = 30 * time.Millisecond

		start := time.Now()
		assert.False(t, extractor.New(short).Poll(t.Context(), page, rec))
		assert.Less(t, time.Since(start), time.Second)
		assert.Empty(t, rec.messages())
	})
}
