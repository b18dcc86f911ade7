// Package extractor finds the session exposed by the web application's page and
// turns it into a Session. It yields a full session or nothing.
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-relay/internal/message"
	"github.com/openkcm/session-relay/internal/serviceerr"
	"github.com/openkcm/session-relay/pkg/session"
)

// Page is the view of a browser page the strategies read from.
type Page interface {
	URL() string
	LocalStorage(ctx context.Context, key string) (string, bool, error)
	LocalStorageKeys(ctx context.Context) ([]string, error)
	Global(ctx context.Context, name string) (json.RawMessage, bool, error)
	HTML(ctx context.Context) (string, error)
	ShowBanner(ctx context.Context, text string) error
}

// Emitter sends the message produced on success towards the background.
type Emitter interface {
	Emit(ctx context.Context, msg message.Message) error
}

type EmitterFunc func(ctx context.Context, msg message.Message) error

func (f EmitterFunc) Emit(ctx context.Context, msg message.Message) error {
	return f(ctx, msg)
}

type Options struct {
	ProviderKeys   []string
	TokenKey       string
	UserKey        string
	GlobalVariable string
	ElementID      string
	Banner         string
	PollInterval   time.Duration
	PollCeiling    time.Duration
}

func DefaultOptions() Options {
	return Options{
		ProviderKeys:   []string{"supabase.auth.token", "sb-*-auth-token"},
		TokenKey:       "token",
		UserKey:        "user",
		GlobalVariable: "__SESSION_RELAY_AUTH__",
		ElementID:      "session-relay-auth",
		Banner:         "Signed in. This tab will close shortly.",
		PollInterval:   500 * time.Millisecond,
		PollCeiling:    10 * time.Second,
	}
}

type Extractor struct {
	strategies []Strategy
	opts       Options
}

// New returns an Extractor trying, in order, the provider session, the flat
// token pair, the global variable and the DOM marker.
func New(opts Options) *Extractor {
	defaults := DefaultOptions()
	if len(opts.ProviderKeys) == 0 {
		opts.ProviderKeys = defaults.ProviderKeys
	}
	if opts.TokenKey == "" {
		opts.TokenKey = defaults.TokenKey
	}
	if opts.UserKey == "" {
		opts.UserKey = defaults.UserKey
	}
	if opts.GlobalVariable == "" {
		opts.GlobalVariable = defaults.GlobalVariable
	}
	if opts.ElementID == "" {
		opts.ElementID = defaults.ElementID
	}
	if opts.Banner == "" {
		opts.Banner = defaults.Banner
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if opts.PollCeiling <= 0 {
		opts.PollCeiling = defaults.PollCeiling
	}

	return &Extractor{
		opts: opts,
		strategies: []Strategy{
			providerSession{keys: opts.ProviderKeys},
			flatToken{tokenKey: opts.TokenKey, userKey: opts.UserKey},
			globalVariable{name: opts.GlobalVariable},
			domMarker{elementID: opts.ElementID},
		},
	}
}

// WithStrategies replaces the strategy list.
func (e *Extractor) WithStrategies(strategies ...Strategy) *Extractor {
	e.strategies = strategies
	return e
}

// Extract returns the first session found by a strategy, or
// serviceerr.ErrNotFound when none of them finds a full one.
func (e *Extractor) Extract(ctx context.Context, page Page) (session.Session, error) {
	var errs []error
	for _, st := range e.strategies {
		if err := ctx.Err(); err != nil {
			return session.Session{}, err
		}

		s, err := st.Extract(ctx, page)
		if err == nil {
			slogctx.Debug(ctx, "Session found", "strategy", st.Name())
			return s, nil
		}
		if !errors.Is(err, serviceerr.ErrNotFound) {
			errs = append(errs, err)
		}
	}

	return session.Session{}, errors.Join(append([]error{serviceerr.ErrNotFound}, errs...)...)
}

// Run extracts the session and emits one AUTH_SUCCESS message asking for the
// tab to be closed. A miss is logged and reported as false, never as an error.
func (e *Extractor) Run(ctx context.Context, page Page, emitter Emitter) (bool, error) {
	s, err := e.Extract(ctx, page)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		slogctx.Debug(ctx, "No session in page", "url", redact(page.URL()), "reason", err)
		return false, nil
	}

	if err := page.ShowBanner(ctx, e.opts.Banner); err != nil {
		slogctx.Debug(ctx, "Could not show banner", "error", err)
	}

	msg, err := message.New(message.TypeAuthSuccess, message.AuthSuccess{
		Token:        s.Token,
		User:         s.User,
		RefreshToken: s.RefreshToken,
		CloseTab:     true,
	})
	if err != nil {
		return false, err
	}
	msg.Origin = originOf(page.URL())

	if err := emitter.Emit(ctx, msg); err != nil {
		return false, err
	}
	return true, nil
}

// Poll repeats Run until a session is found or the poll ceiling is reached.
// Giving up is silent.
func (e *Extractor) Poll(ctx context.Context, page Page, emitter Emitter) bool {
	ctx, cancel := context.WithTimeout(ctx, e.opts.PollCeiling)
	defer cancel()

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		found, err := e.Run(ctx, page, emitter)
		if found {
			return true
		}
		if err != nil && ctx.Err() == nil {
			slogctx.Warn(ctx, "Extraction attempt failed", "error", err)
		}

		select {
		case <-ctx.Done():
			slogctx.Debug(ctx, "Gave up waiting for a session", "url", redact(page.URL()), "ceiling", e.opts.PollCeiling)
			return false
		case <-ticker.C:
		}
	}
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// redact drops the query and fragment, which may carry credentials.
func redact(raw string) slog.Value {
	u, err := url.Parse(raw)
	if err != nil {
		return slog.StringValue("")
	}
	u.RawQuery = ""
	u.Fragment = ""
	return slog.StringValue(u.String())
}
