package extractor

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"golang.org/x/net/html"

	"github.com/openkcm/session-relay/internal/serviceerr"
	"github.com/openkcm/session-relay/pkg/session"
)

// Strategy tries one session shape. A page not carrying the shape yields
// serviceerr.ErrNotFound.
type Strategy interface {
	Name() string
	Extract(ctx context.Context, page Page) (session.Session, error)
}

// providerSession reads the identity provider's own session object from local
// storage. Keys may be glob patterns such as sb-*-auth-token.
type providerSession struct {
	keys []string
}

func (providerSession) Name() string { return "providerSession" }

func (p providerSession) Extract(ctx context.Context, page Page) (session.Session, error) {
	keys, err := p.matchingKeys(ctx, page)
	if err != nil {
		return session.Session{}, err
	}

	var errs []error
	for _, key := range keys {
		value, ok, err := page.LocalStorage(ctx, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("reading %s: %w", key, err))
			continue
		}
		if !ok {
			continue
		}

		s, err := Normalize([]byte(value))
		if err != nil {
			errs = append(errs, fmt.Errorf("normalizing %s: %w", key, err))
			continue
		}
		return s, nil
	}

	return session.Session{}, errors.Join(append([]error{serviceerr.ErrNotFound}, errs...)...)
}

func (p providerSession) matchingKeys(ctx context.Context, page Page) ([]string, error) {
	var (
		keys     []string
		patterns []string
	)
	for _, k := range p.keys {
		if strings.ContainsAny(k, "*?[") {
			patterns = append(patterns, k)
			continue
		}
		keys = append(keys, k)
	}
	if len(patterns) == 0 {
		return keys, nil
	}

	stored, err := page.LocalStorageKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing local storage: %w", err)
	}
	for _, pattern := range patterns {
		for _, k := range stored {
			if ok, _ := path.Match(pattern, k); ok {
				keys = append(keys, k)
			}
		}
	}
	return keys, nil
}

// flatToken reads a token string and a user object stored under separate keys.
// The token value may be a serialized provider session, in which case only the
// access token inside it is kept.
type flatToken struct {
	tokenKey string
	userKey  string
}

func (flatToken) Name() string { return "flatToken" }

func (f flatToken) Extract(ctx context.Context, page Page) (session.Session, error) {
	token, ok, err := page.LocalStorage(ctx, f.tokenKey)
	if err != nil {
		return session.Session{}, fmt.Errorf("reading %s: %w", f.tokenKey, err)
	}
	if !ok || strings.TrimSpace(token) == "" {
		return session.Session{}, serviceerr.ErrNotFound
	}

	var s session.Session
	if looksLikeJSONObject(token) {
		nested, err := normalize([]byte(token), 0)
		if err != nil {
			return session.Session{}, err
		}
		s = nested
	} else {
		s.Token = strings.TrimSpace(token)
	}

	user, ok, err := page.LocalStorage(ctx, f.userKey)
	if err != nil {
		return session.Session{}, fmt.Errorf("reading %s: %w", f.userKey, err)
	}
	if ok {
		u, err := DecodeUser([]byte(user))
		if err != nil {
			return session.Session{}, err
		}
		if !u.IsZero() {
			s.User = u
		}
	}

	if err := s.Validate(); err != nil {
		return session.Session{}, fmt.Errorf("%w: %w", serviceerr.ErrNotFound, err)
	}
	return s, nil
}

// globalVariable reads a session the hosting page assigned to a window property.
type globalVariable struct {
	name string
}

func (globalVariable) Name() string { return "globalVariable" }

func (g globalVariable) Extract(ctx context.Context, page Page) (session.Session, error) {
	raw, ok, err := page.Global(ctx, g.name)
	if err != nil {
		return session.Session{}, fmt.Errorf("reading window.%s: %w", g.name, err)
	}
	if !ok {
		return session.Session{}, serviceerr.ErrNotFound
	}
	return Normalize(raw)
}

// domMarker reads a session embedded in a marker element, either in its
// data-session attribute or as its text content.
type domMarker struct {
	elementID string
}

func (domMarker) Name() string { return "domMarker" }

func (d domMarker) Extract(ctx context.Context, page Page) (session.Session, error) {
	doc, err := page.HTML(ctx)
	if err != nil {
		return session.Session{}, fmt.Errorf("reading document: %w", err)
	}

	payload, ok, err := MarkerPayload(doc, d.elementID)
	if err != nil {
		return session.Session{}, err
	}
	if !ok {
		return session.Session{}, serviceerr.ErrNotFound
	}
	return Normalize([]byte(payload))
}

// MarkerPayload returns the JSON carried by the element with the given id.
func MarkerPayload(doc, elementID string) (string, bool, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", false, fmt.Errorf("parsing document: %w", err)
	}

	for n := range root.Descendants() {
		if n.Type != html.ElementNode || attr(n, "id") != elementID {
			continue
		}
		if v := attr(n, "data-session"); strings.TrimSpace(v) != "" {
			return v, true, nil
		}
		text := strings.TrimSpace(textOf(n))
		return text, text != "", nil
	}

	return "", false, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var b strings.Builder
	for c := range n.Descendants() {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}
