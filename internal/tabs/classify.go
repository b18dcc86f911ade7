// Package tabs watches browser navigation for completed login flows.
package tabs

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/openkcm/session-relay/internal/extractor"
	"github.com/openkcm/session-relay/internal/serviceerr"
	"github.com/openkcm/session-relay/pkg/session"
)

// Kind is the kind of callback a URL was recognized as.
type Kind int

const (
	KindNone Kind = iota
	// KindPageCallback needs extraction inside the page.
	KindPageCallback
	// KindDirectLink carries the serialized session in its session parameter.
	KindDirectLink
	// KindAccessToken carries an access_token parameter in its query or fragment.
	KindAccessToken
)

func (k Kind) String() string {
	switch k {
	case KindPageCallback:
		return "page_callback"
	case KindDirectLink:
		return "direct_link"
	case KindAccessToken:
		return "access_token"
	default:
		return "none"
	}
}

const (
	sessionParam      = "session"
	accessTokenParam  = "access_token"
	refreshTokenParam = "refresh_token"
	userParam         = "user"
)

// Patterns are the callback URLs of the web application.
type Patterns struct {
	AppOrigin      string
	CallbackPaths  []string // Glob patterns, e.g. /auth/success or /auth/callback*
	DirectLinkPath string
}

func DefaultPatterns(appOrigin string) Patterns {
	return Patterns{
		AppOrigin:      appOrigin,
		CallbackPaths:  []string{"/auth/success", "/auth/callback", "/login/success"},
		DirectLinkPath: "/extension-auth",
	}
}

// Classify recognizes callback URLs. Page callbacks and direct links must be
// served by the application origin; an access_token parameter is recognized
// on any URL.
func Classify(raw string, p Patterns) Kind {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return KindNone
	}

	sameApp := strings.EqualFold(u.Scheme+"://"+u.Host, strings.TrimSuffix(p.AppOrigin, "/"))
	cleanPath := path.Clean("/" + u.Path)

	if sameApp && p.DirectLinkPath != "" && cleanPath == path.Clean(p.DirectLinkPath) && u.Query().Has(sessionParam) {
		return KindDirectLink
	}

	if _, ok := tokenParams(u); ok {
		return KindAccessToken
	}

	if sameApp {
		for _, pattern := range p.CallbackPaths {
			if ok, _ := path.Match(pattern, cleanPath); ok {
				return KindPageCallback
			}
		}
	}

	return KindNone
}

// SessionFromURL parses a session carried by a direct link or by access_token
// parameters. A URL without a full session fails with serviceerr.ErrNotFound.
func SessionFromURL(raw string) (session.Session, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return session.Session{}, fmt.Errorf("%w: parsing url: %w", serviceerr.ErrNotFound, err)
	}

	if v := u.Query().Get(sessionParam); v != "" {
		return extractor.Normalize([]byte(v))
	}

	params, ok := tokenParams(u)
	if !ok {
		return session.Session{}, serviceerr.ErrNotFound
	}

	s := session.Session{
		Token:        params.Get(accessTokenParam),
		RefreshToken: params.Get(refreshTokenParam),
	}
	if userJSON := params.Get(userParam); userJSON != "" {
		user, err := extractor.DecodeUser([]byte(userJSON))
		if err != nil {
			return session.Session{}, err
		}
		s.User = user
	}

	if err := s.Validate(); err != nil {
		return session.Session{}, fmt.Errorf("%w: %w", serviceerr.ErrNotFound, err)
	}
	return s, nil
}

// tokenParams returns the parameters holding access_token, looking at the
// query first and the fragment second.
func tokenParams(u *url.URL) (url.Values, bool) {
	if q := u.Query(); q.Get(accessTokenParam) != "" {
		return q, true
	}
	if u.Fragment == "" {
		return nil, false
	}
	frag, err := url.ParseQuery(u.EscapedFragment())
	if err != nil || frag.Get(accessTokenParam) == "" {
		return nil, false
	}
	return frag, true
}
