package extractor

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/openkcm/session-relay/internal/serviceerr"
	"github.com/openkcm/session-relay/pkg/session"
)

// maxNesting bounds how deep Normalize follows nested session containers.
const maxNesting = 4

// rawSession covers the session shapes found in the wild: the provider-native
// object (optionally wrapped in currentSession or session), and the flat
// {token, user} pair whose token may itself be a serialized provider session.
type rawSession struct {
	AccessToken      string          `json:"access_token"`
	RefreshToken     string          `json:"refresh_token"`
	Token            json.RawMessage `json:"token"`
	FlatRefreshToken string          `json:"refreshToken"`
	User             json.RawMessage `json:"user"`
	CurrentSession   json.RawMessage `json:"currentSession"`
	Session          json.RawMessage `json:"session"`
}

// Normalize turns any supported session payload into a Session. A payload that
// does not yield both a token and a user fails with serviceerr.ErrNotFound.
func Normalize(raw []byte) (session.Session, error) {
	s, err := normalize(raw, 0)
	if err != nil {
		return session.Session{}, err
	}
	if err := s.Validate(); err != nil {
		return session.Session{}, fmt.Errorf("%w: %w", serviceerr.ErrNotFound, err)
	}
	return s, nil
}

func normalize(raw []byte, depth int) (session.Session, error) {
	if depth > maxNesting {
		return session.Session{}, fmt.Errorf("%w: session nested too deep", serviceerr.ErrNotFound)
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return session.Session{}, serviceerr.ErrNotFound
	}

	// Some pages store the session as a JSON string holding JSON.
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return session.Session{}, fmt.Errorf("%w: %w", serviceerr.ErrNotFound, err)
		}
		return normalize([]byte(inner), depth+1)
	}

	var rs rawSession
	if err := json.Unmarshal(raw, &rs); err != nil {
		return session.Session{}, fmt.Errorf("%w: decoding session: %w", serviceerr.ErrNotFound, err)
	}

	var s session.Session
	for _, wrapped := range []json.RawMessage{rs.CurrentSession, rs.Session} {
		if isObject(wrapped) {
			inner, err := normalize(wrapped, depth+1)
			if err == nil {
				s = inner
				break
			}
		}
	}

	if s.Token == "" {
		token, nested, err := tokenOf(rs, depth)
		if err != nil {
			return session.Session{}, err
		}
		s.Token = token
		if s.User.IsZero() {
			s.User = nested.User
		}
		if s.RefreshToken == "" {
			s.RefreshToken = nested.RefreshToken
		}
	}

	if s.User.IsZero() && len(rs.User) > 0 {
		user, err := DecodeUser(rs.User)
		if err != nil {
			return session.Session{}, err
		}
		s.User = user
	}

	if s.RefreshToken == "" {
		s.RefreshToken = firstNonEmpty(rs.RefreshToken, rs.FlatRefreshToken)
	}

	return s, nil
}

// tokenOf picks the access token out of rs. When the token field carries a
// nested session, the access token inside it is returned together with the
// nested session so its user can be inherited.
func tokenOf(rs rawSession, depth int) (string, session.Session, error) {
	if rs.AccessToken != "" {
		return rs.AccessToken, session.Session{}, nil
	}

	token := bytes.TrimSpace(rs.Token)
	if len(token) == 0 || bytes.Equal(token, []byte("null")) {
		return "", session.Session{}, nil
	}

	if isObject(token) {
		nested, err := normalize(token, depth+1)
		if err != nil {
			return "", session.Session{}, err
		}
		return nested.Token, nested, nil
	}

	var str string
	if err := json.Unmarshal(token, &str); err != nil {
		return "", session.Session{}, fmt.Errorf("%w: token is neither a string nor a session: %w", serviceerr.ErrNotFound, err)
	}
	if looksLikeJSONObject(str) {
		nested, err := normalize([]byte(str), depth+1)
		if err != nil {
			return "", session.Session{}, err
		}
		return nested.Token, nested, nil
	}

	return str, session.Session{}, nil
}

// DecodeUser reads a provider user object. The display name falls back to the
// full_name or name entries of the provider metadata.
func DecodeUser(raw []byte) (session.User, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return session.User{}, fmt.Errorf("%w: %w", serviceerr.ErrNotFound, err)
		}
		raw = []byte(inner)
	}

	var user session.User
	if err := json.Unmarshal(raw, &user); err != nil {
		return session.User{}, fmt.Errorf("%w: decoding user: %w", serviceerr.ErrNotFound, err)
	}

	if user.Name == "" {
		for _, key := range []string{"full_name", "name"} {
			if name, ok := user.Metadata[key].(string); ok && name != "" {
				user.Name = name
				break
			}
		}
	}

	return user, nil
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func looksLikeJSONObject(s string) bool {
	return isObject(json.RawMessage(s))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// NormalizeWithProfile is Normalize for callbacks sending the user profile
// next to the session. A non-empty profile replaces the embedded user.
func NormalizeWithProfile(raw []byte, profile *session.User) (session.Session, error) {
	s, err := normalize(raw, 0)
	if err != nil {
		return session.Session{}, err
	}
	if profile != nil && !profile.IsZero() {
		s.User = *profile
	}
	if err := s.Validate(); err != nil {
		return session.Session{}, fmt.Errorf("%w: %w", serviceerr.ErrNotFound, err)
	}
	return s, nil
}
