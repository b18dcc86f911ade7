package session

import (
	"reflect"
	"time"

	"github.com/openkcm/session-relay/internal/serviceerr"
)

// User is the profile of the authenticated account as returned by the web application.
type User struct {
	ID       string         `json:"id,omitempty"`            // Account identifier
	Email    string         `json:"email,omitempty"`         // Account email
	Name     string         `json:"name,omitempty"`          // Display name, when the provider exposes one
	Metadata map[string]any `json:"user_metadata,omitempty"` // Provider specific profile fields
}

// IsZero reports whether the user carries no identifying field.
func (u User) IsZero() bool {
	return u.ID == "" && u.Email == ""
}

// Session is the authenticated identity held by the coordinator.
// A Session is either absent or has at least Token and User set.
type Session struct {
	Token        string `json:"token"`                  // Bearer credential for the remote API
	User         User   `json:"user"`                   // Profile of the authenticated account
	RefreshToken string `json:"refreshToken,omitempty"` // Provider dependent, may be empty
}

// Validate rejects partial sessions.
func (s Session) Validate() error {
	if s.Token == "" || s.User.IsZero() {
		return serviceerr.ErrPartialSession
	}
	return nil
}

// Equal reports whether both sessions carry the same credentials and profile.
func (s Session) Equal(other Session) bool {
	return s.Token == other.Token &&
		s.RefreshToken == other.RefreshToken &&
		reflect.DeepEqual(s.User, other.User)
}

// Entry is the persisted projection of a Session.
type Entry struct {
	Session   Session   `json:"session"`
	StoredAt  time.Time `json:"storedAt"`           // Time of the last successful write
	ExpiresAt time.Time `json:"expiresAt,omitzero"` // Expiry of the token, zero for opaque tokens
}

// NewEntry builds the entry written for s at the given time.
func NewEntry(s Session, now time.Time) Entry {
	entry := Entry{Session: s, StoredAt: now}
	if exp, ok := TokenExpiry(s.Token); ok {
		entry.ExpiresAt = exp
	}
	return entry
}

// Status is the public view of the store handed to UI surfaces. It never carries the token.
type Status struct {
	Authenticated bool      `json:"authenticated"`
	User          *User     `json:"user,omitempty"`
	StoredAt      time.Time `json:"storedAt,omitzero"`
	ExpiresAt     time.Time `json:"expiresAt,omitzero"`
}

// StatusOf returns the public view of e.
func StatusOf(e Entry) Status {
	user := e.Session.User
	return Status{
		Authenticated: true,
		User:          &user,
		StoredAt:      e.StoredAt,
		ExpiresAt:     e.ExpiresAt,
	}
}
