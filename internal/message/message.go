// Package message carries requests between the page, the content relay and the
// background coordinator. Delivery is at most once; a sender waiting for an answer
// treats a reply channel closed without a reply as a failure.
package message

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openkcm/session-relay/internal/serviceerr"
	"github.com/openkcm/session-relay/pkg/session"
)

type Type string

const (
	TypeAuthSuccess    Type = "AUTH_SUCCESS"
	TypeSaveSubreddit  Type = "SAVE_SUBREDDIT"
	TypeSaveResource   Type = "SAVE_RESOURCE"
	TypeSubredditInfo  Type = "SUBREDDIT_INFO"
	TypeAuthCallback   Type = "authCallback"
	TypeLogout         Type = "logout"
	TypeGetSession     Type = "GET_SESSION"
	TypeGetPageContext Type = "GET_PAGE_CONTEXT"

	TypeGetSubredditInfo Type = "GET_SUBREDDIT_INFO"
)

// Message is the unit exchanged between contexts.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    Type            `json:"type"`
	Origin  string          `json:"origin,omitempty"`
	TabID   int             `json:"tabId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds a message of the given type with payload encoded as JSON.
func New(typ Type, payload any) (Message, error) {
	msg := Message{Type: typ}
	if payload == nil {
		return msg, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encoding %s payload: %w", typ, err)
	}
	msg.Payload = data

	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", serviceerr.ErrInvalidRequest, m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return errors.Join(serviceerr.ErrInvalidRequest, fmt.Errorf("decoding %s payload: %w", m.Type, err))
	}
	return nil
}

// Response answers a Message.
type Response struct {
	OK    bool            `json:"ok"`
	Code  serviceerr.Code `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OK builds a successful response carrying data.
func OK(data any) Response {
	if data == nil {
		return Response{OK: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Failure(fmt.Errorf("encoding response: %w", err))
	}
	return Response{OK: true, Data: raw}
}

// Failure builds a failed response. The description sent across contexts is the
// one of the service error only, never the wrapped internal chain.
func Failure(err error) Response {
	var svcErr *serviceerr.Error
	if errors.As(err, &svcErr) {
		return Response{Code: svcErr.Err, Error: svcErr.Description}
	}
	return Response{Code: serviceerr.CodeUnknown, Error: serviceerr.ErrUnknown.Description}
}

// Err returns nil for successful responses and the transported error otherwise.
func (r Response) Err() error {
	if r.OK {
		return nil
	}
	return serviceerr.FromCode(r.Code, r.Error)
}

// Decode unmarshals the response data into v.
func (r Response) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// AuthSuccess is emitted by the extractor once a full session was found.
type AuthSuccess struct {
	Token        string       `json:"token"`
	User         session.User `json:"user"`
	RefreshToken string       `json:"refreshToken,omitempty"`
	CloseTab     bool         `json:"closeTab"`
}

func (a AuthSuccess) Session() session.Session {
	return session.Session{Token: a.Token, User: a.User, RefreshToken: a.RefreshToken}
}

// AuthCallback is posted by the web application's callback page. Session may use
// any of the supported session shapes.
type AuthCallback struct {
	Session json.RawMessage `json:"session"`
	Profile *session.User   `json:"profile,omitempty"`
}

type SaveSubreddit struct {
	Subreddit string `json:"subreddit"`
}

type SaveResource struct {
	Kind string `json:"kind,omitempty"`
	Name string `json:"name"`
}

// SubredditInfo is informational only and never affects the session.
type SubredditInfo struct {
	Subreddit   string `json:"subreddit"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Subscribers int    `json:"subscribers,omitempty"`
}

// PageContext identifies the page a content relay is injected into.
type PageContext struct {
	URL       string `json:"url"`
	Subreddit string `json:"subreddit,omitempty"`
}

type SaveResult struct {
	Kind  string `json:"kind"`
	Name  string `json:"name"`
	Saved bool   `json:"saved"`
}
