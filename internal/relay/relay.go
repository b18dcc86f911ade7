// Package relay is the content script injected into a page. It keeps no state:
// same-origin page events and extension requests are forwarded to the
// background port and answered asynchronously.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-relay/internal/message"
	"github.com/openkcm/session-relay/internal/serviceerr"
)

// PageEvent is a window message observed by the relay.
type PageEvent struct {
	Origin string
	Data   json.RawMessage
}

type Relay struct {
	appOrigin  string
	tabID      int
	pageURL    string
	background *message.Port
}

// New returns the relay for the page at pageURL in tab tabID. Page events are
// accepted only from appOrigin.
func New(appOrigin string, tabID int, pageURL string, background *message.Port) *Relay {
	return &Relay{
		appOrigin:  Origin(appOrigin),
		tabID:      tabID,
		pageURL:    pageURL,
		background: background,
	}
}

// pageTypes are the messages a page may send.
var pageTypes = map[message.Type]bool{
	message.TypeAuthSuccess:  true,
	message.TypeAuthCallback: true,
	message.TypeLogout:       true,
}

// actionTypes are the requests a page script may make of the extension.
var actionTypes = map[message.Type]bool{
	message.TypeGetPageContext:   true,
	message.TypeSaveSubreddit:    true,
	message.TypeSubredditInfo:    true,
	message.TypeGetSubredditInfo: true,
	message.TypeGetSession:       true,
}

// HandlePageEvent forwards a page event to the background. Events from any
// origin other than the tracked application are dropped before decoding.
func (r *Relay) HandlePageEvent(ctx context.Context, ev PageEvent) (<-chan message.Response, error) {
	origin := Origin(ev.Origin)
	if r.appOrigin == "" || origin != r.appOrigin {
		slogctx.Debug(ctx, "Dropped cross-origin page event", "origin", ev.Origin, "tab_id", r.tabID)
		return nil, serviceerr.ErrCrossOrigin
	}

	var msg message.Message
	if err := json.Unmarshal(ev.Data, &msg); err != nil {
		return nil, fmt.Errorf("%w: decoding page event: %w", serviceerr.ErrInvalidRequest, err)
	}
	if !pageTypes[msg.Type] {
		return nil, fmt.Errorf("%w: %q from page", serviceerr.ErrUnsupportedType, msg.Type)
	}

	msg.Origin = origin
	return r.forward(ctx, msg)
}

// HandleRequest answers an extension request. GET_PAGE_CONTEXT is answered
// locally; everything else goes to the background.
func (r *Relay) HandleRequest(ctx context.Context, msg message.Message) (<-chan message.Response, error) {
	if msg.Type != message.TypeGetPageContext {
		return r.forward(ctx, msg)
	}

	ch := make(chan message.Response, 1)
	ch <- message.OK(r.PageContext())
	close(ch)
	return ch, nil
}

// HandleAction answers a user action requested from a page script. Session
// messages are refused; they only travel as same-origin page events.
func (r *Relay) HandleAction(ctx context.Context, msg message.Message) (<-chan message.Response, error) {
	if !actionTypes[msg.Type] {
		return nil, fmt.Errorf("%w: %q from page script", serviceerr.ErrUnsupportedType, msg.Type)
	}
	msg.Origin = ""
	return r.HandleRequest(ctx, msg)
}

// Emit posts a message produced inside the page, such as the extractor's
// AUTH_SUCCESS. The answer is not awaited.
func (r *Relay) Emit(ctx context.Context, msg message.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding page message: %w", err)
	}

	origin := msg.Origin
	if origin == "" {
		origin = r.pageURL
	}

	_, err = r.HandlePageEvent(ctx, PageEvent{Origin: origin, Data: data})
	return err
}

func (r *Relay) PageContext() message.PageContext {
	return message.PageContext{URL: r.pageURL, Subreddit: Subreddit(r.pageURL)}
}

func (r *Relay) forward(ctx context.Context, msg message.Message) (<-chan message.Response, error) {
	msg.TabID = r.tabID
	ch, err := r.background.Send(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("relaying %s: %w", msg.Type, err)
	}
	return ch, nil
}

// Origin returns scheme://host of raw, lower-cased, or "" when raw has neither.
func Origin(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

// Subreddit returns the community name of a /r/<name> URL.
func Subreddit(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) >= 2 && strings.EqualFold(parts[0], "r") {
		return parts[1]
	}
	return ""
}
