package coordinator

import (
	"context"
	"errors"
	"fmt"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-relay/internal/message"
	"github.com/openkcm/session-relay/internal/relay"
	"github.com/openkcm/session-relay/internal/serviceerr"
	"github.com/openkcm/session-relay/pkg/session"
)

// Start arms the refresh timer when a session is stored already.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, err := c.repo.Load(ctx)
	if errors.Is(err, serviceerr.ErrNotFound) {
		slogctx.Info(ctx, "No stored session, refresh timer not armed")
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}

	c.transition(ctx, EventArm)
	c.arm()
	c.warnIfShortLived(ctx, entry)
	slogctx.Info(ctx, "Stored session found, refresh timer armed", "period", c.refreshPeriod)

	return nil
}

// Serve handles the messages posted to the background port and the timer
// ticks until ctx is done or the port is closed. Messages that change the
// session and timer ticks are handled one at a time in arrival order; reads
// and remote saves run concurrently.
func (c *Coordinator) Serve(ctx context.Context) error {
	defer func() {
		c.wg.Wait()
		c.mu.Lock()
		c.disarm()
		c.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.port.Done():
			return nil
		case env := <-c.port.Receive():
			if !ordered(env.Type) {
				c.wg.Go(func() {
					c.handle(ctx, env)
				})
				continue
			}
			c.handle(ctx, env)
		case <-c.fired:
			if err := c.RefreshCycle(ctx); err != nil {
				slogctx.Warn(ctx, "Refresh cycle failed", "error", err)
			}
		}
	}
}

// ordered reports whether messages of type t write the Token Store.
func ordered(t message.Type) bool {
	switch t {
	case message.TypeAuthSuccess, message.TypeAuthCallback, message.TypeLogout:
		return true
	default:
		return false
	}
}

func (c *Coordinator) handle(ctx context.Context, env *message.Envelope) {
	ctx = slogctx.With(ctx,
		"message_id", env.ID,
		"message_type", string(env.Type),
		"tab_id", env.TabID,
	)

	data, err := c.dispatch(ctx, env.Message)
	if err != nil {
		slogctx.Debug(ctx, "Message failed", "error", err)
		env.Reply(message.Failure(err))
		return
	}
	env.Reply(message.OK(data))
}

func (c *Coordinator) dispatch(ctx context.Context, msg message.Message) (any, error) {
	switch msg.Type {
	case message.TypeAuthSuccess:
		if err := c.checkOrigin(msg); err != nil {
			return nil, err
		}
		var auth message.AuthSuccess
		if err := msg.Decode(&auth); err != nil {
			return nil, err
		}
		closeTabID := 0
		if auth.CloseTab {
			closeTabID = msg.TabID
		}
		if err := c.AcceptSession(ctx, auth.Session(), closeTabID); err != nil {
			return nil, err
		}
		return c.Status(ctx)

	case message.TypeAuthCallback:
		if err := c.checkOrigin(msg); err != nil {
			return nil, err
		}
		var cb message.AuthCallback
		if err := msg.Decode(&cb); err != nil {
			return nil, err
		}
		if err := c.acceptCallback(ctx, cb, msg.TabID); err != nil {
			return nil, err
		}
		return c.Status(ctx)

	case message.TypeSaveSubreddit:
		var req message.SaveSubreddit
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		return c.SaveRemoteResource(ctx, Resource{Kind: DefaultResourceKind, Name: req.Subreddit})

	case message.TypeSaveResource:
		var req message.SaveResource
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		return c.SaveRemoteResource(ctx, Resource{Kind: req.Kind, Name: req.Name})

	case message.TypeSubredditInfo:
		var info message.SubredditInfo
		if err := msg.Decode(&info); err != nil {
			return nil, err
		}
		return nil, c.rememberSubredditInfo(info)

	case message.TypeGetSubredditInfo:
		var req message.SubredditInfo
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		info, ok := c.SubredditInfo(req.Subreddit)
		if !ok {
			return nil, serviceerr.ErrNotFound
		}
		return info, nil

	case message.TypeGetSession:
		return c.Status(ctx)

	case message.TypeLogout:
		if err := c.Logout(ctx); err != nil {
			return nil, err
		}
		return session.Status{}, nil

	default:
		return nil, fmt.Errorf("%w: %q", serviceerr.ErrUnsupportedType, msg.Type)
	}
}

// checkOrigin rejects session messages not relayed from the application page.
func (c *Coordinator) checkOrigin(msg message.Message) error {
	if c.appOrigin == "" || relay.Origin(msg.Origin) == c.appOrigin {
		return nil
	}
	return serviceerr.ErrCrossOrigin
}
