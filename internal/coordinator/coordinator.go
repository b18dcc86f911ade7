// Package coordinator is the background context. It is the only writer of the
// Token Store, runs the refresh cycle and performs authenticated remote calls.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-relay/internal/extractor"
	"github.com/openkcm/session-relay/internal/message"
	"github.com/openkcm/session-relay/internal/relay"
	"github.com/openkcm/session-relay/internal/serviceerr"
	"github.com/openkcm/session-relay/internal/tabs"
	"github.com/openkcm/session-relay/pkg/session"
)

const (
	DefaultRefreshPeriod = 10 * time.Minute
	DefaultInfoTTL       = time.Hour
	DefaultResourceKind  = "subreddits"
)

// RemoteAPI is the web application's REST API.
type RemoteAPI interface {
	Refresh(ctx context.Context, token string) (session.Session, error)
	Save(ctx context.Context, token, kind, name string) error
}

// TabCloser closes browser tabs. Closing an unknown tab is not an error.
type TabCloser interface {
	CloseTab(ctx context.Context, tabID int) error
}

// PageExtraction starts session extraction inside a tab. It must not block
// until the extraction completes; the result arrives as AUTH_SUCCESS.
type PageExtraction interface {
	StartExtraction(ctx context.Context, tabID int) error
}

// Resource is something the user saves on the web application.
type Resource struct {
	Kind string
	Name string
}

type Coordinator struct {
	repo      session.Repository
	api       RemoteAPI
	port      *message.Port
	closer    TabCloser
	pages     PageExtraction
	notifier  *Notifier
	info      *cache.Cache
	metrics   *metrics
	newTicker TickerFunc
	now       func() time.Time

	appOrigin     string
	patterns      tabs.Patterns
	refreshPeriod time.Duration
	infoTTL       time.Duration
	resourceKind  string

	mu    sync.Mutex
	state State
	timer *timer

	fired chan struct{}
	wg    sync.WaitGroup
}

type Option func(*Coordinator)

func WithTabCloser(closer TabCloser) Option {
	return func(c *Coordinator) { c.closer = closer }
}

func WithPageExtraction(pages PageExtraction) Option {
	return func(c *Coordinator) { c.pages = pages }
}

func WithNotifier(n *Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

func WithTicker(f TickerFunc) Option {
	return func(c *Coordinator) { c.newTicker = f }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithAppOrigin sets the origin AUTH_SUCCESS and authCallback messages must
// come from, and the origin of the callback URLs.
func WithAppOrigin(origin string) Option {
	return func(c *Coordinator) {
		c.appOrigin = relay.Origin(origin)
		c.patterns.AppOrigin = c.appOrigin
	}
}

func WithCallbackPatterns(p tabs.Patterns) Option {
	return func(c *Coordinator) { c.patterns = p }
}

func WithRefreshPeriod(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.refreshPeriod = d
		}
	}
}

func WithInfoTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.infoTTL = d
		}
	}
}

func WithResourceKind(kind string) Option {
	return func(c *Coordinator) {
		if kind != "" {
			c.resourceKind = kind
		}
	}
}

// New returns a Coordinator in the Idle state serving messages posted to port.
func New(repo session.Repository, api RemoteAPI, port *message.Port, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		repo:          repo,
		api:           api,
		port:          port,
		closer:        noopCloser{},
		notifier:      NewNotifier(),
		newTicker:     newStdTicker,
		now:           time.Now,
		patterns:      tabs.DefaultPatterns(""),
		refreshPeriod: DefaultRefreshPeriod,
		infoTTL:       DefaultInfoTTL,
		resourceKind:  DefaultResourceKind,
		state:         StateIdle,
		fired:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}

	m, err := newMetrics(otel.Meter("session-relay/coordinator"))
	if err != nil {
		return nil, err
	}
	c.metrics = m
	c.info = cache.New(c.infoTTL, 2*c.infoTTL)

	return c, nil
}

func (c *Coordinator) Notifier() *Notifier {
	return c.notifier
}

// RefreshState returns the current state of the refresh cycle.
func (c *Coordinator) RefreshState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TimerArmed reports whether the recurring refresh timer runs.
func (c *Coordinator) TimerArmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

// Status returns the public view of the store.
func (c *Coordinator) Status(ctx context.Context) (session.Status, error) {
	entry, err := c.repo.Load(ctx)
	if errors.Is(err, serviceerr.ErrNotFound) {
		return session.Status{}, nil
	}
	if err != nil {
		return session.Status{}, fmt.Errorf("loading session: %w", err)
	}
	return session.StatusOf(entry), nil
}

// AcceptSession stores s and arms the refresh timer. Partial sessions are
// refused and leave the store untouched. Accepting the stored session again
// does not write. When closeTabID is set the tab is closed afterwards.
func (c *Coordinator) AcceptSession(ctx context.Context, s session.Session, closeTabID int) error {
	if err := s.Validate(); err != nil {
		slogctx.Debug(ctx, "Refused partial session")
		return err
	}

	written, status, err := c.accept(ctx, s)
	if err != nil {
		return err
	}
	c.metrics.sessionAccepted(ctx, written)

	if written {
		slogctx.Info(ctx, "Session accepted", "user_id", s.User.ID)
		c.notifier.Publish(Notification{Kind: SessionChanged, Status: status, TabID: closeTabID, Reason: "accepted"})
	}

	if closeTabID > 0 {
		c.closeTab(ctx, closeTabID)
	}
	return nil
}

func (c *Coordinator) accept(ctx context.Context, s session.Session) (bool, session.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.repo.Load(ctx)
	switch {
	case err == nil && current.Session.Equal(s):
		if c.timer == nil {
			c.transition(ctx, EventArm)
			c.arm()
		}
		return false, session.StatusOf(current), nil
	case err != nil && !errors.Is(err, serviceerr.ErrNotFound):
		return false, session.Status{}, fmt.Errorf("loading session: %w", err)
	}

	entry := session.NewEntry(s, c.now())
	if err := c.repo.Store(ctx, entry); err != nil {
		return false, session.Status{}, fmt.Errorf("storing session: %w", err)
	}
	c.warnIfShortLived(ctx, entry)

	c.transition(ctx, EventArm)
	c.disarm()
	c.arm()

	return true, session.StatusOf(entry), nil
}

// SaveRemoteResource creates r on the web application with the stored token.
// Without a token it asks the UI surface to open the login page and fails
// with serviceerr.ErrNotAuthenticated, without any network call.
func (c *Coordinator) SaveRemoteResource(ctx context.Context, r Resource) (message.SaveResult, error) {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return message.SaveResult{}, fmt.Errorf("%w: resource name is empty", serviceerr.ErrInvalidRequest)
	}
	if r.Kind == "" {
		r.Kind = c.resourceKind
	}

	token, err := c.currentToken(ctx)
	if errors.Is(err, serviceerr.ErrNotFound) {
		c.metrics.saved(ctx, r.Kind, "not_authenticated")
		c.notifier.Publish(Notification{Kind: LoginRequired, Reason: "save_" + r.Kind})
		return message.SaveResult{}, serviceerr.ErrNotAuthenticated
	}
	if err != nil {
		return message.SaveResult{}, err
	}

	if err := c.api.Save(ctx, token, r.Kind, r.Name); err != nil {
		c.metrics.saved(ctx, r.Kind, "failed")
		slogctx.Warn(ctx, "Saving resource failed", "kind", r.Kind, "name", r.Name, "error", err)
		if serviceerr.CodeOf(err) == serviceerr.CodeUnknown {
			err = fmt.Errorf("%w: %w", serviceerr.ErrRemoteFailure, err)
		}
		return message.SaveResult{}, err
	}

	c.metrics.saved(ctx, r.Kind, "saved")
	return message.SaveResult{Kind: r.Kind, Name: r.Name, Saved: true}, nil
}

func (c *Coordinator) currentToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, err := c.repo.Load(ctx)
	if err != nil {
		if errors.Is(err, serviceerr.ErrNotFound) {
			return "", err
		}
		return "", fmt.Errorf("loading session: %w", err)
	}
	return entry.Session.Token, nil
}

// Logout removes the session, disarms the timer and notifies listeners.
func (c *Coordinator) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.repo.Delete(ctx); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	c.disarm()
	c.transition(ctx, EventLogout)

	slogctx.Info(ctx, "Logged out")
	c.notifier.Publish(Notification{Kind: SessionChanged, Reason: "logout"})
	return nil
}

// RefreshCycle runs one refresh. With no token stored the timer is disarmed
// and the remote API is not called. A failed refresh purges the session and
// disarms the timer; there is no retry with the stale token.
func (c *Coordinator) RefreshCycle(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, err := c.repo.Load(ctx)
	if errors.Is(err, serviceerr.ErrNotFound) {
		c.disarm()
		c.transition(ctx, EventNoToken)
		c.metrics.refreshed(ctx, "no_token")
		slogctx.Debug(ctx, "No session to refresh, timer disarmed")
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}

	next, err := c.state.Next(EventFire)
	if err != nil {
		return err
	}
	c.state = next

	refreshed, err := c.api.Refresh(ctx, entry.Session.Token)
	if err == nil {
		if refreshed.RefreshToken == "" {
			refreshed.RefreshToken = entry.Session.RefreshToken
		}
		entry = session.NewEntry(refreshed, c.now())
		err = c.repo.Store(ctx, entry)
	}

	if err != nil && ctx.Err() != nil {
		c.transition(ctx, EventAborted)
		c.arm()
		c.metrics.refreshed(ctx, "aborted")
		return ctx.Err()
	}

	if err != nil {
		c.transition(ctx, EventRefreshFailed)
		c.disarm()
		c.metrics.refreshed(ctx, "failed")
		slogctx.Warn(ctx, "Refresh failed, session cleared", "error", err)

		if delErr := c.repo.Delete(ctx); delErr != nil {
			err = errors.Join(err, fmt.Errorf("deleting stale session: %w", delErr))
		}
		c.notifier.Publish(Notification{Kind: SessionChanged, Reason: "refresh_failed"})
		c.notifier.Publish(Notification{Kind: LoginRequired, Reason: "refresh_failed"})
		return err
	}

	c.transition(ctx, EventRefreshed)
	c.arm()
	c.warnIfShortLived(ctx, entry)
	c.metrics.refreshed(ctx, "refreshed")
	slogctx.Debug(ctx, "Session refreshed", "user_id", entry.Session.User.ID)
	c.notifier.Publish(Notification{Kind: SessionChanged, Status: session.StatusOf(entry), Reason: "refreshed"})

	return nil
}

// InspectIncomingNavigation classifies url. Sessions carried by the URL are
// accepted directly and the tab is closed; page callbacks, and access_token
// URLs without a user, start extraction inside the tab.
func (c *Coordinator) InspectIncomingNavigation(ctx context.Context, tabID int, url string) (tabs.Outcome, error) {
	kind := tabs.Classify(url, c.patterns)
	if kind == tabs.KindNone {
		return tabs.OutcomeIgnored, nil
	}
	ctx = slogctx.With(ctx, "callback", kind.String())

	if kind == tabs.KindDirectLink || kind == tabs.KindAccessToken {
		s, err := tabs.SessionFromURL(url)
		switch {
		case err == nil:
			if err := c.AcceptSession(ctx, s, tabID); err != nil {
				return tabs.OutcomeIgnored, err
			}
			return tabs.OutcomeAccepted, nil
		case kind == tabs.KindDirectLink:
			return tabs.OutcomeIgnored, err
		}
	}

	if c.pages == nil {
		return tabs.OutcomeIgnored, fmt.Errorf("%w: no page extraction available", serviceerr.ErrNotFound)
	}
	if err := c.pages.StartExtraction(ctx, tabID); err != nil {
		return tabs.OutcomeIgnored, fmt.Errorf("starting extraction: %w", err)
	}
	return tabs.OutcomeExtracting, nil
}

// SubredditInfo returns the cached information about a subreddit.
func (c *Coordinator) SubredditInfo(name string) (message.SubredditInfo, bool) {
	v, ok := c.info.Get(infoKey(name))
	if !ok {
		return message.SubredditInfo{}, false
	}
	info, ok := v.(message.SubredditInfo)
	return info, ok
}

func (c *Coordinator) rememberSubredditInfo(info message.SubredditInfo) error {
	if strings.TrimSpace(info.Subreddit) == "" {
		return fmt.Errorf("%w: subreddit name is empty", serviceerr.ErrInvalidRequest)
	}
	c.info.Set(infoKey(info.Subreddit), info, cache.DefaultExpiration)
	return nil
}

func infoKey(name string) string {
	return "subreddit:" + strings.ToLower(strings.TrimSpace(name))
}

// acceptCallback handles authCallback. The profile, when sent, replaces the
// user embedded in the session.
func (c *Coordinator) acceptCallback(ctx context.Context, cb message.AuthCallback, tabID int) error {
	s, err := extractor.NormalizeWithProfile(cb.Session, cb.Profile)
	if err != nil {
		return err
	}
	return c.AcceptSession(ctx, s, tabID)
}

// transition must be called with mu held. Events not allowed in the current
// state leave it unchanged.
func (c *Coordinator) transition(ctx context.Context, e Event) {
	next, err := c.state.Next(e)
	if err != nil {
		slogctx.Debug(ctx, "Ignored refresh event", "error", err)
		return
	}
	c.state = next
}

// arm starts the timer unless it runs already. It must be called with mu held.
func (c *Coordinator) arm() {
	if c.timer != nil {
		return
	}
	c.timer = startTimer(c.newTicker(c.refreshPeriod), c.fired)
}

// disarm stops the timer and discards a tick it has already delivered. It must
// be called with mu held.
func (c *Coordinator) disarm() {
	if c.timer == nil {
		return
	}
	c.timer.stop()
	c.timer = nil

	select {
	case <-c.fired:
	default:
	}
}

func (c *Coordinator) warnIfShortLived(ctx context.Context, entry session.Entry) {
	if entry.ExpiresAt.IsZero() {
		return
	}
	if remaining := entry.ExpiresAt.Sub(c.now()); remaining <= c.refreshPeriod {
		slogctx.Warn(ctx, "Token expires before the next refresh",
			"expires_in", remaining, "refresh_period", c.refreshPeriod)
	}
}

func (c *Coordinator) closeTab(ctx context.Context, tabID int) {
	if err := c.closer.CloseTab(ctx, tabID); err != nil {
		slogctx.Debug(ctx, "Closing tab failed", "error", err)
	}
}

type noopCloser struct{}

func (noopCloser) CloseTab(context.Context, int) error { return nil }
