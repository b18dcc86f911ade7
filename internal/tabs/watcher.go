package tabs

import (
	"context"
	"sync"
	"time"

	slogctx "github.com/veqryn/slog-context"
)

type NavigationEvent struct {
	TabID int
	URL   string
}

type ClosedEvent struct {
	TabID int
}

// Outcome tells the watcher what inspecting a navigation led to.
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	// OutcomeAccepted means the session was parsed from the URL and accepted.
	OutcomeAccepted
	// OutcomeExtracting means extraction was started inside the page.
	OutcomeExtracting
)

// Inspector classifies a navigated-to URL and acts on it.
type Inspector interface {
	InspectIncomingNavigation(ctx context.Context, tabID int, url string) (Outcome, error)
}

// flow is a tab suspected of carrying a login callback.
type flow struct {
	url   string
	since time.Time
}

// Watcher tracks pending auth flows per tab. Flows live in memory only and
// end when the tab closes, navigates away or its session was accepted.
type Watcher struct {
	inspector Inspector
	maxAge    time.Duration

	mu      sync.Mutex
	pending map[int]flow
}

// NewWatcher returns a Watcher whose flows are dropped after maxAge when no
// close or completion arrived for them.
func NewWatcher(inspector Inspector, maxAge time.Duration) *Watcher {
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	return &Watcher{
		inspector: inspector,
		maxAge:    maxAge,
		pending:   make(map[int]flow),
	}
}

// HandleNavigation inspects a completed navigation. Repeated completions of
// the URL a flow is already extracting from are ignored.
func (w *Watcher) HandleNavigation(ctx context.Context, ev NavigationEvent) {
	ctx = slogctx.With(ctx, "tab_id", ev.TabID)

	w.mu.Lock()
	current, ok := w.pending[ev.TabID]
	w.mu.Unlock()
	if ok && current.url == ev.URL {
		slogctx.Debug(ctx, "Extraction already pending for tab")
		return
	}

	outcome, err := w.inspector.InspectIncomingNavigation(ctx, ev.TabID, ev.URL)
	if err != nil {
		// A miss is not escalated; the page may not be logged in yet.
		slogctx.Debug(ctx, "Navigation did not yield a session", "error", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	switch outcome {
	case OutcomeExtracting:
		w.pending[ev.TabID] = flow{url: ev.URL, since: time.Now()}
	default:
		delete(w.pending, ev.TabID)
	}
}

func (w *Watcher) HandleClosed(ev ClosedEvent) {
	w.Complete(ev.TabID)
}

// Complete ends the pending flow of tabID, if any.
func (w *Watcher) Complete(tabID int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, tabID)
}

func (w *Watcher) Pending(tabID int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.pending[tabID]
	return ok
}

// Expire ends the flows older than maxAge and returns how many were ended.
func (w *Watcher) Expire(maxAge time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for id, f := range w.pending {
		if time.Since(f.since) > maxAge {
			delete(w.pending, id)
			n++
		}
	}
	return n
}

// Run consumes browser events until ctx is done. completed carries the tabs
// whose session was accepted.
func (w *Watcher) Run(ctx context.Context, navigations <-chan NavigationEvent, closed <-chan ClosedEvent, completed <-chan int) {
	sweep := time.NewTicker(w.maxAge)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if n := w.Expire(w.maxAge); n > 0 {
				slogctx.Debug(ctx, "Expired pending auth flows", "count", n)
			}
		case ev, ok := <-navigations:
			if !ok {
				return
			}
			w.HandleNavigation(ctx, ev)
		case ev, ok := <-closed:
			if !ok {
				closed = nil
				continue
			}
			w.HandleClosed(ev)
		case id, ok := <-completed:
			if !ok {
				completed = nil
				continue
			}
			w.Complete(id)
		}
	}
}
