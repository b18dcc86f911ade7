// Package browserhost drives a Chromium instance through playwright and plays
// the part of the extension's browser APIs: tab ids, tab events, closing tabs,
// running the extractor inside a page and bridging window.postMessage to the
// content relay.
package browserhost

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/samber/oops"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-relay/internal/config"
	"github.com/openkcm/session-relay/internal/coordinator"
	"github.com/openkcm/session-relay/internal/extractor"
	"github.com/openkcm/session-relay/internal/message"
	"github.com/openkcm/session-relay/internal/relay"
	"github.com/openkcm/session-relay/internal/serviceerr"
	"github.com/openkcm/session-relay/internal/tabs"
)

// bindingName is the function exposed to every page. The init script forwards
// same-window message events to it.
const bindingName = "__sessionRelayPost"

// requestBindingName answers user actions requested by page scripts through
// window.sessionRelay.request(type, payload).
const requestBindingName = "__sessionRelayRequest"

const bridgeScript = `window.addEventListener("message", (event) => {
  if (event.source !== window || typeof window.` + bindingName + ` !== "function") return;
  window.` + bindingName + `(event.origin, JSON.stringify(event.data));
});
window.sessionRelay = {
  request: async (type, payload) => JSON.parse(await window.` + requestBindingName + `(JSON.stringify({ type, payload }))),
};`

const (
	eventBuffer    = 64
	requestTimeout = 30 * time.Second
)

type Host struct {
	cfg        config.Browser
	webApp     config.WebApp
	background *message.Port
	extractor  *extractor.Extractor

	pw      *playwright.Playwright
	browser playwright.Browser
	bctx    playwright.BrowserContext

	mu     sync.Mutex
	nextID int
	pages  map[int]playwright.Page
	ids    map[playwright.Page]int

	navigations chan tabs.NavigationEvent
	closed      chan tabs.ClosedEvent
	completed   chan int
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// New creates a host. No browser is started before Start.
func New(cfg *config.Config, background *message.Port, ex *extractor.Extractor) *Host {
	return &Host{
		cfg:         cfg.Browser,
		webApp:      cfg.WebApp,
		background:  background,
		extractor:   ex,
		pages:       make(map[int]playwright.Page),
		ids:         make(map[playwright.Page]int),
		navigations: make(chan tabs.NavigationEvent, eventBuffer),
		closed:      make(chan tabs.ClosedEvent, eventBuffer),
		completed:   make(chan int, eventBuffer),
		done:        make(chan struct{}),
	}
}

// Start installs the driver if needed, launches Chromium and opens the
// configured start pages.
func (h *Host) Start(ctx context.Context) error {
	opts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if err := playwright.Install(opts); err != nil {
		return oops.In("Browser Host").WithContext(ctx).Wrapf(err, "installing playwright")
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return oops.In("Browser Host").WithContext(ctx).Wrapf(err, "starting playwright")
	}
	h.pw = pw

	h.browser, err = pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(h.cfg.Headless),
	})
	if err != nil {
		return oops.In("Browser Host").WithContext(ctx).Wrapf(err, "launching chromium")
	}

	h.bctx, err = h.browser.NewContext()
	if err != nil {
		return oops.In("Browser Host").WithContext(ctx).Wrapf(err, "creating browser context")
	}

	if err := h.bctx.ExposeBinding(bindingName, func(source *playwright.BindingSource, args ...any) any {
		h.bridge(ctx, source.Page, args)
		return nil
	}); err != nil {
		return oops.In("Browser Host").WithContext(ctx).Wrapf(err, "exposing page binding")
	}

	if err := h.bctx.ExposeBinding(requestBindingName, func(source *playwright.BindingSource, args ...any) any {
		return h.request(ctx, source.Page, args)
	}); err != nil {
		return oops.In("Browser Host").WithContext(ctx).Wrapf(err, "exposing request binding")
	}

	if err := h.bctx.AddInitScript(playwright.Script{Content: playwright.String(bridgeScript)}); err != nil {
		return oops.In("Browser Host").WithContext(ctx).Wrapf(err, "adding bridge script")
	}

	h.bctx.OnPage(func(page playwright.Page) {
		h.track(ctx, page)
	})

	for _, u := range h.cfg.StartURLs {
		if err := h.open(u); err != nil {
			slogctx.Warn(ctx, "Could not open start page", "url", u, "error", err)
		}
	}

	slogctx.Info(ctx, "Browser host started", "headless", h.cfg.Headless)
	return nil
}

// Navigations reports page loads as tab navigation events.
func (h *Host) Navigations() <-chan tabs.NavigationEvent { return h.navigations }

// Closed reports closed tabs.
func (h *Host) Closed() <-chan tabs.ClosedEvent { return h.closed }

// Completed reports tabs whose extraction finished.
func (h *Host) Completed() <-chan int { return h.completed }

// CloseTab closes the tab. Closing an unknown or already closed tab is not an
// error.
func (h *Host) CloseTab(ctx context.Context, tabID int) error {
	page, ok := h.page(tabID)
	if !ok {
		slogctx.Debug(ctx, "Tab already gone", "tab_id", tabID)
		return nil
	}
	if err := page.Close(); err != nil {
		if page.IsClosed() {
			return nil
		}
		return fmt.Errorf("closing tab %d: %w", tabID, err)
	}
	h.forget(page)
	return nil
}

// StartExtraction runs the extractor inside the tab until it finds a session
// or gives up. The call returns immediately.
func (h *Host) StartExtraction(ctx context.Context, tabID int) error {
	page, ok := h.page(tabID)
	if !ok {
		return fmt.Errorf("%w: tab %d", serviceerr.ErrNotFound, tabID)
	}

	emitter := relay.New(h.webApp.Origin, tabID, page.URL(), h.background)
	ctx = context.WithoutCancel(ctx)

	h.wg.Go(func() {
		found := h.extractor.Poll(ctx, newPageAdapter(page), emitter)
		slogctx.Debug(ctx, "Extraction finished", "tab_id", tabID, "found", found)
		select {
		case h.completed <- tabID:
		case <-h.done:
		}
	})
	return nil
}

// OpenLogin opens the web application's login page in a new tab.
func (h *Host) OpenLogin(ctx context.Context) error {
	loginURL, err := h.webApp.LoginURL()
	if err != nil {
		return err
	}
	slogctx.Info(ctx, "Opening login page", "url", loginURL)
	return h.open(loginURL)
}

// FollowNotifications opens the login page whenever the coordinator reports
// that a login is required.
func (h *Host) FollowNotifications(ctx context.Context, events <-chan coordinator.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != coordinator.LoginRequired {
				continue
			}
			if err := h.OpenLogin(ctx); err != nil {
				slogctx.Warn(ctx, "Could not open login page", "reason", ev.Reason, "error", err)
			}
		}
	}
}

// Close shuts the browser and the driver down.
func (h *Host) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		h.wg.Wait()
		if h.browser != nil {
			err = h.browser.Close()
		}
		if h.pw != nil {
			if stopErr := h.pw.Stop(); stopErr != nil && err == nil {
				err = stopErr
			}
		}
	})
	return err
}

func (h *Host) open(rawURL string) error {
	if h.bctx == nil {
		return fmt.Errorf("%w: browser not started", serviceerr.ErrChannelClosed)
	}
	page, err := h.bctx.NewPage()
	if err != nil {
		return fmt.Errorf("opening tab: %w", err)
	}
	if _, err := page.Goto(rawURL); err != nil {
		return fmt.Errorf("navigating to %s: %w", rawURL, err)
	}
	return nil
}

// track assigns the next tab id to page and subscribes to its events.
func (h *Host) track(ctx context.Context, page playwright.Page) int {
	tabID := h.register(page)

	page.OnLoad(func(p playwright.Page) {
		h.sendNavigation(ctx, tabs.NavigationEvent{TabID: tabID, URL: p.URL()})
	})
	page.OnClose(func(p playwright.Page) {
		h.forget(p)
		h.sendClosed(ctx, tabs.ClosedEvent{TabID: tabID})
	})

	return tabID
}

func (h *Host) register(page playwright.Page) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if id, ok := h.ids[page]; ok {
		return id
	}
	h.nextID++
	h.pages[h.nextID] = page
	h.ids[page] = h.nextID
	return h.nextID
}

func (h *Host) forget(page playwright.Page) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if id, ok := h.ids[page]; ok {
		delete(h.pages, id)
		delete(h.ids, page)
	}
}

func (h *Host) page(tabID int) (playwright.Page, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	page, ok := h.pages[tabID]
	return page, ok
}

func (h *Host) tabID(page playwright.Page) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id, ok := h.ids[page]
	return id, ok
}

// Playwright delivers events on its dispatcher goroutine, so sends never block.
func (h *Host) sendNavigation(ctx context.Context, ev tabs.NavigationEvent) {
	select {
	case h.navigations <- ev:
	default:
		slogctx.Warn(ctx, "Dropped navigation event", "tab_id", ev.TabID)
	}
}

func (h *Host) sendClosed(ctx context.Context, ev tabs.ClosedEvent) {
	select {
	case h.closed <- ev:
	default:
		slogctx.Warn(ctx, "Dropped tab closed event", "tab_id", ev.TabID)
	}
}

// bridge hands a window.postMessage event from page to a content relay bound
// to the page's tab. args are the event origin and the JSON encoded data.
func (h *Host) bridge(ctx context.Context, page playwright.Page, args []any) {
	if page == nil || len(args) < 2 {
		return
	}
	tabID, ok := h.tabID(page)
	if !ok || !h.relayed(page.URL()) {
		return
	}
	origin, _ := args[0].(string)
	data, _ := args[1].(string)
	if data == "" || !json.Valid([]byte(data)) {
		return
	}

	r := relay.New(h.webApp.Origin, tabID, page.URL(), h.background)
	h.wg.Go(func() {
		ch, err := r.HandlePageEvent(ctx, relay.PageEvent{Origin: origin, Data: json.RawMessage(data)})
		if err != nil {
			slogctx.Debug(ctx, "Page message not relayed", "tab_id", tabID, "error", err)
			return
		}
		resp, err := message.Await(ctx, ch, h.done)
		if err == nil {
			err = resp.Err()
		}
		if err != nil {
			slogctx.Debug(ctx, "Page message refused", "tab_id", tabID, "error", err)
		}
	})
}

// request answers a user action a page script asked for. args[0] is the JSON
// encoded message; the JSON encoded response is returned to the page.
func (h *Host) request(ctx context.Context, page playwright.Page, args []any) string {
	resp := h.answer(ctx, page, args)
	data, err := json.Marshal(resp)
	if err != nil {
		return `{"ok":false}`
	}
	return string(data)
}

func (h *Host) answer(ctx context.Context, page playwright.Page, args []any) message.Response {
	if page == nil || len(args) < 1 {
		return message.Failure(serviceerr.ErrInvalidRequest)
	}
	tabID, ok := h.tabID(page)
	if !ok || !h.relayed(page.URL()) {
		return message.Failure(serviceerr.ErrCrossOrigin)
	}
	data, _ := args[0].(string)

	var msg message.Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return message.Failure(serviceerr.ErrInvalidRequest)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	ch, err := relay.New(h.webApp.Origin, tabID, page.URL(), h.background).HandleAction(ctx, msg)
	if err != nil {
		slogctx.Debug(ctx, "Page action refused", "tab_id", tabID, "type", string(msg.Type), "error", err)
		return message.Failure(err)
	}
	resp, err := message.Await(ctx, ch, h.done)
	if err != nil {
		return message.Failure(err)
	}
	return resp
}

// relayed reports whether a content relay runs on pageURL: the web application
// itself and the configured target sites.
func (h *Host) relayed(pageURL string) bool {
	origin := relay.Origin(pageURL)
	if origin == "" {
		return false
	}
	if origin == relay.Origin(h.webApp.Origin) {
		return true
	}
	return slices.ContainsFunc(h.cfg.TargetOrigins, func(o string) bool {
		return relay.Origin(o) == origin
	})
}
