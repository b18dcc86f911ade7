package business

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/valkey-io/valkey-go"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-relay/internal/browserhost"
	"github.com/openkcm/session-relay/internal/business/server"
	"github.com/openkcm/session-relay/internal/config"
	"github.com/openkcm/session-relay/internal/coordinator"
	"github.com/openkcm/session-relay/internal/extractor"
	"github.com/openkcm/session-relay/internal/message"
	"github.com/openkcm/session-relay/internal/remote"
	"github.com/openkcm/session-relay/internal/tabs"
	"github.com/openkcm/session-relay/pkg/session"
	sessionmemory "github.com/openkcm/session-relay/pkg/session/memory"
	sessionvalkey "github.com/openkcm/session-relay/pkg/session/valkey"
)

const (
	backgroundBuffer   = 32
	notificationBuffer = 8
)

// Main wires the background coordinator, the UI surface and the browser host
// and runs them until ctx is done or one of them fails.
func Main(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	repo, closeStore, err := initStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the token store: %w", err)
	}
	defer closeStore()

	httpClient, err := loadHTTPClient(cfg)
	if err != nil {
		return fmt.Errorf("loading http client: %w", err)
	}

	background := message.NewPort("background", backgroundBuffer)
	defer background.Close()

	host := browserhost.New(cfg, background, extractor.New(extractorOptions(cfg.Extractor)))

	coord, err := coordinator.New(repo, remote.NewClient(cfg.Remote.BaseURL, httpClient), background,
		coordinator.WithCallbackPatterns(callbackPatterns(cfg.WebApp)),
		coordinator.WithAppOrigin(cfg.WebApp.Origin),
		coordinator.WithRefreshPeriod(cfg.Refresher.Period),
		coordinator.WithTabCloser(host),
		coordinator.WithPageExtraction(host),
	)
	if err != nil {
		return fmt.Errorf("creating coordinator: %w", err)
	}

	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("starting coordinator: %w", err)
	}

	// errChan is used to capture the first error and shut everything down.
	errChan := make(chan error, 3)

	// wg is used to wait for all components to shut down.
	var wg sync.WaitGroup

	wg.Go(func() {
		errChan <- coord.Serve(ctx)
	})

	wg.Go(func() {
		errChan <- server.StartHTTPServer(ctx, cfg, background)
	})

	if cfg.Browser.Enabled {
		wg.Go(func() {
			errChan <- runBrowser(ctx, cfg, host, coord)
		})
	}

	// wait for any component to stop to initiate the shutdown
	if err := <-errChan; err != nil {
		slogctx.Error(ctx, "Shutting down session relay", "error", err)
	}
	cancel()

	wg.Wait()

	return nil
}

// runBrowser starts the browser host and feeds its tab events to the watcher
// until ctx is done.
func runBrowser(ctx context.Context, cfg *config.Config, host *browserhost.Host, coord *coordinator.Coordinator) error {
	if err := host.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := host.Close(); err != nil {
			slogctx.Warn(ctx, "Failed to close browser", "error", err)
		}
	}()

	events, unsubscribe := coord.Notifier().Subscribe(notificationBuffer)
	defer unsubscribe()
	go host.FollowNotifications(ctx, events)

	watcher := tabs.NewWatcher(coord, cfg.Extractor.FlowMaxAge)
	watcher.Run(ctx, host.Navigations(), host.Closed(), host.Completed())

	return nil
}

func initStore(ctx context.Context, cfg *config.Config) (_ session.Repository, closeFn func(), _ error) {
	switch cfg.Store.Backend {
	case config.StoreBackendMemory, "":
		slogctx.Info(ctx, "Using in-memory token store")
		return sessionmemory.NewRepository(), func() {}, nil
	case config.StoreBackendValKey:
		valkeyClient, err := valkeyClientFromConfig(cfg)
		if err != nil {
			return nil, nil, err
		}
		slogctx.Info(ctx, "Using valkey token store", "prefix", cfg.ValKey.Prefix)
		return sessionvalkey.NewRepository(valkeyClient, cfg.ValKey.Prefix), valkeyClient.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func valkeyClientFromConfig(cfg *config.Config) (valkey.Client, error) {
	valkeyHost, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to load valkey host: %w", err)
	}

	valkeyUsername, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.User)
	if err != nil {
		return nil, fmt.Errorf("failed to load valkey username: %w", err)
	}

	valkeyPassword, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to load valkey password: %w", err)
	}

	valkeyOpts := valkey.ClientOption{
		InitAddress: []string{string(valkeyHost)},
		Username:    string(valkeyUsername),
		Password:    string(valkeyPassword),
	}

	if cfg.ValKey.SecretRef.Type == commoncfg.MTLSSecretType {
		tlsConfig, err := commoncfg.LoadMTLSConfig(&cfg.ValKey.SecretRef.MTLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load valkey mTLS config from secret ref: %w", err)
		}

		valkeyOpts.TLSConfig = tlsConfig
	}

	valkeyClient, err := valkey.NewClient(valkeyOpts)
	if err != nil {
		return nil, fmt.Errorf("creating a new valkey client: %w", err)
	}

	return valkeyClient, nil
}

// loadHTTPClient returns the client used for the web application's API.
func loadHTTPClient(cfg *config.Config) (*http.Client, error) {
	auth := cfg.Remote.ClientAuth

	switch auth.Type {
	case config.ClientAuthMTLS:
		tlsConfig, err := commoncfg.LoadMTLSConfig(auth.MTLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load mTLS config: %w", err)
		}

		return &http.Client{
			Timeout: cfg.Remote.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: tlsConfig,
			},
		}, nil
	case config.ClientAuthAPIKey:
		key, err := commoncfg.LoadValueFromSourceRef(auth.APIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load api key: %w", err)
		}

		header := auth.APIKeyHeader
		if header == "" {
			header = "apikey"
		}

		return &http.Client{
			Timeout: cfg.Remote.Timeout,
			Transport: &apiKeyRoundTripper{
				header: header,
				key:    string(key),
				next:   http.DefaultTransport,
			},
		}, nil
	case config.ClientAuthDefault:
		return &http.Client{Timeout: cfg.Remote.Timeout}, nil
	case config.ClientAuthInsecure:
		return http.DefaultClient, nil
	default:
		return nil, errors.New("unknown Client Auth type")
	}
}

// apiKeyRoundTripper adds the project api key the web application's backend
// expects next to the bearer token.
type apiKeyRoundTripper struct {
	header string
	key    string
	next   http.RoundTripper
}

func (t *apiKeyRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set(t.header, t.key)

	return t.next.RoundTrip(req)
}

func callbackPatterns(w config.WebApp) tabs.Patterns {
	p := tabs.DefaultPatterns(w.Origin)
	if len(w.CallbackPaths) > 0 {
		p.CallbackPaths = w.CallbackPaths
	}
	if w.DirectLinkPath != "" {
		p.DirectLinkPath = w.DirectLinkPath
	}
	return p
}

func extractorOptions(c config.Extractor) extractor.Options {
	return extractor.Options{
		ProviderKeys:   c.ProviderKeys,
		TokenKey:       c.TokenKey,
		UserKey:        c.UserKey,
		GlobalVariable: c.GlobalVariable,
		ElementID:      c.ElementID,
		PollInterval:   c.PollInterval,
		PollCeiling:    c.PollCeiling,
	}
}
