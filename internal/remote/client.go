// Package remote talks to the web application's REST API on behalf of the
// background coordinator.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-relay/internal/serviceerr"
	"github.com/openkcm/session-relay/pkg/session"
)

const (
	refreshPath = "/auth/refresh"
	savedPath   = "/saved"

	// maxErrorBody bounds how much of a failed response ends up in the logs.
	maxErrorBody = 512
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	tracer     trace.Tracer
}

// NewClient returns a client for the API at baseURL. A nil httpClient is
// replaced by one with a 10 second timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		tracer:     otel.Tracer("session-relay/remote"),
	}
}

type refreshResponse struct {
	Token        string       `json:"token"`
	User         session.User `json:"user"`
	RefreshToken string       `json:"refreshToken,omitempty"`
}

// Refresh exchanges token for a new session. A response lacking either the
// token or the user is a failure.
func (c *Client) Refresh(ctx context.Context, token string) (session.Session, error) {
	var out refreshResponse
	if err := c.post(ctx, "refresh", token, refreshPath, nil, &out); err != nil {
		return session.Session{}, err
	}

	s := session.Session{Token: out.Token, User: out.User, RefreshToken: out.RefreshToken}
	if err := s.Validate(); err != nil {
		return session.Session{}, fmt.Errorf("%w: refresh response: %w", serviceerr.ErrRemoteFailure, err)
	}
	return s, nil
}

type saveRequest struct {
	Name string `json:"name"`
}

// Save creates the named resource of the given kind.
func (c *Client) Save(ctx context.Context, token, kind, name string) error {
	if kind == "" || strings.ContainsAny(kind, "/?#") {
		return fmt.Errorf("%w: resource kind %q", serviceerr.ErrInvalidRequest, kind)
	}
	return c.post(ctx, "save", token, savedPath+"/"+kind, saveRequest{Name: name}, nil)
}

func (c *Client) post(ctx context.Context, operation, token, path string, body, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "remote."+operation, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.request.method", http.MethodPost), attribute.String("url.path", path)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, operation+" failed")
		}
		span.End()
	}()

	endpoint, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return fmt.Errorf("%w: building %s url: %w", serviceerr.ErrRemoteFailure, operation, err)
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", operation, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return fmt.Errorf("%w: creating %s request: %w", serviceerr.ErrRemoteFailure, operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.bearerClient(token).Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s request: %w", serviceerr.ErrRemoteFailure, operation, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		slogctx.Warn(ctx, "Remote API rejected request",
			"operation", operation, "status", resp.StatusCode, "body", string(excerpt))
		return serviceerr.Remote(fmt.Sprintf("%s returned status %d", operation, resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s response: %w", serviceerr.ErrRemoteFailure, operation, err)
	}
	return nil
}

// bearerClient attaches token as an Authorization: Bearer header.
func (c *Client) bearerClient(token string) *http.Client {
	return &http.Client{
		Timeout:       c.httpClient.Timeout,
		CheckRedirect: c.httpClient.CheckRedirect,
		Jar:           c.httpClient.Jar,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   c.httpClient.Transport,
		},
	}
}
