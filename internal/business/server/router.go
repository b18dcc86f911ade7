package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-relay/internal/config"
	"github.com/openkcm/session-relay/internal/message"
	"github.com/openkcm/session-relay/internal/serviceerr"
	"github.com/openkcm/session-relay/pkg/session"
)

// maxBodyBytes bounds request bodies of the UI surface.
const maxBodyBytes = 64 << 10

// errorBody is returned for every failed UI request.
type errorBody struct {
	Code  serviceerr.Code `json:"code"`
	Error string          `json:"error"`
}

// uiServer stands in for the popup and options pages: it only ever talks to the
// coordinator through the background port.
type uiServer struct {
	port *message.Port
}

func newRouter(cfg *config.Config, port *message.Port) http.Handler {
	s := &uiServer{port: port}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(newTraceMiddleware(cfg))

	r.Get("/session", s.getSession)
	r.Post("/logout", s.logout)
	r.Post("/saved/{kind}", s.save)
	r.Get("/subreddits/{name}", s.subredditInfo)

	return r
}

func (s *uiServer) getSession(w http.ResponseWriter, r *http.Request) {
	var status session.Status
	if err := s.request(r.Context(), message.TypeGetSession, nil, &status); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, status)
}

func (s *uiServer) logout(w http.ResponseWriter, r *http.Request) {
	if err := s.request(r.Context(), message.TypeLogout, nil, nil); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *uiServer) save(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(r.Context(), w, fmt.Errorf("%w: decoding body: %w", serviceerr.ErrInvalidRequest, err))
		return
	}

	req := message.SaveResource{Kind: chi.URLParam(r, "kind"), Name: body.Name}

	var result message.SaveResult
	if err := s.request(r.Context(), message.TypeSaveResource, req, &result); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusCreated, result)
}

func (s *uiServer) subredditInfo(w http.ResponseWriter, r *http.Request) {
	req := message.SubredditInfo{Subreddit: chi.URLParam(r, "name")}

	var info message.SubredditInfo
	if err := s.request(r.Context(), message.TypeGetSubredditInfo, req, &info); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, info)
}

// request sends a message to the coordinator and decodes a successful answer
// into out when out is not nil.
func (s *uiServer) request(ctx context.Context, typ message.Type, payload any, out any) error {
	msg, err := message.New(typ, payload)
	if err != nil {
		return err
	}

	resp, err := s.port.Request(ctx, msg)
	if err != nil {
		return err
	}
	if out == nil {
		return resp.Err()
	}
	return resp.Decode(out)
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var svcErr *serviceerr.Error
	if !errors.As(err, &svcErr) {
		svcErr = serviceerr.ErrUnknown
	}

	status := svcErr.HTTPStatus()
	if status >= http.StatusInternalServerError {
		slogctx.Error(ctx, "UI request failed", "error", err)
	} else {
		slogctx.Debug(ctx, "UI request refused", "error", err)
	}

	writeJSON(ctx, w, status, errorBody{Code: svcErr.Err, Error: svcErr.Description})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slogctx.Warn(ctx, "Failed to write response", "error", err)
	}
}
