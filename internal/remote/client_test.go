package remote_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/session-relay/internal/remote"
	"github.com/openkcm/session-relay/internal/serviceerr"
	"github.com/openkcm/session-relay/pkg/session"
)

func TestClient_Refresh(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    session.Session
		wantErr error
	}{
		{
			name:   "new token and user",
			status: http.StatusOK,
			body:   `{"token":"token2","user":{"id":"u-2","email":"b@c.com"},"refreshToken":"r2"}`,
			want:   session.Session{Token: "token2", User: session.User{ID: "u-2", Email: "b@c.com"}, RefreshToken: "r2"},
		},
		{
			name:    "rejected token",
			status:  http.StatusUnauthorized,
			body:    `{"error":"expired"}`,
			wantErr: serviceerr.ErrRemoteFailure,
		},
		{
			name:    "token without user",
			status:  http.StatusOK,
			body:    `{"token":"token2"}`,
			wantErr: serviceerr.ErrRemoteFailure,
		},
		{
			name:    "garbage",
			status:  http.StatusOK,
			body:    `not json`,
			wantErr: serviceerr.ErrRemoteFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/api/auth/refresh", r.URL.Path)
				assert.Equal(t, "Bearer token1", r.Header.Get("Authorization"))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			got, err := remote.NewClient(srv.URL+"/api", srv.Client()).Refresh(t.Context(), "token1")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClient_Save(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))

		var body struct {
			Name string `json:"name"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		switch r.URL.Path {
		case "/saved/subreddits":
			assert.Equal(t, "golang", body.Name)
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	client := remote.NewClient(srv.URL, srv.Client())

	require.NoError(t, client.Save(t.Context(), "abc", "subreddits", "golang"))

	err := client.Save(t.Context(), "abc", "posts", "x")
	assert.ErrorIs(t, err, serviceerr.ErrRemoteFailure)
	assert.Equal(t, http.StatusBadGateway, serviceerr.ErrRemoteFailure.HTTPStatus())

	err = client.Save(t.Context(), "abc", "../admin", "x")
	assert.ErrorIs(t, err, serviceerr.ErrInvalidRequest)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := remote.NewClient(url, nil).Refresh(t.Context(), "abc")
	assert.ErrorIs(t, err, serviceerr.ErrRemoteFailure)
}
