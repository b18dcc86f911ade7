package serviceerr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openkcm/session-relay/internal/serviceerr"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name        string
		err         *serviceerr.Error
		expectedMsg string
	}{
		{
			name:        "Error with description",
			err:         &serviceerr.Error{Err: serviceerr.CodeNotFound, Description: "resource not found"},
			expectedMsg: "not_found: resource not found",
		},
		{
			name:        "Error without description",
			err:         &serviceerr.Error{Err: serviceerr.CodeInvalidRequest},
			expectedMsg: "invalid_request",
		},
		{
			name:        "Predefined error - ErrUnknown",
			err:         serviceerr.ErrUnknown,
			expectedMsg: "unknown: unknown error",
		},
		{
			name:        "Predefined error - ErrNotFound",
			err:         serviceerr.ErrNotFound,
			expectedMsg: "not_found: not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectedMsg, tt.err.Error())
		})
	}
}

func TestError_HTTPStatus(t *testing.T) {
	tests := []struct {
		name               string
		code               serviceerr.Code
		expectedHTTPStatus int
	}{
		{name: "CodeInvalidRequest returns BadRequest", code: serviceerr.CodeInvalidRequest, expectedHTTPStatus: http.StatusBadRequest},
		{name: "CodePartialSession returns BadRequest", code: serviceerr.CodePartialSession, expectedHTTPStatus: http.StatusBadRequest},
		{name: "CodeNotAuthenticated returns Unauthorized", code: serviceerr.CodeNotAuthenticated, expectedHTTPStatus: http.StatusUnauthorized},
		{name: "CodeCrossOrigin returns Forbidden", code: serviceerr.CodeCrossOrigin, expectedHTTPStatus: http.StatusForbidden},
		{name: "CodeNotFound returns NotFound", code: serviceerr.CodeNotFound, expectedHTTPStatus: http.StatusNotFound},
		{name: "CodeInvalidTransition returns Conflict", code: serviceerr.CodeInvalidTransition, expectedHTTPStatus: http.StatusConflict},
		{name: "CodeRemoteFailure returns BadGateway", code: serviceerr.CodeRemoteFailure, expectedHTTPStatus: http.StatusBadGateway},
		{name: "CodeChannelClosed returns ServiceUnavailable", code: serviceerr.CodeChannelClosed, expectedHTTPStatus: http.StatusServiceUnavailable},
		{name: "CodeUnknown returns InternalServerError", code: serviceerr.CodeUnknown, expectedHTTPStatus: http.StatusInternalServerError},
		{name: "Unknown code returns InternalServerError", code: serviceerr.Code("unknown_code"), expectedHTTPStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := serviceerr.Error{Err: tt.code}
			assert.Equal(t, tt.expectedHTTPStatus, err.HTTPStatus())
		})
	}
}

func TestError_Is(t *testing.T) {
	t.Run("matches on code through wrapping", func(t *testing.T) {
		err := fmt.Errorf("saving resource: %w", serviceerr.Remote("status 500"))
		assert.ErrorIs(t, err, serviceerr.ErrRemoteFailure)
		assert.NotErrorIs(t, err, serviceerr.ErrNotAuthenticated)
	})

	t.Run("does not match foreign errors", func(t *testing.T) {
		assert.NotErrorIs(t, errors.New("not_found"), serviceerr.ErrNotFound)
	})
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, serviceerr.CodeCrossOrigin, serviceerr.CodeOf(fmt.Errorf("x: %w", serviceerr.ErrCrossOrigin)))
	assert.Equal(t, serviceerr.CodeUnknown, serviceerr.CodeOf(errors.New("plain")))
	assert.Equal(t, serviceerr.CodeUnknown, serviceerr.FromCode("", "").Err)
	assert.ErrorIs(t, serviceerr.FromCode(serviceerr.CodeNotAuthenticated, "login"), serviceerr.ErrNotAuthenticated)
}
