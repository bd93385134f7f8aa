package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_IsKindAndCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Network("send request", cause)

	assert.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrServer)
	assert.Equal(t, "NETWORK_ERROR: send request: dial tcp: refused", err.Error())
}

func TestHandshake_KeepsAuthClassification(t *testing.T) {
	err := Handshake("upgrade rejected", Unauthenticated("token expired", nil))

	assert.ErrorIs(t, err, ErrHandshake)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAppError_WrappedStillClassifies(t *testing.T) {
	err := fmt.Errorf("load history: %w", Forbidden("admins only"))

	assert.ErrorIs(t, err, ErrForbidden)
	var appErr *AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, CodeForbidden, appErr.Code)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unauthenticated", Unauthenticated("x", nil), http.StatusUnauthorized},
		{"forbidden", Forbidden("x"), http.StatusForbidden},
		{"refresh invalid", RefreshInvalid("x"), http.StatusUnauthorized},
		{"server", Server(http.StatusBadGateway, "x"), http.StatusBadGateway},
		{"network", Network("x", nil), http.StatusServiceUnavailable},
		{"not connected", NotConnected(), http.StatusServiceUnavailable},
		{"plain sentinel", fmt.Errorf("wrap: %w", ErrInvalidInput), http.StatusBadRequest},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestParseBody(t *testing.T) {
	code, msg, ok := ParseBody([]byte(`{"code":"TOKEN_EXPIRED","message":"token expired"}`))
	require.True(t, ok)
	assert.Equal(t, CodeTokenExpired, code)
	assert.Equal(t, "token expired", msg)

	code, msg, ok = ParseBody([]byte(`{"error":{"code":"FORBIDDEN","message":"nope"}}`))
	require.True(t, ok)
	assert.Equal(t, CodeForbidden, code)
	assert.Equal(t, "nope", msg)

	_, _, ok = ParseBody([]byte(`not json`))
	assert.False(t, ok)

	_, _, ok = ParseBody([]byte(`{}`))
	assert.False(t, ok)
}

func TestFromStatus_ServerError(t *testing.T) {
	err := FromStatus(http.StatusServiceUnavailable, []byte(`{"code":"UNAVAILABLE","message":"maintenance"}`), "history")

	assert.ErrorIs(t, err, ErrServer)
	assert.Contains(t, err.Error(), "history: maintenance")
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(err))
}

func TestFromStatus_PassThroughStatus(t *testing.T) {
	err := FromStatus(http.StatusNotFound, []byte("missing"), "history")

	var appErr *AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, http.StatusNotFound, appErr.Status)
	assert.Equal(t, "history: missing", appErr.Message)
	assert.Nil(t, appErr.Kind)
}
