// Package apperrors is the failure taxonomy shared by the session, pipeline
// and realtime layers. Classify with errors.Is against the sentinels.
package apperrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrForbidden          = errors.New("forbidden")
	ErrRefreshInvalid     = errors.New("refresh token rejected")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNetwork            = errors.New("network error")
	ErrServer             = errors.New("server error")
	ErrMalformedToken     = errors.New("malformed token")
	ErrNotConnected       = errors.New("realtime not connected")
	ErrHandshake          = errors.New("realtime handshake failed")
	ErrInvalidInput       = errors.New("invalid input")
)

// Codes carried by AppError and by backend JSON error bodies.
const (
	CodeUnauthenticated    = "UNAUTHENTICATED"
	CodeForbidden          = "FORBIDDEN"
	CodeRefreshInvalid     = "REFRESH_INVALID"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeNetwork            = "NETWORK_ERROR"
	CodeServer             = "SERVER_ERROR"
	CodeMalformedToken     = "MALFORMED_TOKEN"
	CodeNotConnected       = "NOT_CONNECTED"
	CodeHandshake          = "HANDSHAKE_ERROR"
	CodeInvalidInput       = "INVALID_INPUT"
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeTokenRequired      = "TOKEN_REQUIRED"
)

// AppError is a classified failure. Kind is the sentinel it unwraps to;
// Err optionally carries the underlying cause.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Kind    error  `json:"-"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/As.
func (e *AppError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func Unauthenticated(message string, cause error) *AppError {
	return &AppError{Code: CodeUnauthenticated, Message: message, Status: http.StatusUnauthorized, Kind: ErrUnauthenticated, Err: cause}
}

func Forbidden(message string) *AppError {
	return &AppError{Code: CodeForbidden, Message: message, Status: http.StatusForbidden, Kind: ErrForbidden}
}

func RefreshInvalid(message string) *AppError {
	return &AppError{Code: CodeRefreshInvalid, Message: message, Status: http.StatusUnauthorized, Kind: ErrRefreshInvalid}
}

func InvalidCredentials(message string) *AppError {
	return &AppError{Code: CodeInvalidCredentials, Message: message, Status: http.StatusUnauthorized, Kind: ErrInvalidCredentials}
}

func Network(message string, cause error) *AppError {
	return &AppError{Code: CodeNetwork, Message: message, Kind: ErrNetwork, Err: cause}
}

func Server(status int, message string) *AppError {
	return &AppError{Code: CodeServer, Message: message, Status: status, Kind: ErrServer}
}

func MalformedToken(message string) *AppError {
	return &AppError{Code: CodeMalformedToken, Message: message, Kind: ErrMalformedToken}
}

func NotConnected() *AppError {
	return &AppError{Code: CodeNotConnected, Message: "realtime transport is not connected", Kind: ErrNotConnected}
}

// Handshake wraps a connect-time failure. An auth rejection is passed as
// cause so errors.Is(err, ErrUnauthenticated) still holds.
func Handshake(message string, cause error) *AppError {
	return &AppError{Code: CodeHandshake, Message: message, Kind: ErrHandshake, Err: cause}
}

func InvalidInput(message string) *AppError {
	return &AppError{Code: CodeInvalidInput, Message: message, Status: http.StatusBadRequest, Kind: ErrInvalidInput}
}

// HTTPStatus returns the HTTP status code for the given error.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Status != 0 {
		return appErr.Status
	}

	switch {
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrRefreshInvalid), errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrNotConnected):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON error shape written by the backend. Both the flat
// {"code","message"} and nested {"error":{...}} forms are accepted.
type Body struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// ParseBody decodes an error body, flattening the nested form.
func ParseBody(data []byte) (code, message string, ok bool) {
	var body Body
	if json.Unmarshal(data, &body) != nil {
		return "", "", false
	}
	if body.Error != nil {
		return body.Error.Code, body.Error.Message, true
	}
	if body.Code == "" && body.Message == "" {
		return "", "", false
	}
	return body.Code, body.Message, true
}

// FromStatus classifies an already-read error response body.
func FromStatus(status int, body []byte, service string) error {
	code, message, ok := ParseBody(body)
	if !ok {
		message = strings.TrimSpace(string(body))
	}
	if message == "" {
		message = http.StatusText(status)
	}
	qualified := fmt.Sprintf("%s: %s", service, message)

	switch {
	case status == http.StatusUnauthorized:
		return Unauthenticated(qualified, nil)
	case status == http.StatusForbidden:
		return Forbidden(qualified)
	case status == http.StatusBadRequest:
		return InvalidInput(qualified)
	case status >= 500:
		return Server(status, qualified)
	default:
		if code == "" {
			code = http.StatusText(status)
		}
		return &AppError{Code: code, Message: qualified, Status: status}
	}
}
