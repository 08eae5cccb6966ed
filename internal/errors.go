package throttle

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a request failure. Kinds map one-to-one onto the
// client-facing HTTP status and the "type" field of the error body.
type ErrorKind string

const (
	ErrInvalidRequest    ErrorKind = "invalid_request"
	ErrNoAvailableModel  ErrorKind = "no_available_model"
	ErrUpstreamRateLimit ErrorKind = "upstream_rate_limited"
	ErrUpstreamAuth      ErrorKind = "upstream_auth_failed"
	ErrUpstream          ErrorKind = "upstream_error"
	ErrUpstreamStream    ErrorKind = "upstream_stream_error"
	ErrInternal          ErrorKind = "internal"
)

// ProxyError is the typed error surfaced to clients. Status holds the
// upstream HTTP status when one was received; the client-facing status
// comes from HTTPStatus.
type ProxyError struct {
	Kind     ErrorKind
	Provider ProviderTag // zero when the request never left the proxy
	Status   int
	Message  string
}

func (e *ProxyError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HTTPStatus returns the status code written to the client for this kind.
func (e *ProxyError) HTTPStatus() int {
	switch e.Kind {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrNoAvailableModel:
		return http.StatusServiceUnavailable
	case ErrUpstreamRateLimit:
		return http.StatusTooManyRequests
	case ErrUpstreamAuth:
		return http.StatusUnauthorized
	case ErrUpstream, ErrUpstreamStream:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Errf builds a ProxyError with a formatted message.
func Errf(kind ErrorKind, format string, args ...any) *ProxyError {
	return &ProxyError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsProxyError converts any error to a *ProxyError, wrapping unknown
// errors under the internal kind so handlers always have a typed shape
// to write.
func AsProxyError(err error) *ProxyError {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe
	}
	return &ProxyError{Kind: ErrInternal, Message: err.Error()}
}
