package provider

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	throttle "github.com/throttleproxy/throttle/internal"
)

// APIError represents an error response from an upstream LLM provider.
type APIError struct {
	Provider   throttle.ProviderTag
	StatusCode int
	Body       string
}

// Error returns a formatted error string including provider, status, and body.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus returns the upstream status code for failover decisions.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// ParseAPIError reads up to 4KB from the failed response body and
// returns the typed client-facing error for it. The dispatcher's
// cooldown marking and the handlers' status mapping both key off the
// kind and status set here, so adapters must not return a bare APIError.
func ParseAPIError(tag throttle.ProviderTag, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return ToProxyError(&APIError{Provider: tag, StatusCode: resp.StatusCode, Body: string(body)})
}

// ToProxyError maps an adapter error onto the typed client-facing error.
// Upstream 429 and 401 keep their status so the dispatcher can recover
// them; everything else from upstream is a 502.
func ToProxyError(err error) *throttle.ProxyError {
	var ae *APIError
	if errors.As(err, &ae) {
		kind := throttle.ErrUpstream
		switch ae.StatusCode {
		case http.StatusTooManyRequests:
			kind = throttle.ErrUpstreamRateLimit
		case http.StatusUnauthorized:
			kind = throttle.ErrUpstreamAuth
		}
		return &throttle.ProxyError{
			Kind:     kind,
			Provider: ae.Provider,
			Status:   ae.StatusCode,
			Message:  excerpt(ae.Body),
		}
	}
	var pe *throttle.ProxyError
	if errors.As(err, &pe) {
		return pe
	}
	return &throttle.ProxyError{Kind: throttle.ErrUpstream, Message: err.Error()}
}

// excerpt trims an upstream error body for the client-facing message.
func excerpt(body string) string {
	const max = 512
	if len(body) > max {
		return body[:max]
	}
	return body
}
