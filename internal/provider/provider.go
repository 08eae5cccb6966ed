// Package provider holds the adapter registry and shared plumbing for
// the upstream LLM provider adapters.
package provider

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"

	throttle "github.com/throttleproxy/throttle/internal"
)

// Registry maps provider tags to adapters. It is populated once at
// startup and read-only afterwards.
type Registry struct {
	adapters map[throttle.ProviderTag]throttle.Adapter
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[throttle.ProviderTag]throttle.Adapter)}
}

// Register adds an adapter under its tag, replacing any previous one.
func (r *Registry) Register(a throttle.Adapter) {
	r.adapters[a.Tag()] = a
}

// Get returns the adapter for tag, or nil when none is registered.
func (r *Registry) Get(tag throttle.ProviderTag) throttle.Adapter {
	return r.adapters[tag]
}

// Emit delivers a stream event unless the consumer's context ends
// first, and reports whether the event was sent. Stream readers must
// never send unconditionally: once the client disconnects nothing
// drains the channel, and a blocked send would leak the reader
// goroutine and the upstream body.
func Emit(ctx context.Context, ch chan<- throttle.StreamEvent, ev throttle.StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching. Set forceHTTP2 to true for remote HTTPS APIs, false
// for local HTTP/1.1 servers (e.g. Ollama).
func NewTransport(resolver *dnscache.Resolver, forceHTTP2 bool) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   forceHTTP2,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}
