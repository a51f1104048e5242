// Package httpclient builds the outbound HTTP client shared by collaborators.
package httpclient

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	sharederrors "foreman/internal/shared/errors"
	"foreman/internal/shared/logging"
)

// DefaultMaxBodyBytes caps collaborator response bodies.
const DefaultMaxBodyBytes int64 = 4 << 20

// ErrBodyTooLarge is returned by ReadAllWithLimit when the body exceeds the cap.
var ErrBodyTooLarge = errors.New("response body exceeds limit")

// Options configures New.
type Options struct {
	// Name labels the circuit breaker in logs.
	Name    string
	Timeout time.Duration
	// Breaker is applied when non-nil.
	Breaker *sharederrors.CircuitBreakerConfig
}

// New returns an http.Client for outbound requests. When a breaker is
// configured, 5xx responses and transport errors count as failures and an
// open breaker short-circuits with a DegradedError.
func New(opts Options, logger logging.Logger) *http.Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var rt http.RoundTripper = Transport()
	if opts.Breaker != nil {
		name := opts.Name
		if name == "" {
			name = "http"
		}
		rt = &breakerTransport{
			next:    rt,
			breaker: sharederrors.NewCircuitBreaker(name, *opts.Breaker, logger),
		}
	}
	return &http.Client{Timeout: timeout, Transport: rt}
}

// Transport returns a clone of the default transport honouring proxy env vars.
func Transport() *http.Transport {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return &http.Transport{Proxy: http.ProxyFromEnvironment}
	}
	transport := base.Clone()
	transport.Proxy = http.ProxyFromEnvironment
	return transport
}

type breakerTransport struct {
	next    http.RoundTripper
	breaker *sharederrors.CircuitBreaker
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.breaker.Allow(); err != nil {
		return nil, err
	}
	resp, err := t.next.RoundTrip(req)
	switch {
	case err != nil:
		t.breaker.Mark(sharederrors.NewTransientError(err, "round trip failed"))
	case resp.StatusCode >= http.StatusInternalServerError:
		t.breaker.Mark(sharederrors.FromHTTPStatus(resp.StatusCode, ""))
	default:
		t.breaker.Mark(nil)
	}
	return resp, err
}

// ReadAllWithLimit reads at most limit bytes; a longer body is an error.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > limit {
		return data[:limit], ErrBodyTooLarge
	}
	return data, nil
}
