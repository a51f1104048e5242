// Package probe issues HTTP health probes for gate checks and worker
// provisioning.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"foreman/internal/infra/httpclient"
	sharederrors "foreman/internal/shared/errors"
	"foreman/internal/shared/logging"
)

// ReasonTimedOut is the failure reason for a probe that exceeded its budget.
const ReasonTimedOut = "timed out"

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 1 << 20
)

// Request describes one probe.
type Request struct {
	Method         string
	URL            string
	ExpectedStatus int
	// BodyContains, when set, must appear in the response body.
	BodyContains string
	Timeout      time.Duration
}

// Result is the outcome of a probe. Probe never returns an error; failures
// are reported through Passed and Reason.
type Result struct {
	Passed     bool          `json:"passed"`
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"latency_ms"`
	Reason     string        `json:"reason,omitempty"`
}

// Prober is the HTTP probe capability.
type Prober interface {
	Probe(ctx context.Context, req Request) Result
}

// HTTPProber probes with a plain http.Client.
type HTTPProber struct {
	client *http.Client
	policy httpclient.TargetPolicy
	logger logging.Logger
}

// Option customises an HTTPProber.
type Option func(*HTTPProber)

// WithClient overrides the HTTP client.
func WithClient(client *http.Client) Option {
	return func(p *HTTPProber) {
		if client != nil {
			p.client = client
		}
	}
}

// WithTargetPolicy sets which hosts may be probed.
func WithTargetPolicy(policy httpclient.TargetPolicy) Option {
	return func(p *HTTPProber) { p.policy = policy }
}

// New constructs an HTTPProber. Private networks and localhost are allowed
// unless a target policy says otherwise, since workers usually run in-cluster.
func New(logger logging.Logger, opts ...Option) *HTTPProber {
	p := &HTTPProber{
		client: &http.Client{Transport: httpclient.Transport()},
		policy: httpclient.TargetPolicy{AllowLocalhost: true, AllowPrivateNetworks: true},
		logger: logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe performs req within its timeout.
func (p *HTTPProber) Probe(ctx context.Context, req Request) Result {
	target, err := httpclient.ValidateTarget(req.URL, p.policy)
	if err != nil {
		return Result{Reason: fmt.Sprintf("invalid target: %v", err)}
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	expected := req.ExpectedStatus
	if expected == 0 {
		expected = http.StatusOK
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), nil)
	if err != nil {
		return Result{Reason: fmt.Sprintf("build request: %v", err)}
	}
	start := time.Now()
	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || sharederrors.IsTimeout(err) {
			return Result{Latency: latency, Reason: ReasonTimedOut}
		}
		p.logger.Debug("probe %s %s failed: %v", method, target.Redacted(), err)
		return Result{Latency: latency, Reason: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	result := Result{StatusCode: resp.StatusCode, Latency: latency}
	if resp.StatusCode != expected {
		result.Reason = fmt.Sprintf("expected status %d, got %d", expected, resp.StatusCode)
		return result
	}
	if req.BodyContains != "" {
		body, err := httpclient.ReadAllWithLimit(resp.Body, maxBodyBytes)
		if err != nil && !errors.Is(err, httpclient.ErrBodyTooLarge) {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				result.Reason = ReasonTimedOut
				return result
			}
			result.Reason = fmt.Sprintf("read body: %v", err)
			return result
		}
		if !strings.Contains(string(body), req.BodyContains) {
			result.Reason = fmt.Sprintf("response body does not contain %q", req.BodyContains)
			return result
		}
	}
	result.Passed = true
	return result
}
