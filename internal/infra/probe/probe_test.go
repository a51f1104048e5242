package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"foreman/internal/infra/httpclient"
)

func TestProbeStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		case "/created":
			if r.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := New(nil)
	ctx := context.Background()

	res := p.Probe(ctx, Request{URL: srv.URL + "/healthz"})
	assert.True(t, res.Passed)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res = p.Probe(ctx, Request{URL: srv.URL + "/healthz", BodyContains: `"ok"`})
	assert.True(t, res.Passed)

	res = p.Probe(ctx, Request{URL: srv.URL + "/healthz", BodyContains: "degraded"})
	assert.False(t, res.Passed)
	assert.Contains(t, res.Reason, "does not contain")

	res = p.Probe(ctx, Request{URL: srv.URL + "/created", Method: "post", ExpectedStatus: http.StatusCreated})
	assert.True(t, res.Passed)

	res = p.Probe(ctx, Request{URL: srv.URL + "/missing"})
	assert.False(t, res.Passed)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "expected status 200, got 404", res.Reason)
}

func TestProbeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	res := New(nil).Probe(context.Background(), Request{URL: srv.URL, Timeout: 50 * time.Millisecond})
	assert.False(t, res.Passed)
	assert.Equal(t, ReasonTimedOut, res.Reason)
}

func TestProbeRejectsDisallowedTarget(t *testing.T) {
	p := New(nil, WithTargetPolicy(httpclient.TargetPolicy{}))
	res := p.Probe(context.Background(), Request{URL: "http://127.0.0.1:1/healthz"})
	assert.False(t, res.Passed)
	assert.Contains(t, res.Reason, "invalid target")

	res = p.Probe(context.Background(), Request{URL: "gopher://example.com"})
	assert.False(t, res.Passed)
}
