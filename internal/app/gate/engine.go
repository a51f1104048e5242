// Package gate evaluates verification gates against external evidence.
//
// Checkers are read-only and idempotent. Collaborator failures never escape
// as errors: they come back as a Result that did not pass, with a reason that
// names the failing system.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"

	"foreman/internal/domain/storage"
	"foreman/internal/domain/task"
	"foreman/internal/infra/compute"
	"foreman/internal/infra/observability"
	"foreman/internal/infra/probe"
	"foreman/internal/infra/scm"
	sharederrors "foreman/internal/shared/errors"
	"foreman/internal/shared/logging"
)

// ReasonTimedOut is reported when a check exceeds its time box.
const ReasonTimedOut = probe.ReasonTimedOut

// Result is the outcome of one gate evaluation.
type Result struct {
	Passed   bool           `json:"passed"`
	Evidence map[string]any `json:"evidence,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

// Checker evaluates a single gate for a task.
type Checker interface {
	Check(ctx context.Context, t *task.Task, g task.Gate) Result
}

// Config tunes the engine.
type Config struct {
	// DefaultRepo is used by source-control gates without an explicit repo.
	DefaultRepo string
	// CheckTimeout bounds each evaluation.
	CheckTimeout time.Duration
	PRCacheSize  int
	PRCacheTTL   time.Duration
	Review       ReviewPolicy
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		CheckTimeout: 30 * time.Second,
		PRCacheSize:  512,
		PRCacheTTL:   10 * time.Minute,
	}
}

// Dependencies are the collaborators checkers consult. Nil collaborators
// are replaced by their not-configured implementations.
type Dependencies struct {
	SCM     scm.Client
	Compute compute.Provider
	Prober  probe.Prober
	Rows    storage.RowCounter
	Metrics *observability.Metrics
	Tracer  *observability.TracerProvider
}

// Engine is the gate verification engine.
type Engine struct {
	scm     scm.Client
	compute compute.Provider
	prober  probe.Prober
	rows    storage.RowCounter
	metrics *observability.Metrics
	tracer  *observability.TracerProvider
	logger  logging.Logger

	defaultRepo string
	timeout     time.Duration
	policy      atomic.Pointer[ReviewPolicy]
	prCache     *expirable.LRU[string, int]
	now         func() time.Time
}

var _ Checker = (*Engine)(nil)

// NewEngine wires an Engine.
func NewEngine(deps Dependencies, cfg Config, logger logging.Logger) *Engine {
	defaults := DefaultConfig()
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = defaults.CheckTimeout
	}
	if cfg.PRCacheSize <= 0 {
		cfg.PRCacheSize = defaults.PRCacheSize
	}
	if cfg.PRCacheTTL <= 0 {
		cfg.PRCacheTTL = defaults.PRCacheTTL
	}
	e := &Engine{
		scm:         deps.SCM,
		compute:     deps.Compute,
		prober:      deps.Prober,
		rows:        deps.Rows,
		metrics:     deps.Metrics,
		tracer:      deps.Tracer,
		logger:      logging.OrNop(logger),
		defaultRepo: cfg.DefaultRepo,
		timeout:     cfg.CheckTimeout,
		prCache:     expirable.NewLRU[string, int](cfg.PRCacheSize, nil, cfg.PRCacheTTL),
		now:         time.Now,
	}
	if e.scm == nil {
		e.scm = scm.NotConfigured{}
	}
	if e.compute == nil {
		e.compute = compute.NotConfigured{}
	}
	if e.prober == nil {
		e.prober = probe.New(logger)
	}
	policy := cfg.Review
	e.policy.Store(&policy)
	return e
}

// SetReviewPolicy swaps the review policy used by review_passed gates.
func (e *Engine) SetReviewPolicy(p ReviewPolicy) {
	e.policy.Store(&p)
}

// ReviewPolicy returns the active review policy.
func (e *Engine) ReviewPolicy() ReviewPolicy {
	return *e.policy.Load()
}

// Check evaluates g for t within the engine's time box.
func (e *Engine) Check(ctx context.Context, t *task.Task, g task.Gate) Result {
	start := e.now()
	ctx, span := e.tracer.StartSpan(ctx, observability.SpanGateCheck,
		attribute.String(observability.AttrTaskID, t.ID),
		attribute.String(observability.AttrGate, g.ID()),
		attribute.String(observability.AttrGateType, string(g.Type)),
	)
	defer span.End()

	spec, err := g.Spec()
	if err != nil {
		res := Result{Reason: err.Error()}
		e.metrics.ObserveGateCheck(string(g.Type), false, e.now().Sub(start))
		return res
	}

	timeout := e.timeout
	if hc, ok := spec.(*task.HealthCheckSpec); ok && hc.TimeoutSeconds > 0 {
		timeout = time.Duration(hc.TimeoutSeconds)*time.Second + time.Second
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := task.Dispatch[Result](spec, &visitor{ctx: checkCtx, engine: e, task: t, gate: g})
	if !res.Passed && errors.Is(checkCtx.Err(), context.DeadlineExceeded) {
		res.Reason = ReasonTimedOut
	}
	if res.Evidence == nil {
		res.Evidence = make(map[string]any)
	}
	res.Evidence["checked_at"] = e.now().UTC().Format(time.RFC3339)
	span.SetAttributes(attribute.Bool("foreman.passed", res.Passed))

	e.metrics.ObserveGateCheck(string(g.Type), res.Passed, e.now().Sub(start))
	if !res.Passed {
		e.logger.Debug("gate %s for task %s not passed: %s", g.ID(), t.ID, res.Reason)
	}
	return res
}

func passed(evidence map[string]any) Result {
	return Result{Passed: true, Evidence: evidence}
}

func failed(evidence map[string]any, format string, args ...any) Result {
	return Result{Evidence: evidence, Reason: fmt.Sprintf(format, args...)}
}

// collaboratorFailure converts a collaborator error into a failed result.
func collaboratorFailure(system string, err error) Result {
	kind := sharederrors.Classify(err)
	evidence := map[string]any{"error": err.Error(), "error_kind": kind.String()}
	if code := sharederrors.StatusCode(err); code != 0 {
		evidence["status_code"] = code
	}
	switch {
	case errors.Is(err, scm.ErrNotConfigured), errors.Is(err, compute.ErrNotConfigured):
		return Result{Evidence: evidence, Reason: system + " not configured"}
	case kind == sharederrors.KindTimeout:
		return Result{Evidence: evidence, Reason: ReasonTimedOut}
	case kind == sharederrors.KindDegraded:
		return Result{Evidence: evidence, Reason: system + " degraded: " + err.Error()}
	default:
		return Result{Evidence: evidence, Reason: system + " error: " + err.Error()}
	}
}
