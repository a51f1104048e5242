package autoscaler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"foreman/internal/domain/worker"
	"foreman/internal/infra/compute"
	"foreman/internal/infra/observability"
	"foreman/internal/infra/probe"
	"foreman/internal/shared/utils/id"
)

// Spawn pipeline steps, in order.
const (
	StepCreateService    = "create_service"
	StepConnectRepo      = "connect_repo"
	StepTriggerDeploy    = "trigger_deployment"
	StepAwaitDeploy      = "await_deployment"
	StepHealthCheck      = "health_check"
	StepRegister         = "register"
	StepRegisterFallback = "register_only"
)

// ReasonTimedOut is the failure reason of a step bounded by its timeout.
const ReasonTimedOut = "timed out"

// SpawnResult carries whatever the pipeline achieved, success or not.
type SpawnResult struct {
	Success        bool   `json:"success"`
	WorkerID       string `json:"worker_id"`
	ServiceID      string `json:"service_id,omitempty"`
	DeploymentID   string `json:"deployment_id,omitempty"`
	URL            string `json:"url,omitempty"`
	HealthVerified bool   `json:"health_verified"`
	Remote         bool   `json:"remote"`
	// Step is the failing step, or the last one on success.
	Step      string `json:"step"`
	Error     string `json:"error,omitempty"`
	CleanedUp bool   `json:"cleaned_up,omitempty"`
}

func (s *Scaler) remoteEnabled() bool {
	if !s.cfg.Provisioning.Enabled {
		return false
	}
	_, unconfigured := s.compute.(compute.NotConfigured)
	return !unconfigured
}

// SpawnWorker provisions one worker. Remote provisioning creates a service,
// connects the repository, deploys, waits for a terminal deployment state,
// health checks the service URL and finally registers the worker. A failing
// step deletes the partial service. Without remote provisioning the worker is
// only registered.
func (s *Scaler) SpawnWorker(ctx context.Context) SpawnResult {
	res := SpawnResult{WorkerID: id.NewWorkerID()}
	ctx, span := s.tracer.StartSpan(ctx, observability.SpanSpawnWorker, attribute.String(observability.AttrWorkerID, res.WorkerID))
	defer span.End()

	if !s.remoteEnabled() {
		res.Step = StepRegisterFallback
		if err := s.register(ctx, &res); err != nil {
			res.Error = err.Error()
		} else {
			res.Success = true
		}
		s.metrics.ObserveProvisioning("spawn", res.Success)
		return res
	}
	res.Remote = true

	steps := []struct {
		name string
		run  func(context.Context, *SpawnResult) error
	}{
		{StepCreateService, s.createService},
		{StepConnectRepo, s.connectRepo},
		{StepTriggerDeploy, s.triggerDeployment},
		{StepAwaitDeploy, s.awaitDeployment},
		{StepHealthCheck, s.healthCheck},
		{StepRegister, s.register},
	}
	for _, step := range steps {
		res.Step = step.name
		if err := s.runStep(ctx, step.name, &res, step.run); err != nil {
			res.Error = err.Error()
			span.SetStatus(codes.Error, res.Error)
			s.cleanup(ctx, &res)
			s.logger.Warn("spawn %s failed at %s: %s", res.WorkerID, step.name, res.Error)
			s.metrics.ObserveProvisioning("spawn", false)
			return res
		}
	}
	res.Success = true
	s.metrics.ObserveProvisioning("spawn", true)
	s.logger.Info("spawned worker %s on service %s at %s", res.WorkerID, res.ServiceID, res.URL)
	return res
}

func (s *Scaler) runStep(ctx context.Context, name string, res *SpawnResult, run func(context.Context, *SpawnResult) error) error {
	ctx, span := s.tracer.StartSpan(ctx, observability.SpanSpawnStep, attribute.String(observability.AttrStep, name))
	defer span.End()
	err := run(ctx, res)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (s *Scaler) createService(ctx context.Context, res *SpawnResult) error {
	name := s.cfg.Provisioning.ServiceNamePrefix + "-" + strings.ToLower(strings.TrimPrefix(res.WorkerID, "worker-"))
	svc, err := s.compute.CreateService(ctx, name)
	if err != nil {
		return err
	}
	res.ServiceID = svc.ID
	return nil
}

func (s *Scaler) connectRepo(ctx context.Context, res *SpawnResult) error {
	p := s.cfg.Provisioning
	if p.Repo == "" {
		return errors.New("no source repository configured")
	}
	return s.compute.ConnectRepo(ctx, res.ServiceID, p.Repo, p.Branch)
}

func (s *Scaler) triggerDeployment(ctx context.Context, res *SpawnResult) error {
	deploymentID, err := s.compute.TriggerDeployment(ctx, res.ServiceID)
	if err != nil {
		return err
	}
	res.DeploymentID = deploymentID
	return nil
}

// awaitDeployment polls until the deployment is terminal or the deploy
// timeout passes.
func (s *Scaler) awaitDeployment(ctx context.Context, res *SpawnResult) error {
	p := s.cfg.Provisioning
	ctx, cancel := context.WithTimeout(ctx, p.DeployTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.PollInterval
	b.MaxInterval = 4 * p.PollInterval
	b.MaxElapsedTime = 0

	var last compute.DeploymentStatus
	err := backoff.Retry(func() error {
		dep, err := s.compute.GetDeploymentStatus(ctx, res.DeploymentID)
		if err != nil {
			if errors.Is(err, compute.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		last = dep.Status
		if !dep.Status.IsTerminal() {
			return fmt.Errorf("deployment still %s", dep.Status)
		}
		if !dep.Status.Succeeded() {
			return backoff.Permanent(fmt.Errorf("deployment %s ended %s", res.DeploymentID, dep.Status))
		}
		if dep.URL != "" {
			res.URL = dep.URL
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil && ctx.Err() != nil && !last.IsTerminal() {
		return errors.New(ReasonTimedOut)
	}
	return err
}

// healthCheck resolves the public URL and probes it a bounded number of
// times.
func (s *Scaler) healthCheck(ctx context.Context, res *SpawnResult) error {
	p := s.cfg.Provisioning
	url, err := s.compute.GetServiceURL(ctx, res.ServiceID)
	if err != nil {
		return fmt.Errorf("resolve service url: %w", err)
	}
	res.URL = url

	target := strings.TrimRight(url, "/") + "/" + strings.TrimLeft(p.HealthPath, "/")
	var attempts int
	var reason string
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(p.HealthRetryDelay), uint64(p.HealthAttempts-1))
	err = backoff.Retry(func() error {
		attempts++
		r := s.prober.Probe(ctx, probe.Request{URL: target, Timeout: p.HealthTimeout})
		if r.Passed {
			return nil
		}
		reason = r.Reason
		return errors.New(r.Reason)
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return fmt.Errorf("health check failed after %d attempts: %s", attempts, reason)
	}
	res.HealthVerified = true
	return nil
}

func (s *Scaler) register(ctx context.Context, res *SpawnResult) error {
	p := s.cfg.Provisioning
	w := &worker.Worker{
		ID:                 res.WorkerID,
		Role:               p.WorkerRole,
		Capabilities:       append([]string(nil), p.WorkerCapabilities...),
		MaxConcurrentTasks: p.WorkerCapacity,
		Metadata:           map[string]any{worker.MetaProvisioned: "autoscaler"},
	}
	if res.ServiceID != "" {
		w.Metadata[worker.MetaServiceID] = res.ServiceID
		w.Metadata[worker.MetaDeploymentID] = res.DeploymentID
		w.Metadata[worker.MetaServiceURL] = res.URL
	}
	if err := s.workers.Register(ctx, w); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	return nil
}

// cleanup deletes the partially created service. It runs on a fresh
// context so a timed out step still gets its resources removed.
func (s *Scaler) cleanup(ctx context.Context, res *SpawnResult) {
	if res.ServiceID == "" {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.compute.DeleteService(cctx, res.ServiceID); err != nil && !errors.Is(err, compute.ErrNotFound) {
		s.logger.Warn("cleanup of service %s for %s failed: %v", res.ServiceID, res.WorkerID, err)
		return
	}
	res.CleanedUp = true
}

// TerminateResult reports one termination.
type TerminateResult struct {
	WorkerID      string `json:"worker_id"`
	ServiceID     string `json:"service_id,omitempty"`
	RemoteDeleted bool   `json:"remote_deleted"`
	MarkedOffline bool   `json:"marked_offline"`
}

// TerminateWorker deletes the worker's remote service when it has one and
// marks the registry row offline. The row is never deleted. A failed remote
// deletion is returned as an error after the worker is taken offline.
func (s *Scaler) TerminateWorker(ctx context.Context, workerID string) (TerminateResult, error) {
	ctx, span := s.tracer.StartSpan(ctx, observability.SpanTerminate, attribute.String(observability.AttrWorkerID, workerID))
	defer span.End()

	res := TerminateResult{WorkerID: workerID}
	w, err := s.workers.Get(ctx, workerID)
	if err != nil {
		s.metrics.ObserveProvisioning("terminate", false)
		return res, fmt.Errorf("load worker %s: %w", workerID, err)
	}
	res.ServiceID = w.ServiceID()

	var remoteErr error
	if res.ServiceID != "" {
		remoteErr = s.compute.DeleteService(ctx, res.ServiceID)
		switch {
		case remoteErr == nil, errors.Is(remoteErr, compute.ErrNotFound):
			res.RemoteDeleted = true
			remoteErr = nil
		default:
			remoteErr = fmt.Errorf("delete service %s for %s: %w", res.ServiceID, workerID, remoteErr)
		}
	}

	if err := s.workers.MarkOffline(ctx, workerID, time.Time{}); err != nil {
		s.metrics.ObserveProvisioning("terminate", false)
		return res, errors.Join(remoteErr, fmt.Errorf("mark %s offline: %w", workerID, err))
	}
	res.MarkedOffline = true
	s.metrics.ObserveProvisioning("terminate", remoteErr == nil)
	if remoteErr != nil {
		s.logger.Warn("worker %s offline but remote cleanup failed: %v", workerID, remoteErr)
		return res, remoteErr
	}
	s.logger.Info("worker %s terminated", workerID)
	return res, nil
}
