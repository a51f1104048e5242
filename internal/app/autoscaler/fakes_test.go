package autoscaler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"foreman/internal/infra/compute"
	"foreman/internal/infra/probe"
)

type fakeCompute struct {
	mu        sync.Mutex
	created   int
	failOn    map[string]error
	failNth   int
	statuses  []compute.DeploymentStatus
	polls     int
	deleted   []string
	url       string
	deleteErr error
}

func (f *fakeCompute) CreateService(_ context.Context, name string) (compute.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	if err := f.failOn["create"]; err != nil {
		return compute.Service{}, err
	}
	if f.failNth > 0 && f.created == f.failNth {
		return compute.Service{}, errors.New("quota exceeded")
	}
	return compute.Service{ID: fmt.Sprintf("svc-%d", f.created), Name: name}, nil
}

func (f *fakeCompute) ConnectRepo(context.Context, string, string, string) error {
	return f.failOn["connect"]
}

func (f *fakeCompute) TriggerDeployment(_ context.Context, serviceID string) (string, error) {
	if err := f.failOn["deploy"]; err != nil {
		return "", err
	}
	return "dep-" + serviceID, nil
}

func (f *fakeCompute) GetDeploymentStatus(_ context.Context, deploymentID string) (compute.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := compute.DeploymentSuccess
	if len(f.statuses) > 0 {
		i := min(f.polls, len(f.statuses)-1)
		status = f.statuses[i]
	}
	f.polls++
	return compute.Deployment{ID: deploymentID, Status: status}, nil
}

func (f *fakeCompute) LatestDeployment(context.Context, string) (compute.Deployment, error) {
	return compute.Deployment{}, compute.ErrNotFound
}

func (f *fakeCompute) GetServiceURL(context.Context, string) (string, error) {
	if err := f.failOn["url"]; err != nil {
		return "", err
	}
	if f.url == "" {
		return "https://worker.example.test", nil
	}
	return f.url, nil
}

func (f *fakeCompute) DeleteService(_ context.Context, serviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, serviceID)
	return nil
}

type fakeProber struct {
	mu      sync.Mutex
	results []probe.Result
	calls   []string
}

func (p *fakeProber) Probe(_ context.Context, req probe.Request) probe.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req.URL)
	if len(p.results) == 0 {
		return probe.Result{Passed: true, StatusCode: 200}
	}
	i := min(len(p.calls)-1, len(p.results)-1)
	return p.results[i]
}

type fixedLeader struct{ ok bool }

func (l fixedLeader) TryAcquire(context.Context) (bool, error) { return l.ok, nil }
