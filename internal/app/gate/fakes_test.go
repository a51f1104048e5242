package gate

import (
	"context"
	"sync"

	"foreman/internal/domain/storage"
	"foreman/internal/infra/compute"
	"foreman/internal/infra/probe"
	"foreman/internal/infra/scm"
)

type fakeSCM struct {
	mu          sync.Mutex
	prs         map[int]*scm.PullRequest
	reviews     map[int][]scm.Review
	search      []scm.PullRequest
	files       map[string][]byte
	err         error
	searchCalls int
}

func newFakeSCM() *fakeSCM {
	return &fakeSCM{prs: map[int]*scm.PullRequest{}, reviews: map[int][]scm.Review{}, files: map[string][]byte{}}
}

func (f *fakeSCM) GetPullRequest(_ context.Context, _ string, number int) (*scm.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pr, ok := f.prs[number]
	if !ok {
		return nil, scm.ErrNotFound
	}
	cp := *pr
	return &cp, nil
}

func (f *fakeSCM) ListReviews(_ context.Context, _ string, number int) ([]scm.Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]scm.Review(nil), f.reviews[number]...), nil
}

func (f *fakeSCM) SearchPullRequests(context.Context, string, string) ([]scm.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]scm.PullRequest(nil), f.search...), nil
}

func (f *fakeSCM) CreateBranch(context.Context, string, string, string) error { return f.err }

func (f *fakeSCM) GetFileContents(_ context.Context, _ string, path, _ string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.files[path]
	if !ok {
		return nil, scm.ErrNotFound
	}
	return data, nil
}

type fakeCompute struct {
	compute.NotConfigured
	latest map[string]compute.Deployment
	err    error
}

func (f *fakeCompute) LatestDeployment(_ context.Context, service string) (compute.Deployment, error) {
	if f.err != nil {
		return compute.Deployment{}, f.err
	}
	dep, ok := f.latest[service]
	if !ok {
		return compute.Deployment{}, compute.ErrNotFound
	}
	return dep, nil
}

type fakeProber struct {
	result probe.Result
	block  bool
	calls  []probe.Request
}

func (f *fakeProber) Probe(ctx context.Context, req probe.Request) probe.Result {
	f.calls = append(f.calls, req)
	if f.block {
		<-ctx.Done()
		return probe.Result{Reason: "context done"}
	}
	return f.result
}

type fakeRows struct {
	count int
	err   error
	last  storage.RowQuery
}

func (f *fakeRows) CountRows(_ context.Context, q storage.RowQuery) (int, error) {
	f.last = q
	return f.count, f.err
}
