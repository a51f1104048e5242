// Package compute defines the compute-provisioning collaborator that the
// auto-scaler drives and the deployed gate reads.
package compute

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotFound      = errors.New("compute: not found")
	ErrNotConfigured = errors.New("compute: provisioning is not configured")
)

// DeploymentStatus is the host's deployment state, upper-cased.
type DeploymentStatus string

const (
	DeploymentQueued       DeploymentStatus = "QUEUED"
	DeploymentInitializing DeploymentStatus = "INITIALIZING"
	DeploymentBuilding     DeploymentStatus = "BUILDING"
	DeploymentDeploying    DeploymentStatus = "DEPLOYING"
	DeploymentSuccess      DeploymentStatus = "SUCCESS"
	DeploymentFailed       DeploymentStatus = "FAILED"
	DeploymentCrashed      DeploymentStatus = "CRASHED"
	DeploymentRemoved      DeploymentStatus = "REMOVED"
	DeploymentSkipped      DeploymentStatus = "SKIPPED"
)

// ParseDeploymentStatus normalises a raw status string.
func ParseDeploymentStatus(raw string) DeploymentStatus {
	return DeploymentStatus(strings.ToUpper(strings.TrimSpace(raw)))
}

// IsTerminal reports whether polling can stop.
func (s DeploymentStatus) IsTerminal() bool {
	switch s {
	case DeploymentSuccess, DeploymentFailed, DeploymentCrashed, DeploymentRemoved, DeploymentSkipped:
		return true
	}
	return false
}

// Succeeded reports the only terminal success state.
func (s DeploymentStatus) Succeeded() bool { return s == DeploymentSuccess }

// Service is a remote compute service.
type Service struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Deployment is one deployment of a service.
type Deployment struct {
	ID        string           `json:"id"`
	ServiceID string           `json:"service_id,omitempty"`
	Status    DeploymentStatus `json:"status"`
	URL       string           `json:"url,omitempty"`
}

// Provider is the compute-provisioning host API.
type Provider interface {
	CreateService(ctx context.Context, name string) (Service, error)
	ConnectRepo(ctx context.Context, serviceID, repo, branch string) error
	TriggerDeployment(ctx context.Context, serviceID string) (string, error)
	GetDeploymentStatus(ctx context.Context, deploymentID string) (Deployment, error)
	LatestDeployment(ctx context.Context, serviceID string) (Deployment, error)
	GetServiceURL(ctx context.Context, serviceID string) (string, error)
	DeleteService(ctx context.Context, serviceID string) error
}

// NotConfigured fails every call with ErrNotConfigured.
type NotConfigured struct{}

func (NotConfigured) CreateService(context.Context, string) (Service, error) {
	return Service{}, ErrNotConfigured
}

func (NotConfigured) ConnectRepo(context.Context, string, string, string) error {
	return ErrNotConfigured
}

func (NotConfigured) TriggerDeployment(context.Context, string) (string, error) {
	return "", ErrNotConfigured
}

func (NotConfigured) GetDeploymentStatus(context.Context, string) (Deployment, error) {
	return Deployment{}, ErrNotConfigured
}

func (NotConfigured) LatestDeployment(context.Context, string) (Deployment, error) {
	return Deployment{}, ErrNotConfigured
}

func (NotConfigured) GetServiceURL(context.Context, string) (string, error) {
	return "", ErrNotConfigured
}

func (NotConfigured) DeleteService(context.Context, string) error {
	return ErrNotConfigured
}
