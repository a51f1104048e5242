package bootstrap

import (
	"errors"
	"time"

	"foreman/internal/config"
	"foreman/internal/infra/compute"
	"foreman/internal/infra/compute/railway"
	"foreman/internal/infra/httpclient"
	"foreman/internal/infra/scm"
	"foreman/internal/infra/scm/github"
	sharederrors "foreman/internal/shared/errors"
	"foreman/internal/shared/logging"
)

var (
	errSCMNotConfigured     = errors.New("github.token not set; source-control gates will fail as not configured")
	errComputeNotConfigured = errors.New("railway credentials not set; provisioning falls back to registry-only")
)

// collaborators are the remote clients, or their not-configured stand-ins.
type collaborators struct {
	scm     scm.Client
	compute compute.Provider
}

// buildSCM reports missing credentials once and leaves the stand-in in place.
func (c *collaborators) buildSCM(cfg config.GitHubConfig, logger logging.Logger) error {
	c.scm = scm.NotConfigured{}
	if !cfg.Configured() {
		return errSCMNotConfigured
	}
	breaker := sharederrors.DefaultCircuitBreakerConfig()
	httpClient := httpclient.New(httpclient.Options{Name: "github", Timeout: 30 * time.Second, Breaker: &breaker}, logger)
	client, err := github.New(github.Config{
		Token:            cfg.Token,
		BaseURL:          cfg.BaseURL,
		MaxSearchResults: cfg.MaxSearchResults,
	}, httpClient, logging.NewComponentLogger("GitHub"))
	if err != nil {
		return err
	}
	c.scm = client
	return nil
}

// buildCompute only reports missing credentials as degraded when
// provisioning was asked for.
func (c *collaborators) buildCompute(cfg config.RailwayConfig, provisioning bool, logger logging.Logger) error {
	c.compute = compute.NotConfigured{}
	if !cfg.Configured() {
		if provisioning {
			return errComputeNotConfigured
		}
		return nil
	}
	breaker := sharederrors.DefaultCircuitBreakerConfig()
	httpClient := httpclient.New(httpclient.Options{Name: "railway", Timeout: 30 * time.Second, Breaker: &breaker}, logger)
	client, err := railway.New(railway.Config{
		Endpoint:          cfg.Endpoint,
		Token:             cfg.Token,
		ProjectID:         cfg.ProjectID,
		EnvironmentID:     cfg.EnvironmentID,
		RequestsPerMinute: cfg.RequestsPerMinute,
	}, httpClient, logging.NewComponentLogger("Railway"))
	if err != nil {
		return err
	}
	c.compute = client
	return nil
}
