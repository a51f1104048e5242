// Package railway implements compute.Provider against the Railway GraphQL API.
package railway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"foreman/internal/infra/compute"
	"foreman/internal/infra/httpclient"
	sharederrors "foreman/internal/shared/errors"
	"foreman/internal/shared/logging"
)

// DefaultEndpoint is the public GraphQL endpoint.
const DefaultEndpoint = "https://backboard.railway.app/graphql/v2"

// Config configures the client.
type Config struct {
	Endpoint      string
	Token         string
	ProjectID     string
	EnvironmentID string
	// RequestsPerMinute throttles calls; zero means 60.
	RequestsPerMinute int
	// Retry bounds the retries of reads and deletes on transient failures.
	// The zero value uses DefaultRetry.
	Retry sharederrors.RetryConfig
}

// DefaultRetry is the policy for idempotent calls. Creates and deploys are
// not retried here; the provisioning step that issues them owns that.
var DefaultRetry = sharederrors.RetryConfig{
	MaxAttempts: 2,
	BaseDelay:   250 * time.Millisecond,
	MaxDelay:    5 * time.Second,
}

// Client talks to Railway.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  logging.Logger
}

var _ compute.Provider = (*Client)(nil)

// New validates cfg and builds a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, logger logging.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("railway: token is required")
	}
	if strings.TrimSpace(cfg.ProjectID) == "" || strings.TrimSpace(cfg.EnvironmentID) == "" {
		return nil, fmt.Errorf("railway: project_id and environment_id are required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	if cfg.Retry == (sharederrors.RetryConfig{}) {
		cfg.Retry = DefaultRetry
	}
	if httpClient == nil {
		httpClient = httpclient.New(httpclient.Options{Name: "railway", Timeout: 30 * time.Second}, logger)
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 5),
		logger:  logging.OrNop(logger),
	}, nil
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

func (c *Client) do(ctx context.Context, query string, vars map[string]any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("railway: rate limiter: %w", err)
	}
	payload, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("railway: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("railway: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("railway: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := httpclient.ReadAllWithLimit(resp.Body, httpclient.DefaultMaxBodyBytes)
	if err != nil {
		return fmt.Errorf("railway: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("railway: %w", sharederrors.FromHTTPStatus(resp.StatusCode, string(body)))
	}

	var envelope graphQLResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("railway: decode response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		msgs := make([]string, 0, len(envelope.Errors))
		for _, e := range envelope.Errors {
			msgs = append(msgs, e.Message)
		}
		joined := strings.Join(msgs, "; ")
		if strings.Contains(strings.ToLower(joined), "not found") {
			return fmt.Errorf("railway: %s: %w", joined, compute.ErrNotFound)
		}
		return sharederrors.NewPermanentError(errors.New(joined), "railway: "+joined)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("railway: decode data: %w", err)
	}
	return nil
}

// doIdempotent is do with transient failures retried under cfg.Retry.
func (c *Client) doIdempotent(ctx context.Context, query string, vars map[string]any, out any) error {
	return sharederrors.Retry(ctx, c.cfg.Retry, c.logger, func(ctx context.Context) error {
		return c.do(ctx, query, vars, out)
	})
}

const createServiceMutation = `mutation serviceCreate($input: ServiceCreateInput!) {
  serviceCreate(input: $input) { id name }
}`

func (c *Client) CreateService(ctx context.Context, name string) (compute.Service, error) {
	var data struct {
		ServiceCreate compute.Service `json:"serviceCreate"`
	}
	err := c.do(ctx, createServiceMutation, map[string]any{
		"input": map[string]any{"projectId": c.cfg.ProjectID, "name": name},
	}, &data)
	if err != nil {
		return compute.Service{}, err
	}
	if data.ServiceCreate.ID == "" {
		return compute.Service{}, fmt.Errorf("railway: serviceCreate returned no id")
	}
	c.logger.Info("created service %s (%s)", data.ServiceCreate.Name, data.ServiceCreate.ID)
	return data.ServiceCreate, nil
}

const connectRepoMutation = `mutation serviceConnect($id: String!, $input: ServiceConnectInput!) {
  serviceConnect(id: $id, input: $input) { id }
}`

func (c *Client) ConnectRepo(ctx context.Context, serviceID, repo, branch string) error {
	return c.do(ctx, connectRepoMutation, map[string]any{
		"id":    serviceID,
		"input": map[string]any{"repo": repo, "branch": branch},
	}, nil)
}

const triggerDeploymentMutation = `mutation serviceInstanceDeployV2($serviceId: String!, $environmentId: String!) {
  serviceInstanceDeployV2(serviceId: $serviceId, environmentId: $environmentId)
}`

func (c *Client) TriggerDeployment(ctx context.Context, serviceID string) (string, error) {
	var data struct {
		DeploymentID string `json:"serviceInstanceDeployV2"`
	}
	err := c.do(ctx, triggerDeploymentMutation, map[string]any{
		"serviceId":     serviceID,
		"environmentId": c.cfg.EnvironmentID,
	}, &data)
	if err != nil {
		return "", err
	}
	if data.DeploymentID == "" {
		return "", fmt.Errorf("railway: deploy returned no deployment id")
	}
	return data.DeploymentID, nil
}

type deploymentNode struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	StaticURL string `json:"staticUrl"`
	ServiceID string `json:"serviceId"`
}

func (n deploymentNode) toDeployment() compute.Deployment {
	d := compute.Deployment{
		ID:        n.ID,
		ServiceID: n.ServiceID,
		Status:    compute.ParseDeploymentStatus(n.Status),
	}
	if n.StaticURL != "" {
		d.URL = withScheme(n.StaticURL)
	}
	return d
}

const deploymentQuery = `query deployment($id: String!) {
  deployment(id: $id) { id status staticUrl serviceId }
}`

func (c *Client) GetDeploymentStatus(ctx context.Context, deploymentID string) (compute.Deployment, error) {
	var data struct {
		Deployment *deploymentNode `json:"deployment"`
	}
	if err := c.doIdempotent(ctx, deploymentQuery, map[string]any{"id": deploymentID}, &data); err != nil {
		return compute.Deployment{}, err
	}
	if data.Deployment == nil {
		return compute.Deployment{}, fmt.Errorf("railway: deployment %s: %w", deploymentID, compute.ErrNotFound)
	}
	return data.Deployment.toDeployment(), nil
}

const latestDeploymentQuery = `query deployments($input: DeploymentListInput!) {
  deployments(first: 1, input: $input) { edges { node { id status staticUrl serviceId } } }
}`

func (c *Client) LatestDeployment(ctx context.Context, serviceID string) (compute.Deployment, error) {
	var data struct {
		Deployments struct {
			Edges []struct {
				Node deploymentNode `json:"node"`
			} `json:"edges"`
		} `json:"deployments"`
	}
	err := c.doIdempotent(ctx, latestDeploymentQuery, map[string]any{
		"input": map[string]any{
			"projectId":     c.cfg.ProjectID,
			"environmentId": c.cfg.EnvironmentID,
			"serviceId":     serviceID,
		},
	}, &data)
	if err != nil {
		return compute.Deployment{}, err
	}
	if len(data.Deployments.Edges) == 0 {
		return compute.Deployment{}, fmt.Errorf("railway: no deployments for service %s: %w", serviceID, compute.ErrNotFound)
	}
	return data.Deployments.Edges[0].Node.toDeployment(), nil
}

const serviceDomainsQuery = `query domains($projectId: String!, $environmentId: String!, $serviceId: String!) {
  domains(projectId: $projectId, environmentId: $environmentId, serviceId: $serviceId) {
    customDomains { domain }
    serviceDomains { domain }
  }
}`

const serviceDomainCreateMutation = `mutation serviceDomainCreate($input: ServiceDomainCreateInput!) {
  serviceDomainCreate(input: $input) { domain }
}`

type domainRef struct {
	Domain string `json:"domain"`
}

// GetServiceURL returns the service's public URL, preferring a custom
// domain. A generated service domain is created when none exists.
func (c *Client) GetServiceURL(ctx context.Context, serviceID string) (string, error) {
	var data struct {
		Domains struct {
			CustomDomains  []domainRef `json:"customDomains"`
			ServiceDomains []domainRef `json:"serviceDomains"`
		} `json:"domains"`
	}
	err := c.doIdempotent(ctx, serviceDomainsQuery, map[string]any{
		"projectId":     c.cfg.ProjectID,
		"environmentId": c.cfg.EnvironmentID,
		"serviceId":     serviceID,
	}, &data)
	if err != nil {
		return "", err
	}
	for _, group := range [][]domainRef{data.Domains.CustomDomains, data.Domains.ServiceDomains} {
		for _, d := range group {
			if d.Domain != "" {
				return withScheme(d.Domain), nil
			}
		}
	}

	var created struct {
		ServiceDomainCreate domainRef `json:"serviceDomainCreate"`
	}
	err = c.do(ctx, serviceDomainCreateMutation, map[string]any{
		"input": map[string]any{"serviceId": serviceID, "environmentId": c.cfg.EnvironmentID},
	}, &created)
	if err != nil {
		return "", err
	}
	if created.ServiceDomainCreate.Domain == "" {
		return "", fmt.Errorf("railway: service %s has no public domain", serviceID)
	}
	return withScheme(created.ServiceDomainCreate.Domain), nil
}

const deleteServiceMutation = `mutation serviceDelete($id: String!) { serviceDelete(id: $id) }`

func (c *Client) DeleteService(ctx context.Context, serviceID string) error {
	if err := c.doIdempotent(ctx, deleteServiceMutation, map[string]any{"id": serviceID}, nil); err != nil {
		return err
	}
	c.logger.Info("deleted service %s", serviceID)
	return nil
}

func withScheme(domain string) string {
	if strings.HasPrefix(domain, "http://") || strings.HasPrefix(domain, "https://") {
		return domain
	}
	return "https://" + domain
}
