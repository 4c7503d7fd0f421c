// Package vault is the REST client for the secrets vault the agent imports
// into and fills from. The vault nests secrets under
// /api/v1/projects/{project}/environments/{env}/secrets and authenticates
// with a bearer token.
package vault

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/achilleshq/sentinel/internal/logging"
)

// DefaultEnvs are the environments every project starts with.
var DefaultEnvs = []string{"development", "staging", "production"}

// KeyPattern is the vault's accepted secret-key charset.
var KeyPattern = regexp.MustCompile(`^[a-zA-Z0-9_./-]+$`)

// Config holds client settings.
type Config struct {
	// BaseURL of the vault, e.g. http://127.0.0.1:8200.
	BaseURL string

	// Token is the bearer token sent on every request.
	Token string

	// Timeout bounds one request. Zero means 10s.
	Timeout time.Duration
}

// Project is one vault project.
type Project struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	CreatedAt   float64 `json:"created_at"`
	UpdatedAt   float64 `json:"updated_at"`
}

// Environment is one environment within a project.
type Environment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// SecretMetadata is a secret listing entry, without the value.
type SecretMetadata struct {
	ID          string   `json:"id"`
	Key         string   `json:"key"`
	Version     int      `json:"version"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	CreatedAt   float64  `json:"created_at"`
	UpdatedAt   float64  `json:"updated_at"`
}

// Secret is a full secret including its decrypted value.
type Secret struct {
	ID          string   `json:"id"`
	Key         string   `json:"key"`
	Value       string   `json:"value"`
	Version     int      `json:"version"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	CreatedAt   float64  `json:"created_at"`
	UpdatedAt   float64  `json:"updated_at"`
}

// SecretWrite is the body of a set or bulk-set call.
type SecretWrite struct {
	Key         string   `json:"key"`
	Value       string   `json:"value"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// BulkResult reports the outcome of a bulk set.
type BulkResult struct {
	Created int `json:"created"`
}

// Health is the vault health report.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// apiError is the vault's error body.
type apiError struct {
	Detail string `json:"detail"`
}

// Client talks to one vault.
type Client struct {
	httpc  *resty.Client
	logger logging.Logger
}

// New constructs a vault client.
func New(cfg Config, logger logging.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("vault: empty base URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.NewStdoutLogger("vault")
	}

	httpc := resty.New()
	httpc.SetBaseURL(cfg.BaseURL)
	httpc.SetTimeout(cfg.Timeout)
	if cfg.Token != "" {
		httpc.SetHeader("Authorization", fmt.Sprintf("Bearer %s", cfg.Token))
	}

	return &Client{
		httpc:  httpc,
		logger: logger.With(logging.Field{Key: "component", Value: "vault"}),
	}, nil
}

func apiErrMsg(resp *resty.Response) string {
	if e, ok := resp.Error().(*apiError); ok && e.Detail != "" {
		return e.Detail
	}
	return resp.Status()
}

// Health pings the vault.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	resp, err := c.httpc.R().
		SetContext(ctx).
		SetResult(&h).
		Get("/health")
	if err != nil {
		return nil, fmt.Errorf("vault: health: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("vault: health: %s", resp.Status())
	}
	return &h, nil
}

// ListProjects returns all projects.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var ps []Project
	resp, err := c.httpc.R().
		SetContext(ctx).
		SetResult(&ps).
		SetError(&apiError{}).
		Get("/api/v1/projects")
	if err != nil {
		return nil, fmt.Errorf("vault: listing projects: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("vault: listing projects: %s", apiErrMsg(resp))
	}
	return ps, nil
}

// CreateProject creates a project with the default environments.
func (c *Client) CreateProject(ctx context.Context, name, description string) (*Project, error) {
	if name == "" {
		return nil, fmt.Errorf("vault: empty project name")
	}
	var p Project
	resp, err := c.httpc.R().
		SetContext(ctx).
		SetBody(map[string]string{"name": name, "description": description}).
		SetResult(&p).
		SetError(&apiError{}).
		Post("/api/v1/projects")
	if err != nil {
		return nil, fmt.Errorf("vault: creating project %q: %w", name, err)
	}
	if resp.StatusCode() != http.StatusCreated {
		return nil, fmt.Errorf("vault: creating project %q: %s", name, apiErrMsg(resp))
	}
	return &p, nil
}

// ListEnvironments returns a project's environments.
func (c *Client) ListEnvironments(ctx context.Context, projectID string) ([]Environment, error) {
	var envs []Environment
	resp, err := c.httpc.R().
		SetContext(ctx).
		SetResult(&envs).
		SetError(&apiError{}).
		SetPathParam("project", projectID).
		Get("/api/v1/projects/{project}/environments")
	if err != nil {
		return nil, fmt.Errorf("vault: listing environments: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("vault: listing environments: %s", apiErrMsg(resp))
	}
	return envs, nil
}

// ListSecrets returns the metadata of every secret in project/env.
func (c *Client) ListSecrets(ctx context.Context, projectID, env string) ([]SecretMetadata, error) {
	var ms []SecretMetadata
	resp, err := c.httpc.R().
		SetContext(ctx).
		SetResult(&ms).
		SetError(&apiError{}).
		SetPathParams(map[string]string{"project": projectID, "env": env}).
		Get("/api/v1/projects/{project}/environments/{env}/secrets")
	if err != nil {
		return nil, fmt.Errorf("vault: listing secrets: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("vault: listing secrets: %s", apiErrMsg(resp))
	}
	return ms, nil
}

// GetSecret fetches one secret's value.
func (c *Client) GetSecret(ctx context.Context, projectID, env, key string) (*Secret, error) {
	var s Secret
	resp, err := c.httpc.R().
		SetContext(ctx).
		SetResult(&s).
		SetError(&apiError{}).
		SetPathParams(map[string]string{"project": projectID, "env": env, "key": key}).
		Get("/api/v1/projects/{project}/environments/{env}/secrets/{key}")
	if err != nil {
		return nil, fmt.Errorf("vault: getting secret %q: %w", key, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("vault: getting secret %q: %s", key, apiErrMsg(resp))
	}
	return &s, nil
}

// SetSecret creates or updates one secret.
func (c *Client) SetSecret(ctx context.Context, projectID, env string, w SecretWrite) error {
	if !KeyPattern.MatchString(w.Key) {
		return fmt.Errorf("vault: invalid key %q", w.Key)
	}
	resp, err := c.httpc.R().
		SetContext(ctx).
		SetBody(w).
		SetError(&apiError{}).
		SetPathParams(map[string]string{"project": projectID, "env": env, "key": w.Key}).
		Put("/api/v1/projects/{project}/environments/{env}/secrets/{key}")
	if err != nil {
		return fmt.Errorf("vault: setting secret %q: %w", w.Key, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("vault: setting secret %q: %s", w.Key, apiErrMsg(resp))
	}
	c.logger.Info("secret stored",
		logging.Field{Key: "project", Value: projectID},
		logging.Field{Key: "env", Value: env},
		logging.Field{Key: "key", Value: w.Key})
	return nil
}

// BulkSetSecrets creates or updates up to 100 secrets in one call.
func (c *Client) BulkSetSecrets(ctx context.Context, projectID, env string, ws []SecretWrite) (*BulkResult, error) {
	for _, w := range ws {
		if !KeyPattern.MatchString(w.Key) {
			return nil, fmt.Errorf("vault: invalid key %q", w.Key)
		}
	}
	var br BulkResult
	resp, err := c.httpc.R().
		SetContext(ctx).
		SetBody(map[string]any{"secrets": ws}).
		SetResult(&br).
		SetError(&apiError{}).
		SetPathParams(map[string]string{"project": projectID, "env": env}).
		Post("/api/v1/projects/{project}/environments/{env}/secrets/bulk")
	if err != nil {
		return nil, fmt.Errorf("vault: bulk set: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("vault: bulk set: %s", apiErrMsg(resp))
	}
	return &br, nil
}

// DeleteSecret removes one secret.
func (c *Client) DeleteSecret(ctx context.Context, projectID, env, key string) error {
	resp, err := c.httpc.R().
		SetContext(ctx).
		SetError(&apiError{}).
		SetPathParams(map[string]string{"project": projectID, "env": env, "key": key}).
		Delete("/api/v1/projects/{project}/environments/{env}/secrets/{key}")
	if err != nil {
		return fmt.Errorf("vault: deleting secret %q: %w", key, err)
	}
	if resp.StatusCode() != http.StatusNoContent {
		return fmt.Errorf("vault: deleting secret %q: %s", key, apiErrMsg(resp))
	}
	return nil
}
