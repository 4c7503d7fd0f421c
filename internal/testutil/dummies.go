// Package testutil provides shared test doubles for use across package tests.
// All dummies implement the corresponding interfaces from the production code,
// allowing injection into components under test without real I/O or side effects.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/achilleshq/sentinel/internal/enrich"
	"github.com/achilleshq/sentinel/internal/logging"
	"github.com/achilleshq/sentinel/internal/vault"
	"github.com/achilleshq/sentinel/internal/webclient"
)

// ─── Logger ────────────────────────────────────────────────────────────

// DummyLogger implements logging.Logger with in-memory recording.
type DummyLogger struct {
	mu     sync.Mutex
	Errors []string
	Infos  []string
	Debugs []string
	Warns  []string
}

func (l *DummyLogger) Debug(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Debugs = append(l.Debugs, msg)
}

func (l *DummyLogger) Info(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Infos = append(l.Infos, msg)
}

func (l *DummyLogger) Warn(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Warns = append(l.Warns, msg)
}

func (l *DummyLogger) Error(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Errors = append(l.Errors, msg)
}

func (l *DummyLogger) With(_ ...logging.Field) logging.Logger { return l }

// ─── WebClient ─────────────────────────────────────────────────────────

// DummyWebClient implements webclient.WebClient. Bodies maps a URL to the
// document it serves; unmapped URLs return "ok:<url>". Set FailURLs[url] =
// true to force an error for a specific URL.
type DummyWebClient struct {
	ResponseDelay time.Duration
	Bodies        map[string]string
	FailURLs      map[string]bool
	mu            sync.Mutex
	Requests      []*webclient.Request
}

func (d *DummyWebClient) Do(ctx context.Context, req *webclient.Request) (*webclient.Response, error) {
	if d.ResponseDelay > 0 {
		select {
		case <-time.After(d.ResponseDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	d.Requests = append(d.Requests, req)
	d.mu.Unlock()

	if d.FailURLs[req.URL] {
		return nil, fmt.Errorf("dummy webclient: forced failure for %s", req.URL)
	}
	body := "ok:" + req.URL
	if b, ok := d.Bodies[req.URL]; ok {
		body = b
	}
	return &webclient.Response{
		Request:    req,
		Body:       []byte(body),
		StatusCode: 200,
		FetchedAt:  time.Now().UTC(),
	}, nil
}

func (d *DummyWebClient) Close() error { return nil }

// ─── Vault ─────────────────────────────────────────────────────────────

// DummyVault implements agent.Vault in memory. Secrets are keyed
// project/env/key. Set FailOps["SetSecret"] = true (etc.) to force errors.
type DummyVault struct {
	mu       sync.Mutex
	Projects []vault.Project
	Secrets  map[string]vault.Secret
	Writes   []vault.SecretWrite
	FailOps  map[string]bool
}

// NewDummyVault returns a vault with no projects and no secrets.
func NewDummyVault() *DummyVault {
	return &DummyVault{
		Secrets: make(map[string]vault.Secret),
		FailOps: make(map[string]bool),
	}
}

// AddProject registers a project and returns it.
func (d *DummyVault) AddProject(id, name string) vault.Project {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := vault.Project{ID: id, Name: name}
	d.Projects = append(d.Projects, p)
	return p
}

func secretKey(projectID, env, key string) string {
	return projectID + "/" + env + "/" + key
}

func (d *DummyVault) Health(ctx context.Context) (*vault.Health, error) {
	if d.FailOps["Health"] {
		return nil, fmt.Errorf("dummy vault: health down")
	}
	return &vault.Health{Status: "healthy", Version: "test"}, nil
}

func (d *DummyVault) ListProjects(ctx context.Context) ([]vault.Project, error) {
	if d.FailOps["ListProjects"] {
		return nil, fmt.Errorf("dummy vault: forced ListProjects failure")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]vault.Project, len(d.Projects))
	copy(out, d.Projects)
	return out, nil
}

func (d *DummyVault) ListEnvironments(ctx context.Context, projectID string) ([]vault.Environment, error) {
	var out []vault.Environment
	for _, name := range vault.DefaultEnvs {
		out = append(out, vault.Environment{ID: projectID + "-" + name, Name: name})
	}
	return out, nil
}

func (d *DummyVault) ListSecrets(ctx context.Context, projectID, env string) ([]vault.SecretMetadata, error) {
	if d.FailOps["ListSecrets"] {
		return nil, fmt.Errorf("dummy vault: forced ListSecrets failure")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	prefix := projectID + "/" + env + "/"
	var out []vault.SecretMetadata
	for k, s := range d.Secrets {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, vault.SecretMetadata{
				ID: s.ID, Key: s.Key, Version: s.Version,
				Description: s.Description, Tags: s.Tags,
			})
		}
	}
	return out, nil
}

func (d *DummyVault) GetSecret(ctx context.Context, projectID, env, key string) (*vault.Secret, error) {
	if d.FailOps["GetSecret"] {
		return nil, fmt.Errorf("dummy vault: forced GetSecret failure")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.Secrets[secretKey(projectID, env, key)]
	if !ok {
		return nil, fmt.Errorf("dummy vault: secret %q not found", key)
	}
	return &s, nil
}

func (d *DummyVault) SetSecret(ctx context.Context, projectID, env string, w vault.SecretWrite) error {
	if d.FailOps["SetSecret"] {
		return fmt.Errorf("dummy vault: forced SetSecret failure")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Writes = append(d.Writes, w)
	cur := d.Secrets[secretKey(projectID, env, w.Key)]
	d.Secrets[secretKey(projectID, env, w.Key)] = vault.Secret{
		ID:          w.Key,
		Key:         w.Key,
		Value:       w.Value,
		Version:     cur.Version + 1,
		Description: w.Description,
		Tags:        w.Tags,
	}
	return nil
}

func (d *DummyVault) DeleteSecret(ctx context.Context, projectID, env, key string) error {
	if d.FailOps["DeleteSecret"] {
		return fmt.Errorf("dummy vault: forced DeleteSecret failure")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	k := secretKey(projectID, env, key)
	if _, ok := d.Secrets[k]; !ok {
		return fmt.Errorf("dummy vault: secret %q not found", key)
	}
	delete(d.Secrets, k)
	return nil
}

// ─── Sink ──────────────────────────────────────────────────────────────

// RecordingSink implements scanner.Sink, capturing every published batch.
type RecordingSink struct {
	mu      sync.Mutex
	Batches [][]enrich.Finding
}

func (s *RecordingSink) PublishFindings(batch []enrich.Finding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]enrich.Finding, len(batch))
	copy(cp, batch)
	s.Batches = append(s.Batches, cp)
}

// All returns every published finding in order.
func (s *RecordingSink) All() []enrich.Finding {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []enrich.Finding
	for _, b := range s.Batches {
		out = append(out, b...)
	}
	return out
}
