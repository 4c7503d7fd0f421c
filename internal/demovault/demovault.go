// Package demovault is an in-memory stand-in for the real vault, exposing
// the same REST surface the client in internal/vault speaks. It exists for
// demos and tests: start it, point the agent at it, and the whole
// detect-import-fill loop runs without a backend.
package demovault

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/achilleshq/sentinel/internal/logging"
	"github.com/achilleshq/sentinel/internal/vault"
)

// Config holds demo vault settings.
type Config struct {
	// Addr to listen on. Empty means 127.0.0.1:8200.
	Addr string

	// Token, when set, is required as a bearer token on every request.
	Token string
}

// DefaultConfig returns the default demo vault configuration.
func DefaultConfig() Config {
	return Config{Addr: "127.0.0.1:8200"}
}

type storedSecret struct {
	vault.Secret
}

type environment struct {
	id      string
	name    string
	secrets map[string]*storedSecret
}

type project struct {
	vault.Project
	envs map[string]*environment
}

// Server is the in-memory vault.
type Server struct {
	cfg    Config
	logger logging.Logger
	router chi.Router

	mu       sync.RWMutex
	projects map[string]*project
}

// NewServer constructs an empty demo vault.
func NewServer(cfg Config, logger logging.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig().Addr
	}
	if logger == nil {
		logger = logging.NewStdoutLogger("demovault")
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger.With(logging.Field{Key: "component", Value: "demovault"}),
		router:   chi.NewRouter(),
		projects: make(map[string]*project),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.authMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1/projects", func(r chi.Router) {
		r.Get("/", s.handleListProjects)
		r.Post("/", s.handleCreateProject)
		r.Get("/{project}/environments", s.handleListEnvironments)

		r.Route("/{project}/environments/{env}/secrets", func(r chi.Router) {
			r.Get("/", s.handleListSecrets)
			r.Post("/bulk", s.handleBulkSetSecrets)
			r.Get("/{key}", s.handleGetSecret)
			r.Put("/{key}", s.handleSetSecret)
			r.Delete("/{key}", s.handleDeleteSecret)
		})
	})
}

// Router returns the handler for httptest servers.
func (s *Server) Router() http.Handler { return s.router }

// ListenAndServe blocks serving the vault.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", logging.Field{Key: "addr", Value: s.cfg.Addr})
	return http.ListenAndServe(s.cfg.Addr, s.router)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != s.cfg.Token {
				writeDetail(w, http.StatusUnauthorized, "invalid or missing token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeDetail mirrors the real vault's error body.
func writeDetail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func now() float64 {
	return float64(time.Now().UnixMilli()) / 1000
}

// CreateProject seeds a project directly, for tests and demo setup. Every
// project gets the three standard environments.
func (s *Server) CreateProject(name, description string) vault.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createProjectLocked(name, description)
}

func (s *Server) createProjectLocked(name, description string) vault.Project {
	p := &project{
		Project: vault.Project{
			ID:          uuid.NewString(),
			Name:        name,
			Description: description,
			CreatedAt:   now(),
			UpdatedAt:   now(),
		},
		envs: make(map[string]*environment),
	}
	for _, envName := range vault.DefaultEnvs {
		p.envs[envName] = &environment{
			id:      uuid.NewString(),
			name:    envName,
			secrets: make(map[string]*storedSecret),
		}
	}
	s.projects[p.ID] = p
	return p.Project
}

// SeedSecret stores a secret directly, bypassing HTTP, for demo setup.
func (s *Server) SeedSecret(projectID, envName, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return fmt.Errorf("demovault: project %q not found", projectID)
	}
	env, ok := p.envs[envName]
	if !ok {
		return fmt.Errorf("demovault: environment %q not found", envName)
	}
	env.setSecret(vault.SecretWrite{Key: key, Value: value})
	return nil
}

func (e *environment) setSecret(w vault.SecretWrite) vault.Secret {
	if cur, ok := e.secrets[w.Key]; ok {
		cur.Value = w.Value
		cur.Version++
		cur.Description = w.Description
		cur.Tags = w.Tags
		cur.UpdatedAt = now()
		return cur.Secret
	}
	sec := &storedSecret{Secret: vault.Secret{
		ID:          uuid.NewString(),
		Key:         w.Key,
		Value:       w.Value,
		Version:     1,
		Description: w.Description,
		Tags:        w.Tags,
		CreatedAt:   now(),
		UpdatedAt:   now(),
	}}
	if sec.Tags == nil {
		sec.Tags = []string{}
	}
	e.secrets[w.Key] = sec
	return sec.Secret
}

// resolveEnv looks up project and environment from the request path.
func (s *Server) resolveEnv(w http.ResponseWriter, r *http.Request) (*project, *environment, bool) {
	p, ok := s.projects[chi.URLParam(r, "project")]
	if !ok {
		writeDetail(w, http.StatusNotFound, "Project not found")
		return nil, nil, false
	}
	envName := chi.URLParam(r, "env")
	env, ok := p.envs[envName]
	if !ok {
		writeDetail(w, http.StatusNotFound, fmt.Sprintf("Environment '%s' not found", envName))
		return nil, nil, false
	}
	return p, env, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, vault.Health{Status: "healthy", Version: "0.1.0"})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]vault.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p.Project)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeDetail(w, http.StatusBadRequest, "invalid project body")
		return
	}
	s.mu.Lock()
	p := s.createProjectLocked(body.Name, body.Description)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[chi.URLParam(r, "project")]
	if !ok {
		writeDetail(w, http.StatusNotFound, "Project not found")
		return
	}
	out := make([]vault.Environment, 0, len(p.envs))
	for _, env := range p.envs {
		out = append(out, vault.Environment{ID: env.id, Name: env.name})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, env, ok := s.resolveEnv(w, r)
	if !ok {
		return
	}
	out := make([]vault.SecretMetadata, 0, len(env.secrets))
	for _, sec := range env.secrets {
		out = append(out, vault.SecretMetadata{
			ID:          sec.ID,
			Key:         sec.Key,
			Version:     sec.Version,
			Description: sec.Description,
			Tags:        sec.Tags,
			CreatedAt:   sec.CreatedAt,
			UpdatedAt:   sec.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, env, ok := s.resolveEnv(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	sec, ok := env.secrets[key]
	if !ok {
		writeDetail(w, http.StatusNotFound, fmt.Sprintf("Secret '%s' not found", key))
		return
	}
	writeJSON(w, http.StatusOK, sec.Secret)
}

func (s *Server) handleSetSecret(w http.ResponseWriter, r *http.Request) {
	var body vault.SecretWrite
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid secret body")
		return
	}
	body.Key = chi.URLParam(r, "key")
	if body.Value == "" {
		writeDetail(w, http.StatusBadRequest, "value is required")
		return
	}
	if !vault.KeyPattern.MatchString(body.Key) {
		writeDetail(w, http.StatusBadRequest, fmt.Sprintf("invalid key '%s'", body.Key))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, env, ok := s.resolveEnv(w, r)
	if !ok {
		return
	}
	sec := env.setSecret(body)
	s.logger.Info("secret stored",
		logging.Field{Key: "key", Value: sec.Key},
		logging.Field{Key: "version", Value: sec.Version})
	writeJSON(w, http.StatusOK, sec)
}

func (s *Server) handleBulkSetSecrets(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Secrets []vault.SecretWrite `json:"secrets"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Secrets) == 0 {
		writeDetail(w, http.StatusBadRequest, "secrets are required")
		return
	}
	for _, sw := range body.Secrets {
		if sw.Value == "" || !vault.KeyPattern.MatchString(sw.Key) {
			writeDetail(w, http.StatusBadRequest, fmt.Sprintf("invalid secret '%s'", sw.Key))
			return
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, env, ok := s.resolveEnv(w, r)
	if !ok {
		return
	}
	out := make([]vault.Secret, 0, len(body.Secrets))
	for _, sw := range body.Secrets {
		out = append(out, env.setSecret(sw))
	}
	writeJSON(w, http.StatusOK, map[string]any{"created": len(out), "secrets": out})
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, env, ok := s.resolveEnv(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	if _, ok := env.secrets[key]; !ok {
		writeDetail(w, http.StatusNotFound, fmt.Sprintf("Secret '%s' not found", key))
		return
	}
	delete(env.secrets, key)
	w.WriteHeader(http.StatusNoContent)
}
