// Package agent is the controlling process behind the bridge: it keeps the
// per-tab detections, answers the page-side components, and is the only
// party that talks to the vault. Keys and tags are normalized here, at the
// last point before persistence, so every write path gets the same
// treatment.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/achilleshq/sentinel/internal/bridge"
	"github.com/achilleshq/sentinel/internal/enrich"
	"github.com/achilleshq/sentinel/internal/logging"
	"github.com/achilleshq/sentinel/internal/prefs"
	"github.com/achilleshq/sentinel/internal/vault"
)

// Vault is what the agent needs from the secrets backend.
type Vault interface {
	Health(ctx context.Context) (*vault.Health, error)
	ListProjects(ctx context.Context) ([]vault.Project, error)
	ListEnvironments(ctx context.Context, projectID string) ([]vault.Environment, error)
	ListSecrets(ctx context.Context, projectID, env string) ([]vault.SecretMetadata, error)
	GetSecret(ctx context.Context, projectID, env, key string) (*vault.Secret, error)
	SetSecret(ctx context.Context, projectID, env string, w vault.SecretWrite) error
	DeleteSecret(ctx context.Context, projectID, env, key string) error
}

// maxTags caps a stored secret's tag list.
const maxTags = 10

// defaultEnv is where imports land when neither the request nor the prefs
// name an environment.
const defaultEnv = "development"

// keyDisallowed matches every run of characters outside the vault's key
// charset.
var keyDisallowed = regexp.MustCompile(`[^a-zA-Z0-9_./-]+`)

// NormalizeKey trims, optionally uppercases (for keys we generated rather
// than the user typed), and squashes disallowed characters to underscores.
// Applying it twice changes nothing.
func NormalizeKey(key string, generated bool) string {
	key = strings.TrimSpace(key)
	if generated {
		key = strings.ToUpper(key)
	}
	key = keyDisallowed.ReplaceAllString(key, "_")
	return strings.Trim(key, "_")
}

// NormalizeTags lowercases, deduplicates, and caps a tag list, preserving
// first-seen order.
func NormalizeTags(tags []string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) == maxTags {
			break
		}
	}
	return out
}

// Agent wires the tab store, prefs, and vault behind bridge handlers.
type Agent struct {
	logger logging.Logger
	tabs   *TabStore
	prefs  *prefs.Store
	vault  Vault
	router *bridge.Router
}

// New constructs an agent and registers its handlers on a fresh router.
func New(v Vault, prefStore *prefs.Store, logger logging.Logger) (*Agent, error) {
	if v == nil {
		return nil, fmt.Errorf("agent: nil vault")
	}
	if prefStore == nil {
		return nil, fmt.Errorf("agent: nil prefs store")
	}
	if logger == nil {
		logger = logging.NewStdoutLogger("agent")
	}
	a := &Agent{
		logger: logger.With(logging.Field{Key: "component", Value: "agent"}),
		tabs:   NewTabStore(),
		prefs:  prefStore,
		vault:  v,
		router: bridge.NewRouter(logger),
	}
	a.routes()
	return a, nil
}

// Router exposes the message router for bridge transports.
func (a *Agent) Router() *bridge.Router { return a.router }

// Tabs exposes the per-tab store for the HTTP surface and tests.
func (a *Agent) Tabs() *TabStore { return a.tabs }

// OnNavigationStart clears a tab's detections when it starts loading a new
// document.
func (a *Agent) OnNavigationStart(tabID string) {
	a.tabs.Clear(tabID)
	a.logger.Debug("tab cleared on navigation", logging.Field{Key: "tab", Value: tabID})
}

// OnTabClosed drops a closed tab.
func (a *Agent) OnTabClosed(tabID string) {
	a.tabs.Remove(tabID)
}

func (a *Agent) routes() {
	a.router.Handle(bridge.TypeDetectedSecrets, a.handleDetectedSecrets)
	a.router.Handle(bridge.TypeGetDetected, a.handleGetDetected)
	a.router.Handle(bridge.TypeImportSecret, a.handleImportSecret)
	a.router.Handle(bridge.TypeGetFillSecrets, a.handleGetFillSecrets)
	a.router.Handle(bridge.TypeGetSecretValue, a.handleGetSecretValue)
	a.router.Handle(bridge.TypeSetSecret, a.handleSetSecret)
	a.router.Handle(bridge.TypeDeleteSecret, a.handleDeleteSecret)
	a.router.Handle(bridge.TypeGetProjects, a.handleGetProjects)
	a.router.Handle(bridge.TypeGetUserPrefs, a.handleGetUserPrefs)
	a.router.Handle(bridge.TypeSetUserPrefs, a.handleSetUserPrefs)
	a.router.Handle(bridge.TypeHealthCheck, a.handleHealthCheck)
}

func (a *Agent) handleDetectedSecrets(ctx context.Context, m bridge.Message) (any, error) {
	var p bridge.DetectedSecretsPayload
	if err := decode(m, &p); err != nil {
		return nil, err
	}
	added, total := a.tabs.Merge(m.TabID, p.Findings)
	a.logger.Info("detections reported",
		logging.Field{Key: "tab", Value: m.TabID},
		logging.Field{Key: "new", Value: added},
		logging.Field{Key: "badge", Value: total})
	return bridge.DetectedData{Findings: nil, Count: total}, nil
}

func (a *Agent) handleGetDetected(ctx context.Context, m bridge.Message) (any, error) {
	fs := a.tabs.Findings(m.TabID)
	return bridge.DetectedData{Findings: fs, Count: len(fs)}, nil
}

// handleImportSecret resolves the import target: explicit request fields
// first, then the user's last used project/env, then the vault's first
// project. A vault with no projects rejects the import before any write.
func (a *Agent) handleImportSecret(ctx context.Context, m bridge.Message) (any, error) {
	var p bridge.ImportSecretPayload
	if err := decode(m, &p); err != nil {
		return nil, err
	}
	f := p.Finding
	if f.Value == "" {
		return nil, fmt.Errorf("empty secret value")
	}

	userPrefs, err := a.prefs.Get(ctx)
	if err != nil {
		return nil, err
	}

	projectID := p.ProjectID
	if projectID == "" {
		projectID = userPrefs.LastProjectID
	}
	if projectID == "" {
		projects, err := a.vault.ListProjects(ctx)
		if err != nil {
			return nil, err
		}
		if len(projects) == 0 {
			return nil, fmt.Errorf("no projects in vault, create one first")
		}
		projectID = projects[0].ID
	}

	env := p.Env
	if env == "" {
		env = userPrefs.LastEnv
	}
	if env == "" {
		env = defaultEnv
	}

	key := p.Key
	generated := false
	if key == "" {
		key = f.SuggestedKey
		generated = true
	}
	key = NormalizeKey(key, generated)
	if key == "" {
		return nil, fmt.Errorf("could not derive a key for the secret")
	}

	write := vault.SecretWrite{
		Key:         key,
		Value:       f.Value,
		Description: importDescription(f),
		Tags:        NormalizeTags(f.Tags),
	}
	if err := a.vault.SetSecret(ctx, projectID, env, write); err != nil {
		return nil, err
	}
	if err := a.prefs.SetLastUsed(ctx, projectID, env); err != nil {
		a.logger.Warn("saving last used target", logging.Field{Key: "error", Value: err.Error()})
	}
	a.logger.Info("secret imported",
		logging.Field{Key: "project", Value: projectID},
		logging.Field{Key: "env", Value: env},
		logging.Field{Key: "key", Value: key})
	return bridge.ImportResultData{
		ProjectID:   projectID,
		Env:         env,
		Key:         key,
		Category:    f.Category,
		Tags:        write.Tags,
		Description: write.Description,
	}, nil
}

func importDescription(f enrich.Finding) string {
	host := f.Source
	if host == "" && f.PageURL != "" {
		if u, err := url.Parse(f.PageURL); err == nil {
			host = u.Hostname()
		}
	}
	if host == "" {
		return "Imported via Sentinel"
	}
	return fmt.Sprintf("Imported from %s via Sentinel", host)
}

// handleGetFillSecrets builds the key index across every project and the
// three standard environments. A project or environment that fails to list
// is skipped, not fatal.
func (a *Agent) handleGetFillSecrets(ctx context.Context, m bridge.Message) (any, error) {
	projects, err := a.vault.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	var index []bridge.FillSecret
	for _, proj := range projects {
		for _, env := range vault.DefaultEnvs {
			metas, err := a.vault.ListSecrets(ctx, proj.ID, env)
			if err != nil {
				a.logger.Debug("skipping environment in fill index",
					logging.Field{Key: "project", Value: proj.ID},
					logging.Field{Key: "env", Value: env},
					logging.Field{Key: "error", Value: err.Error()})
				continue
			}
			for _, meta := range metas {
				index = append(index, bridge.FillSecret{
					Key:         meta.Key,
					Env:         env,
					ProjectID:   proj.ID,
					ProjectName: proj.Name,
				})
			}
		}
	}
	return bridge.FillSecretsData{Secrets: index}, nil
}

func (a *Agent) handleGetSecretValue(ctx context.Context, m bridge.Message) (any, error) {
	var p bridge.SecretRefPayload
	if err := decode(m, &p); err != nil {
		return nil, err
	}
	s, err := a.vault.GetSecret(ctx, p.ProjectID, p.Env, p.Key)
	if err != nil {
		return nil, err
	}
	return bridge.SecretValueData{Value: s.Value}, nil
}

func (a *Agent) handleSetSecret(ctx context.Context, m bridge.Message) (any, error) {
	var p bridge.SetSecretPayload
	if err := decode(m, &p); err != nil {
		return nil, err
	}
	key := NormalizeKey(p.Key, false)
	if key == "" {
		return nil, fmt.Errorf("empty key")
	}
	write := vault.SecretWrite{
		Key:         key,
		Value:       p.Value,
		Description: p.Description,
		Tags:        NormalizeTags(p.Tags),
	}
	if err := a.vault.SetSecret(ctx, p.ProjectID, p.Env, write); err != nil {
		return nil, err
	}
	if err := a.prefs.SetLastUsed(ctx, p.ProjectID, p.Env); err != nil {
		a.logger.Warn("saving last used target", logging.Field{Key: "error", Value: err.Error()})
	}
	return bridge.ImportResultData{
		ProjectID:   p.ProjectID,
		Env:         p.Env,
		Key:         key,
		Tags:        write.Tags,
		Description: write.Description,
	}, nil
}

func (a *Agent) handleDeleteSecret(ctx context.Context, m bridge.Message) (any, error) {
	var p bridge.SecretRefPayload
	if err := decode(m, &p); err != nil {
		return nil, err
	}
	if err := a.vault.DeleteSecret(ctx, p.ProjectID, p.Env, p.Key); err != nil {
		return nil, err
	}
	return map[string]bool{"deleted": true}, nil
}

func (a *Agent) handleGetProjects(ctx context.Context, m bridge.Message) (any, error) {
	return a.vault.ListProjects(ctx)
}

func (a *Agent) handleGetUserPrefs(ctx context.Context, m bridge.Message) (any, error) {
	p, err := a.prefs.Get(ctx)
	if err != nil {
		return nil, err
	}
	return bridge.UserPrefsPayload{LastProjectID: p.LastProjectID, LastEnv: p.LastEnv}, nil
}

func (a *Agent) handleSetUserPrefs(ctx context.Context, m bridge.Message) (any, error) {
	var p bridge.UserPrefsPayload
	if err := decode(m, &p); err != nil {
		return nil, err
	}
	if err := a.prefs.Set(ctx, prefs.Prefs{LastProjectID: p.LastProjectID, LastEnv: p.LastEnv}); err != nil {
		return nil, err
	}
	return p, nil
}

func (a *Agent) handleHealthCheck(ctx context.Context, m bridge.Message) (any, error) {
	return a.vault.Health(ctx)
}

func decode(m bridge.Message, v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%s: decoding payload: %w", m.Type, err)
	}
	return nil
}
