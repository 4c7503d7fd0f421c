package agent_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/achilleshq/sentinel/internal/agent"
	"github.com/achilleshq/sentinel/internal/bridge"
	"github.com/achilleshq/sentinel/internal/enrich"
	"github.com/achilleshq/sentinel/internal/prefs"
	"github.com/achilleshq/sentinel/internal/testutil"
	"github.com/achilleshq/sentinel/internal/vault"
)

func newAgent(t *testing.T) (*agent.Agent, *testutil.DummyVault, *prefs.Store) {
	t.Helper()
	store, err := prefs.Open(filepath.Join(t.TempDir(), "prefs.db"), &testutil.DummyLogger{})
	if err != nil {
		t.Fatalf("prefs.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	dv := testutil.NewDummyVault()
	a, err := agent.New(dv, store, &testutil.DummyLogger{})
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	return a, dv, store
}

func request(t *testing.T, a *agent.Agent, typ bridge.Type, tabID string, payload any) *bridge.Response {
	t.Helper()
	m, err := bridge.NewMessage(typ, tabID, payload)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	resp, err := a.Router().Dispatch(context.Background(), m)
	if err != nil {
		t.Fatalf("Dispatch %s: %v", typ, err)
	}
	return resp
}

// ─── Key and tag normalization ───────────────────────────────────────────────

func TestNormalizeKey(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in        string
		generated bool
		want      string
	}{
		{"GITHUB_TOKEN", false, "GITHUB_TOKEN"},
		{"  my key  ", false, "my_key"},
		{"github token", true, "GITHUB_TOKEN"},
		{"api-key.v2", false, "api-key.v2"},
		{"??weird!!", false, "weird"},
		{"__trimmed__", false, "trimmed"},
		{"", false, ""},
		{"!!!", false, ""},
	}
	for _, tc := range cases {
		if got := agent.NormalizeKey(tc.in, tc.generated); got != tc.want {
			t.Errorf("NormalizeKey(%q, %v) = %q, want %q", tc.in, tc.generated, got, tc.want)
		}
	}
	// Idempotence: normalizing a normalized key changes nothing.
	for _, tc := range cases {
		once := agent.NormalizeKey(tc.in, tc.generated)
		if twice := agent.NormalizeKey(once, tc.generated); twice != once {
			t.Errorf("NormalizeKey not idempotent for %q: %q -> %q", tc.in, once, twice)
		}
	}
}

func TestNormalizeTags(t *testing.T) {
	t.Parallel()
	got := agent.NormalizeTags([]string{"GitHub", "github", " detected ", "", "API"})
	want := []string{"github", "detected", "api"}
	if len(got) != len(want) {
		t.Fatalf("tags = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tags = %v, want %v", got, want)
		}
	}

	many := make([]string, 20)
	for i := range many {
		many[i] = strings.Repeat("t", i+1)
	}
	if got := agent.NormalizeTags(many); len(got) != 10 {
		t.Fatalf("cap failed: %d tags", len(got))
	}
}

// ─── Tab store ───────────────────────────────────────────────────────────────

func TestTabStore_MergeAndClear(t *testing.T) {
	t.Parallel()
	s := agent.NewTabStore()

	added, total := s.Merge("tab-1", []enrich.Finding{{Value: "a"}, {Value: "b"}})
	if added != 2 || total != 2 {
		t.Fatalf("added=%d total=%d", added, total)
	}
	added, total = s.Merge("tab-1", []enrich.Finding{{Value: "b"}, {Value: "c"}})
	if added != 1 || total != 3 {
		t.Fatalf("re-merge: added=%d total=%d", added, total)
	}

	// Tabs are independent.
	if s.Count("tab-2") != 0 {
		t.Fatal("empty tab has a badge")
	}
	s.Merge("tab-2", []enrich.Finding{{Value: "a"}})
	if s.Count("tab-2") != 1 {
		t.Fatal("cross-tab dedup must not happen")
	}

	s.Clear("tab-1")
	if s.Count("tab-1") != 0 {
		t.Fatal("clear left findings behind")
	}
	// Cleared tabs accept the same values again.
	added, _ = s.Merge("tab-1", []enrich.Finding{{Value: "a"}})
	if added != 1 {
		t.Fatal("cleared tab still deduplicates old values")
	}

	s.Remove("tab-2")
	if s.Findings("tab-2") != nil {
		t.Fatal("removed tab still has findings")
	}
}

// ─── Detection reporting ─────────────────────────────────────────────────────

func TestDetectedSecretsAndBadge(t *testing.T) {
	t.Parallel()
	a, _, _ := newAgent(t)

	resp := request(t, a, bridge.TypeDetectedSecrets, "tab-1", bridge.DetectedSecretsPayload{
		Findings: []enrich.Finding{{Value: "ghp_x", Type: "GitHub PAT"}},
	})
	var d bridge.DetectedData
	if err := resp.DecodeData(&d); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if d.Count != 1 {
		t.Fatalf("badge = %d", d.Count)
	}

	resp = request(t, a, bridge.TypeGetDetected, "tab-1", nil)
	if err := resp.DecodeData(&d); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if len(d.Findings) != 1 || d.Findings[0].Value != "ghp_x" {
		t.Fatalf("findings = %+v", d.Findings)
	}

	a.OnNavigationStart("tab-1")
	resp = request(t, a, bridge.TypeGetDetected, "tab-1", nil)
	if err := resp.DecodeData(&d); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if d.Count != 0 {
		t.Fatalf("navigation left badge = %d", d.Count)
	}
}

// ─── Import target resolution ────────────────────────────────────────────────

func TestImportSecret_ExplicitTarget(t *testing.T) {
	t.Parallel()
	a, dv, _ := newAgent(t)
	dv.AddProject("p1", "acme")

	resp := request(t, a, bridge.TypeImportSecret, "tab-1", bridge.ImportSecretPayload{
		Finding: enrich.Finding{
			Value:        "ghp_x",
			SuggestedKey: "GITHUB_TOKEN",
			Source:       "github.com",
			Category:     "token",
			Tags:         []string{"GitHub"},
		},
		ProjectID: "p1",
		Env:       "staging",
		Key:       "MY_TOKEN",
	})
	var r bridge.ImportResultData
	if err := resp.DecodeData(&r); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if r.ProjectID != "p1" || r.Env != "staging" || r.Key != "MY_TOKEN" {
		t.Fatalf("result = %+v", r)
	}
	if len(dv.Writes) != 1 {
		t.Fatalf("writes = %d", len(dv.Writes))
	}
	w := dv.Writes[0]
	if w.Description != "Imported from github.com via Sentinel" {
		t.Fatalf("description = %q", w.Description)
	}
	if len(w.Tags) != 1 || w.Tags[0] != "github" {
		t.Fatalf("tags = %v", w.Tags)
	}

	// The response echoes what was stored, normalization included.
	if r.Category != "token" || r.Description != w.Description {
		t.Fatalf("result echo = %+v", r)
	}
	if len(r.Tags) != 1 || r.Tags[0] != "github" {
		t.Fatalf("result tags = %v", r.Tags)
	}
}

func TestImportSecret_FallsBackToPrefs(t *testing.T) {
	t.Parallel()
	a, dv, store := newAgent(t)
	dv.AddProject("p1", "acme")
	dv.AddProject("p2", "beta")
	if err := store.SetLastUsed(context.Background(), "p2", "production"); err != nil {
		t.Fatalf("SetLastUsed: %v", err)
	}

	resp := request(t, a, bridge.TypeImportSecret, "tab-1", bridge.ImportSecretPayload{
		Finding: enrich.Finding{Value: "sk-abc", SuggestedKey: "openai api key"},
	})
	var r bridge.ImportResultData
	if err := resp.DecodeData(&r); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if r.ProjectID != "p2" || r.Env != "production" {
		t.Fatalf("result = %+v", r)
	}
	// A generated key is uppercased.
	if r.Key != "OPENAI_API_KEY" {
		t.Fatalf("key = %q", r.Key)
	}
}

func TestImportSecret_FallsBackToFirstProject(t *testing.T) {
	t.Parallel()
	a, dv, store := newAgent(t)
	dv.AddProject("p1", "acme")

	resp := request(t, a, bridge.TypeImportSecret, "tab-1", bridge.ImportSecretPayload{
		Finding: enrich.Finding{Value: "v", SuggestedKey: "K"},
	})
	var r bridge.ImportResultData
	if err := resp.DecodeData(&r); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if r.ProjectID != "p1" || r.Env != "development" {
		t.Fatalf("result = %+v", r)
	}

	// A successful import becomes the new sticky target.
	p, err := store.Get(context.Background())
	if err != nil {
		t.Fatalf("prefs.Get: %v", err)
	}
	if p.LastProjectID != "p1" || p.LastEnv != "development" {
		t.Fatalf("prefs = %+v", p)
	}
}

func TestImportSecret_NoProjects(t *testing.T) {
	t.Parallel()
	a, _, _ := newAgent(t)

	resp := request(t, a, bridge.TypeImportSecret, "tab-1", bridge.ImportSecretPayload{
		Finding: enrich.Finding{Value: "v", SuggestedKey: "K"},
	})
	if resp.OK || !strings.Contains(resp.Error, "no projects") {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestImportSecret_EmptyValue(t *testing.T) {
	t.Parallel()
	a, dv, _ := newAgent(t)
	dv.AddProject("p1", "acme")

	resp := request(t, a, bridge.TypeImportSecret, "tab-1", bridge.ImportSecretPayload{
		Finding: enrich.Finding{SuggestedKey: "K"},
	})
	if resp.OK {
		t.Fatal("empty value must be rejected")
	}
	if len(dv.Writes) != 0 {
		t.Fatal("rejected import reached the vault")
	}
}

func TestImportSecret_NoDerivableKey(t *testing.T) {
	t.Parallel()
	a, dv, _ := newAgent(t)
	dv.AddProject("p1", "acme")

	resp := request(t, a, bridge.TypeImportSecret, "tab-1", bridge.ImportSecretPayload{
		Finding: enrich.Finding{Value: "v", SuggestedKey: "!!!"},
	})
	if resp.OK || !strings.Contains(resp.Error, "key") {
		t.Fatalf("resp = %+v", resp)
	}
}

// ─── Fill index ──────────────────────────────────────────────────────────────

func TestGetFillSecrets_SpansProjectsAndEnvs(t *testing.T) {
	t.Parallel()
	a, dv, _ := newAgent(t)
	dv.AddProject("p1", "acme")
	dv.AddProject("p2", "beta")
	mustSet(t, dv, "p1", "development", "A")
	mustSet(t, dv, "p1", "production", "B")
	mustSet(t, dv, "p2", "staging", "C")

	// GET_FILL_SECRETS is an empty request.
	resp := request(t, a, bridge.TypeGetFillSecrets, "tab-1", nil)
	var d bridge.FillSecretsData
	if err := resp.DecodeData(&d); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if len(d.Secrets) != 3 {
		t.Fatalf("index = %+v", d.Secrets)
	}
	byKey := make(map[string]bridge.FillSecret)
	for _, s := range d.Secrets {
		byKey[s.Key] = s
	}
	if byKey["A"].Env != "development" || byKey["A"].ProjectName != "acme" {
		t.Fatalf("A = %+v", byKey["A"])
	}
	if byKey["C"].ProjectID != "p2" {
		t.Fatalf("C = %+v", byKey["C"])
	}
}

func TestGetFillSecrets_SkipsFailingEnv(t *testing.T) {
	t.Parallel()
	a, dv, _ := newAgent(t)
	dv.AddProject("p1", "acme")
	dv.FailOps["ListSecrets"] = true

	resp := request(t, a, bridge.TypeGetFillSecrets, "tab-1", nil)
	if !resp.OK {
		t.Fatalf("per-env failures must not fail the index: %s", resp.Error)
	}
	var d bridge.FillSecretsData
	if err := resp.DecodeData(&d); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if len(d.Secrets) != 0 {
		t.Fatalf("index = %+v", d.Secrets)
	}
}

// ─── Secret CRUD over the bridge ─────────────────────────────────────────────

func TestGetSecretValue(t *testing.T) {
	t.Parallel()
	a, dv, _ := newAgent(t)
	dv.AddProject("p1", "acme")
	mustSet(t, dv, "p1", "development", "K")

	resp := request(t, a, bridge.TypeGetSecretValue, "tab-1", bridge.SecretRefPayload{
		ProjectID: "p1", Env: "development", Key: "K",
	})
	var d bridge.SecretValueData
	if err := resp.DecodeData(&d); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if d.Value != "value-of-K" {
		t.Fatalf("value = %q", d.Value)
	}
}

func TestSetAndDeleteSecret(t *testing.T) {
	t.Parallel()
	a, dv, _ := newAgent(t)
	dv.AddProject("p1", "acme")

	resp := request(t, a, bridge.TypeSetSecret, "tab-1", bridge.SetSecretPayload{
		ProjectID: "p1", Env: "development", Key: "  spaced key  ", Value: "v",
	})
	var r bridge.ImportResultData
	if err := resp.DecodeData(&r); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if r.Key != "spaced_key" {
		t.Fatalf("key = %q", r.Key)
	}

	resp = request(t, a, bridge.TypeDeleteSecret, "tab-1", bridge.SecretRefPayload{
		ProjectID: "p1", Env: "development", Key: "spaced_key",
	})
	if !resp.OK {
		t.Fatalf("delete failed: %s", resp.Error)
	}

	resp = request(t, a, bridge.TypeGetSecretValue, "tab-1", bridge.SecretRefPayload{
		ProjectID: "p1", Env: "development", Key: "spaced_key",
	})
	if resp.OK {
		t.Fatal("deleted secret still readable")
	}
}

// ─── Prefs over the bridge ───────────────────────────────────────────────────

func TestUserPrefsRoundTrip(t *testing.T) {
	t.Parallel()
	a, _, _ := newAgent(t)

	resp := request(t, a, bridge.TypeSetUserPrefs, "", bridge.UserPrefsPayload{
		LastProjectID: "p9", LastEnv: "staging",
	})
	if !resp.OK {
		t.Fatalf("set prefs: %s", resp.Error)
	}

	resp = request(t, a, bridge.TypeGetUserPrefs, "", nil)
	var p bridge.UserPrefsPayload
	if err := resp.DecodeData(&p); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if p.LastProjectID != "p9" || p.LastEnv != "staging" {
		t.Fatalf("prefs = %+v", p)
	}
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()
	a, _, _ := newAgent(t)

	resp := request(t, a, bridge.TypeHealthCheck, "", nil)
	var h vault.Health
	if err := resp.DecodeData(&h); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if h.Status != "healthy" {
		t.Fatalf("health = %+v", h)
	}
}

func mustSet(t *testing.T, dv *testutil.DummyVault, projectID, env, key string) {
	t.Helper()
	if err := dv.SetSecret(context.Background(), projectID, env, vault.SecretWrite{
		Key: key, Value: "value-of-" + key,
	}); err != nil {
		t.Fatalf("SetSecret: %v", err)
	}
}
