package fill_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/html"

	"github.com/achilleshq/sentinel/internal/bridge"
	"github.com/achilleshq/sentinel/internal/dom"
	"github.com/achilleshq/sentinel/internal/fill"
	"github.com/achilleshq/sentinel/internal/scanner"
	"github.com/achilleshq/sentinel/internal/testutil"
)

const tokenPage = "https://github.com/settings/tokens/new"

// stubBridge answers bridge requests from canned responses, recording each
// message.
type stubBridge struct {
	Responses map[bridge.Type]*bridge.Response
	Errs      map[bridge.Type]error

	mu       sync.Mutex
	requests []bridge.Message
}

func (b *stubBridge) Request(ctx context.Context, m bridge.Message) (*bridge.Response, error) {
	b.mu.Lock()
	b.requests = append(b.requests, m)
	b.mu.Unlock()
	if err := b.Errs[m.Type]; err != nil {
		return nil, err
	}
	if resp := b.Responses[m.Type]; resp != nil {
		return resp, nil
	}
	return &bridge.Response{OK: true, Data: []byte(`{}`)}, nil
}

func (b *stubBridge) Notify(m bridge.Message) error {
	b.mu.Lock()
	b.requests = append(b.requests, m)
	b.mu.Unlock()
	return nil
}

func (b *stubBridge) sent(t bridge.Type) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.requests {
		if m.Type == t {
			n++
		}
	}
	return n
}

func okResponse(t *testing.T, data any) *bridge.Response {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &bridge.Response{OK: true, Data: raw}
}

func newController(t *testing.T, b bridge.Bridge) (*fill.Controller, *scanner.Loop) {
	t.Helper()
	loop := scanner.NewLoop()
	c, err := fill.NewController(fill.Config{ConfirmDelay: time.Millisecond}, b, "tab-1", loop, &testutil.DummyLogger{})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return c, loop
}

func loadTokenPage(t *testing.T, c *fill.Controller, body string) *dom.Page {
	t.Helper()
	p, err := dom.ParseString(body, tokenPage)
	if err != nil {
		t.Fatalf("ParseString: %v", err)
	}
	c.SetPage(p)
	return p
}

const tokenInputPage = `<html><body>
<label for="t">API token</label>
<input id="t" name="token">
</body></html>`

// drainUntil drives the loop until cond holds or the deadline passes.
func drainUntil(t *testing.T, loop *scanner.Loop, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		loop.RunUntilIdle()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never reached")
}

// ─── Page allow-list ─────────────────────────────────────────────────────────

func TestPageAllowed(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw  string
		want bool
	}{
		{"https://github.com/settings/tokens", true},
		{"https://github.com/settings/tokens/new", true},
		{"https://www.github.com/settings/tokens", true},
		{"https://github.com/octocat/repo", false},
		{"https://gitlab.com/-/user_settings/personal_access_tokens", true},
		{"https://gitlab.com/-/profile/personal_access_tokens", true},
		{"https://console.anthropic.com/settings/keys", true},
		{"https://platform.openai.com/api-keys", true},
		{"https://console.aws.amazon.com/iam/home", true},
		{"https://console.cloud.google.com/apis/credentials", true},
		{"https://evil.example.com/settings/tokens", false},
		{"https://github.com.evil.example/settings/tokens", false},
	}
	for _, tc := range cases {
		u, err := url.Parse(tc.raw)
		if err != nil {
			t.Fatalf("parse %s: %v", tc.raw, err)
		}
		if got := fill.PageAllowed(u); got != tc.want {
			t.Errorf("PageAllowed(%s) = %v", tc.raw, got)
		}
	}
}

// ─── Selection normalization ─────────────────────────────────────────────────

func TestNormalizeSelection(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw, key, value string
	}{
		{"sk-abc123", "", "sk-abc123"},
		{"  sk-abc123  ", "", "sk-abc123"},
		{`"sk-abc123"`, "", "sk-abc123"},
		{"'sk-abc123'", "", "sk-abc123"},
		{"API_KEY=sk-abc123", "API_KEY", "sk-abc123"},
		{"API_KEY = sk-abc123", "API_KEY", "sk-abc123"},
		{"export API_KEY=sk-abc123", "API_KEY", "sk-abc123"},
		{`DATABASE_URL: "postgres://u:p@host/db"`, "DATABASE_URL", "postgres://u:p@host/db"},
		{`TOKEN='ghp_x'`, "TOKEN", "ghp_x"},
	}
	for _, tc := range cases {
		key, value := fill.NormalizeSelection(tc.raw)
		if key != tc.key || value != tc.value {
			t.Errorf("NormalizeSelection(%q) = (%q, %q), want (%q, %q)", tc.raw, key, value, tc.key, tc.value)
		}
	}
}

// ─── Eligibility ─────────────────────────────────────────────────────────────

func TestEligible(t *testing.T) {
	t.Parallel()
	c, _ := newController(t, &stubBridge{})

	cases := []struct {
		name string
		body string
		want bool
	}{
		{"labelled token input", tokenInputPage, true},
		{"password field excluded", `<html><body><label for="p">Password</label><input id="p" type="password"></body></html>`, false},
		{"prefilled input", `<html><body><label for="t">API token</label><input id="t" value="already-set"></body></html>`, false},
		{"disabled input", `<html><body><label for="t">API token</label><input id="t" disabled></body></html>`, false},
		{"readonly input", `<html><body><label for="t">API token</label><input id="t" readonly></body></html>`, false},
		{"hidden type", `<html><body><label for="t">API token</label><input id="t" type="hidden"></body></html>`, false},
		{"hidden ancestor", `<html><body><div style="display: none"><label for="t">API token</label><input id="t"></div></body></html>`, false},
		{"no credential context", `<html><body><label for="q">Search</label><input id="q"></body></html>`, false},
		{"textarea with secret placeholder", `<html><body><textarea placeholder="paste your secret key"></textarea></body></html>`, true},
	}
	for _, tc := range cases {
		p := loadTokenPage(t, c, tc.body)
		el := firstField(p)
		if el == nil {
			t.Fatalf("%s: no field found", tc.name)
		}
		if got := c.Eligible(el); got != tc.want {
			t.Errorf("%s: Eligible = %v", tc.name, got)
		}
	}
}

func TestEligible_DisallowedPage(t *testing.T) {
	t.Parallel()
	c, _ := newController(t, &stubBridge{})
	p, err := dom.ParseString(tokenInputPage, "https://example.com/login")
	if err != nil {
		t.Fatalf("ParseString: %v", err)
	}
	c.SetPage(p)
	if c.Eligible(firstField(p)) {
		t.Fatal("field on a non-allow-listed page must not be eligible")
	}
}

func firstField(p *dom.Page) *html.Node {
	els := p.ValueElements()
	if len(els) == 0 {
		return nil
	}
	return els[0]
}

// ─── Hint resolution ─────────────────────────────────────────────────────────

func TestRefreshHint_FindsTarget(t *testing.T) {
	t.Parallel()
	c, _ := newController(t, &stubBridge{})
	loadTokenPage(t, c, tokenInputPage)

	c.RefreshHint()
	if c.State() != fill.StateHintShown || c.Target() == nil {
		t.Fatalf("state=%s target=%v", c.State(), c.Target())
	}
}

func TestRefreshHint_NoEligibleField(t *testing.T) {
	t.Parallel()
	c, _ := newController(t, &stubBridge{})
	loadTokenPage(t, c, `<html><body><p>nothing to fill</p></body></html>`)

	c.RefreshHint()
	if c.State() != fill.StateNoHint {
		t.Fatalf("state = %s", c.State())
	}
}

func TestRefreshHint_RightClickTargetWins(t *testing.T) {
	t.Parallel()
	c, _ := newController(t, &stubBridge{})
	p := loadTokenPage(t, c, `<html><body>
<label for="a">API token</label><input id="a">
<label for="b">Secret key</label><input id="b">
</body></html>`)

	els := p.ValueElements()
	if len(els) != 2 {
		t.Fatalf("fields = %d", len(els))
	}
	c.SetRightClickTarget(els[1])
	c.RefreshHint()
	if c.Target() != els[1] {
		t.Fatal("right-click target should take priority")
	}
}

// ─── Picker flow ─────────────────────────────────────────────────────────────

func TestOpenPicker_LoadsChoices(t *testing.T) {
	t.Parallel()
	b := &stubBridge{Responses: map[bridge.Type]*bridge.Response{}}
	c, loop := newController(t, b)
	loadTokenPage(t, c, tokenInputPage)
	c.RefreshHint()

	b.Responses[bridge.TypeGetFillSecrets] = okResponse(t, bridge.FillSecretsData{
		Secrets: []bridge.FillSecret{{Key: "GITHUB_TOKEN", Env: "development", ProjectID: "p1", ProjectName: "demo"}},
	})
	if err := c.OpenPicker(context.Background()); err != nil {
		t.Fatalf("OpenPicker: %v", err)
	}
	if c.State() != fill.StatePickerOpen {
		t.Fatalf("state = %s", c.State())
	}
	drainUntil(t, loop, func() bool { return len(c.Choices()) == 1 })
	if c.Choices()[0].Key != "GITHUB_TOKEN" {
		t.Fatalf("choices = %+v", c.Choices())
	}
}

func TestOpenPicker_RequiresHint(t *testing.T) {
	t.Parallel()
	c, _ := newController(t, &stubBridge{})
	loadTokenPage(t, c, `<html><body><p>no fields</p></body></html>`)
	c.RefreshHint()

	if err := c.OpenPicker(context.Background()); err == nil {
		t.Fatal("picker without a hint target must fail")
	}
}

func TestPickSecret_FillsTarget(t *testing.T) {
	t.Parallel()
	b := &stubBridge{Responses: map[bridge.Type]*bridge.Response{}}
	c, loop := newController(t, b)
	loadTokenPage(t, c, tokenInputPage)
	c.RefreshHint()
	target := c.Target()

	b.Responses[bridge.TypeGetFillSecrets] = okResponse(t, bridge.FillSecretsData{
		Secrets: []bridge.FillSecret{{Key: "GITHUB_TOKEN", Env: "development", ProjectID: "p1"}},
	})
	b.Responses[bridge.TypeGetSecretValue] = okResponse(t, bridge.SecretValueData{Value: "ghp_filled"})

	if err := c.OpenPicker(context.Background()); err != nil {
		t.Fatalf("OpenPicker: %v", err)
	}
	drainUntil(t, loop, func() bool { return len(c.Choices()) == 1 })

	if err := c.PickSecret(context.Background(), c.Choices()[0]); err != nil {
		t.Fatalf("PickSecret: %v", err)
	}
	drainUntil(t, loop, func() bool { return c.State() != fill.StateFilling })

	if got := dom.ElementValue(target); got != "ghp_filled" {
		t.Fatalf("target value = %q", got)
	}
	// The field is no longer empty, so the hint moved on.
	if c.Target() == target {
		t.Fatal("hint still points at the filled field")
	}
}

func TestPickSecret_FailedFetchKeepsPickerOpen(t *testing.T) {
	t.Parallel()
	b := &stubBridge{
		Responses: map[bridge.Type]*bridge.Response{},
		Errs:      map[bridge.Type]error{bridge.TypeGetSecretValue: fmt.Errorf("vault down")},
	}
	c, loop := newController(t, b)
	loadTokenPage(t, c, tokenInputPage)
	c.RefreshHint()
	target := c.Target()

	b.Responses[bridge.TypeGetFillSecrets] = okResponse(t, bridge.FillSecretsData{
		Secrets: []bridge.FillSecret{{Key: "K", Env: "development", ProjectID: "p1"}},
	})
	if err := c.OpenPicker(context.Background()); err != nil {
		t.Fatalf("OpenPicker: %v", err)
	}
	drainUntil(t, loop, func() bool { return len(c.Choices()) == 1 })

	if err := c.PickSecret(context.Background(), c.Choices()[0]); err != nil {
		t.Fatalf("PickSecret: %v", err)
	}
	drainUntil(t, loop, func() bool { return c.State() == fill.StatePickerOpen })

	if c.Status() == "" {
		t.Fatal("status line should carry the error")
	}
	if got := dom.ElementValue(target); got != "" {
		t.Fatalf("failed fetch wrote %q into the target", got)
	}
}

func TestClosePicker_RestoresHint(t *testing.T) {
	t.Parallel()
	b := &stubBridge{Responses: map[bridge.Type]*bridge.Response{}}
	c, loop := newController(t, b)
	loadTokenPage(t, c, tokenInputPage)
	c.RefreshHint()

	b.Responses[bridge.TypeGetFillSecrets] = okResponse(t, bridge.FillSecretsData{
		Secrets: []bridge.FillSecret{{Key: "K"}},
	})
	if err := c.OpenPicker(context.Background()); err != nil {
		t.Fatalf("OpenPicker: %v", err)
	}
	c.ClosePicker()
	if c.State() != fill.StateHintShown {
		t.Fatalf("state = %s", c.State())
	}

	// The picker response arriving after close must be dropped.
	drainUntil(t, loop, func() bool { return b.sent(bridge.TypeGetFillSecrets) == 1 })
	time.Sleep(10 * time.Millisecond)
	loop.RunUntilIdle()
	if len(c.Choices()) != 0 {
		t.Fatal("stale picker response was applied")
	}
}

func TestSetPage_InvalidatesInFlightResponses(t *testing.T) {
	t.Parallel()
	b := &stubBridge{Responses: map[bridge.Type]*bridge.Response{}}
	c, loop := newController(t, b)
	loadTokenPage(t, c, tokenInputPage)
	c.RefreshHint()

	b.Responses[bridge.TypeGetFillSecrets] = okResponse(t, bridge.FillSecretsData{
		Secrets: []bridge.FillSecret{{Key: "K"}},
	})
	if err := c.OpenPicker(context.Background()); err != nil {
		t.Fatalf("OpenPicker: %v", err)
	}
	loadTokenPage(t, c, tokenInputPage) // navigation while the request is in flight

	drainUntil(t, loop, func() bool { return b.sent(bridge.TypeGetFillSecrets) == 1 })
	time.Sleep(10 * time.Millisecond)
	loop.RunUntilIdle()
	if c.State() != fill.StateNoHint || len(c.Choices()) != 0 {
		t.Fatalf("stale response crossed a navigation: state=%s choices=%d", c.State(), len(c.Choices()))
	}
}

// ─── Import flow ─────────────────────────────────────────────────────────────

func TestOpenImport_ParsesSelection(t *testing.T) {
	t.Parallel()
	c, _ := newController(t, &stubBridge{})
	loadTokenPage(t, c, tokenInputPage)

	if err := c.OpenImport(`export STRIPE_KEY="sk_live_abc"`); err != nil {
		t.Fatalf("OpenImport: %v", err)
	}
	d := c.Draft()
	if c.State() != fill.StateImportOpen || d == nil {
		t.Fatalf("state = %s", c.State())
	}
	if d.Key != "STRIPE_KEY" || d.Value != "sk_live_abc" || d.Env != "development" || d.Category != "secret" {
		t.Fatalf("draft = %+v", d)
	}
}

func TestOpenImport_EmptySelection(t *testing.T) {
	t.Parallel()
	c, _ := newController(t, &stubBridge{})
	loadTokenPage(t, c, tokenInputPage)

	if err := c.OpenImport("   "); err == nil {
		t.Fatal("empty selection must be rejected")
	}
	if c.State() != fill.StateNoHint {
		t.Fatalf("state = %s", c.State())
	}
}

func TestOpenImport_ExclusiveWithPicker(t *testing.T) {
	t.Parallel()
	c, _ := newController(t, &stubBridge{})
	loadTokenPage(t, c, tokenInputPage)
	c.RefreshHint()
	if err := c.OpenPicker(context.Background()); err != nil {
		t.Fatalf("OpenPicker: %v", err)
	}

	if err := c.OpenImport("sk-abc"); err == nil {
		t.Fatal("composer must not open over the picker")
	}
}

func TestSubmitImport_SuccessClosesAfterDelay(t *testing.T) {
	t.Parallel()
	b := &stubBridge{Responses: map[bridge.Type]*bridge.Response{
		bridge.TypeImportSecret: okResponse(t, bridge.ImportResultData{ProjectID: "p1", Env: "development", Key: "STRIPE_KEY"}),
	}}
	c, loop := newController(t, b)
	loadTokenPage(t, c, tokenInputPage)

	if err := c.OpenImport("STRIPE_KEY=sk_live_abc"); err != nil {
		t.Fatalf("OpenImport: %v", err)
	}
	if err := c.SubmitImport(context.Background()); err != nil {
		t.Fatalf("SubmitImport: %v", err)
	}
	drainUntil(t, loop, func() bool { return c.Status() == "imported" })
	drainUntil(t, loop, func() bool { return c.State() != fill.StateImportOpen })

	if c.Draft() != nil {
		t.Fatal("draft should be cleared after close")
	}

	if b.sent(bridge.TypeImportSecret) != 1 {
		t.Fatal("no IMPORT_SECRET request sent")
	}
}

func TestSubmitImport_ErrorStaysOpen(t *testing.T) {
	t.Parallel()
	b := &stubBridge{Responses: map[bridge.Type]*bridge.Response{
		bridge.TypeImportSecret: {OK: false, Error: "no projects in vault, create one first"},
	}}
	c, loop := newController(t, b)
	loadTokenPage(t, c, tokenInputPage)

	if err := c.OpenImport("sk-abc"); err != nil {
		t.Fatalf("OpenImport: %v", err)
	}
	if err := c.SubmitImport(context.Background()); err != nil {
		t.Fatalf("SubmitImport: %v", err)
	}
	drainUntil(t, loop, func() bool { return c.Status() != "" })

	if c.State() != fill.StateImportOpen {
		t.Fatalf("state = %s", c.State())
	}
	if c.Status() != "no projects in vault, create one first" {
		t.Fatalf("status = %q", c.Status())
	}
}
