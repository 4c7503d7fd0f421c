// Package fill offers vault secrets to credential inputs: a hint near an
// eligible empty field, a picker overlay that injects a chosen secret, and an
// import composer that stores a selected text span. All state lives in one
// Controller per page view and every transition runs on the scan loop, so
// responses arriving after the overlay closed are dropped by a generation
// check instead of racing it.
package fill

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/achilleshq/sentinel/internal/bridge"
	"github.com/achilleshq/sentinel/internal/dom"
	"github.com/achilleshq/sentinel/internal/enrich"
	"github.com/achilleshq/sentinel/internal/logging"
	"github.com/achilleshq/sentinel/internal/scanner"
)

// State of the fill UI for one page view.
type State int

const (
	StateNoHint State = iota
	StateHintShown
	StatePickerOpen
	StateFilling
	StateImportOpen
)

func (s State) String() string {
	switch s {
	case StateNoHint:
		return "no-hint"
	case StateHintShown:
		return "hint-shown"
	case StatePickerOpen:
		return "picker-open"
	case StateFilling:
		return "filling"
	case StateImportOpen:
		return "import-open"
	}
	return "unknown"
}

// pageRule is one allow-list entry: exact host plus a path pattern.
type pageRule struct {
	host string
	path *regexp.Regexp
}

// allowedPages is the fixed set of token/secret-management pages where the
// fill hint may appear at all.
var allowedPages = []pageRule{
	{"github.com", regexp.MustCompile(`^/settings/tokens`)},
	{"gitlab.com", regexp.MustCompile(`^/-/(user_settings|profile)/personal_access_tokens`)},
	{"console.anthropic.com", regexp.MustCompile(`^/settings/keys`)},
	{"platform.openai.com", regexp.MustCompile(`^/(api-keys|settings/organization/api-keys)`)},
	{"console.aws.amazon.com", regexp.MustCompile(`^/iam/`)},
	{"console.cloud.google.com", regexp.MustCompile(`^/apis/credentials`)},
}

// PageAllowed reports whether u is on the fill allow-list. The host check
// ignores a www prefix.
func PageAllowed(u *url.URL) bool {
	if u == nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	for _, rule := range allowedPages {
		if host == rule.host && rule.path.MatchString(u.Path) {
			return true
		}
	}
	return false
}

// quotedSelection strips one layer of matching quotes.
var quotedSelection = regexp.MustCompile("^\\s*([\"'`])(.*)([\"'`])\\s*$")

// assignmentPrefix recognizes `NAME =` / `export NAME:` at the front of a
// selection.
var assignmentPrefix = regexp.MustCompile(`^\s*(?:export\s+)?([A-Za-z_][A-Za-z0-9_.-]{0,63})\s*[:=]\s*`)

// NormalizeSelection turns a raw text selection into (suggestedKey, value):
// surrounding quotes are stripped and a leading NAME= assignment becomes the
// suggested key.
func NormalizeSelection(raw string) (key, value string) {
	value = strings.TrimSpace(raw)
	if m := assignmentPrefix.FindStringSubmatch(value); m != nil {
		key = m[1]
		value = value[len(m[0]):]
	}
	if m := quotedSelection.FindStringSubmatch(value); m != nil && m[1] == m[3] {
		value = m[2]
	}
	return key, strings.TrimSpace(value)
}

// ImportDraft is the composer's working state.
type ImportDraft struct {
	Key       string
	Value     string
	ProjectID string
	Env       string
	Category  string
	Tags      []string
}

// Config holds fill tunables.
type Config struct {
	// ConfirmDelay keeps the composer open after a successful import so the
	// confirmation is visible. Zero means 1s.
	ConfirmDelay time.Duration
}

// DefaultConfig returns the default fill configuration.
func DefaultConfig() Config {
	return Config{ConfirmDelay: time.Second}
}

// timerImportClose names the post-import close timer on the loop.
const timerImportClose = "fill-import-close"

// Controller runs the fill state machine over one page view.
type Controller struct {
	cfg    Config
	logger logging.Logger
	loop   *scanner.Loop
	bridge bridge.Bridge
	tabID  string

	page   *dom.Page
	state  State
	target *html.Node

	rightClickTarget *html.Node
	focused          *html.Node

	// generation invalidates in-flight bridge responses: every transition
	// bumps it, responses carrying an older value are dropped.
	generation uint64

	choices []bridge.FillSecret
	draft   *ImportDraft
	status  string
}

// NewController constructs a fill controller speaking over b for the given
// tab.
func NewController(cfg Config, b bridge.Bridge, tabID string, loop *scanner.Loop, logger logging.Logger) (*Controller, error) {
	if b == nil {
		return nil, fmt.Errorf("fill: nil bridge")
	}
	if loop == nil {
		return nil, fmt.Errorf("fill: nil loop")
	}
	if cfg.ConfirmDelay <= 0 {
		cfg.ConfirmDelay = DefaultConfig().ConfirmDelay
	}
	if logger == nil {
		logger = logging.NewStdoutLogger("fill")
	}
	return &Controller{
		cfg:    cfg,
		logger: logger.With(logging.Field{Key: "component", Value: "fill"}),
		loop:   loop,
		bridge: b,
		tabID:  tabID,
	}, nil
}

// State returns the current UI state.
func (c *Controller) State() State { return c.state }

// Status returns the overlay's status line, usually the last error.
func (c *Controller) Status() string { return c.status }

// Target returns the current hint target, if any.
func (c *Controller) Target() *html.Node { return c.target }

// Choices returns the picker's secret index.
func (c *Controller) Choices() []bridge.FillSecret { return c.choices }

// Draft returns the import composer's working state.
func (c *Controller) Draft() *ImportDraft { return c.draft }

// SetPage resets the controller over a newly loaded page.
func (c *Controller) SetPage(p *dom.Page) {
	c.page = p
	c.state = StateNoHint
	c.target = nil
	c.rightClickTarget = nil
	c.focused = nil
	c.choices = nil
	c.draft = nil
	c.status = ""
	c.generation++
}

// SetRightClickTarget records the element behind the last context-menu
// action; it takes top priority in target resolution.
func (c *Controller) SetRightClickTarget(el *html.Node) {
	c.rightClickTarget = el
}

// SetFocused records the currently focused element.
func (c *Controller) SetFocused(el *html.Node) {
	c.focused = el
}

// RefreshHint re-resolves the hint target. Only meaningful while no overlay
// is open.
func (c *Controller) RefreshHint() {
	if c.state != StateNoHint && c.state != StateHintShown {
		return
	}
	c.target = c.resolveTarget()
	if c.target != nil {
		c.state = StateHintShown
	} else {
		c.state = StateNoHint
	}
}

// resolveTarget applies the priority order: right-click target, focused
// element, then a document-wide scan for the first eligible field.
func (c *Controller) resolveTarget() *html.Node {
	if c.page == nil {
		return nil
	}
	if c.rightClickTarget != nil && c.page.Attached(c.rightClickTarget) && c.Eligible(c.rightClickTarget) {
		return c.rightClickTarget
	}
	if c.focused != nil && c.page.Attached(c.focused) && c.Eligible(c.focused) {
		return c.focused
	}
	for _, el := range c.page.ValueElements() {
		if c.Eligible(el) {
			return el
		}
	}
	return nil
}

// Eligible reports whether el may receive a fill: an empty, visible,
// writable editable on an allow-listed page, in credential context. The
// stricter fill keyword set excludes password fields so login forms never
// get a hint.
func (c *Controller) Eligible(el *html.Node) bool {
	if c.page == nil || el == nil || el.Type != html.ElementNode {
		return false
	}
	if !PageAllowed(c.page.URL) {
		return false
	}
	if !editable(el) || dom.HasAttr(el, "disabled") || dom.HasAttr(el, "readonly") {
		return false
	}
	if !visible(el) {
		return false
	}
	if strings.TrimSpace(dom.ElementValue(el)) != "" {
		return false
	}
	return c.page.HasContext(el, dom.FillContext)
}

func editable(el *html.Node) bool {
	switch el.Data {
	case "input", "textarea":
		return true
	}
	return dom.HasAttr(el, "contenteditable") && dom.Attr(el, "contenteditable") != "false"
}

func visible(el *html.Node) bool {
	if el.Data == "input" && dom.Attr(el, "type") == "hidden" {
		return false
	}
	for n := el; n != nil; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		if dom.HasAttr(n, "hidden") {
			return false
		}
		style := strings.ToLower(dom.Attr(n, "style"))
		if strings.Contains(style, "display:none") || strings.Contains(style, "display: none") ||
			strings.Contains(style, "visibility:hidden") || strings.Contains(style, "visibility: hidden") {
			return false
		}
	}
	return true
}

// OpenPicker transitions HintShown → PickerOpen and requests the fill index.
// The response is applied on the loop only if no newer transition happened.
func (c *Controller) OpenPicker(ctx context.Context) error {
	if c.state != StateHintShown {
		return fmt.Errorf("fill: picker requires a hint target, state is %s", c.state)
	}
	c.state = StatePickerOpen
	c.choices = nil
	c.status = ""
	c.generation++
	gen := c.generation

	msg, err := bridge.NewMessage(bridge.TypeGetFillSecrets, c.tabID, nil)
	if err != nil {
		return err
	}
	go func() {
		resp, err := c.bridge.Request(ctx, msg)
		c.loop.Post(func() {
			if c.generation != gen {
				return
			}
			if err != nil {
				c.status = err.Error()
				return
			}
			var data bridge.FillSecretsData
			if err := resp.DecodeData(&data); err != nil {
				c.status = err.Error()
				return
			}
			c.choices = data.Secrets
		})
	}()
	return nil
}

// PickSecret fetches the chosen secret's value and writes it into the
// target. A failed fetch keeps the picker open with the error in the status
// line and leaves the target untouched.
func (c *Controller) PickSecret(ctx context.Context, choice bridge.FillSecret) error {
	if c.state != StatePickerOpen {
		return fmt.Errorf("fill: no picker open, state is %s", c.state)
	}
	c.state = StateFilling
	c.generation++
	gen := c.generation

	msg, err := bridge.NewMessage(bridge.TypeGetSecretValue, c.tabID, bridge.SecretRefPayload{
		ProjectID: choice.ProjectID,
		Env:       choice.Env,
		Key:       choice.Key,
	})
	if err != nil {
		return err
	}
	go func() {
		resp, err := c.bridge.Request(ctx, msg)
		c.loop.Post(func() {
			if c.generation != gen {
				return
			}
			if err != nil {
				c.state = StatePickerOpen
				c.status = err.Error()
				return
			}
			var data bridge.SecretValueData
			if err := resp.DecodeData(&data); err != nil {
				c.state = StatePickerOpen
				c.status = err.Error()
				return
			}
			c.applyFill(data.Value)
		})
	}()
	return nil
}

// applyFill writes value into the target if it is still attached, then
// returns to the hint state. A detached target drops the write silently.
func (c *Controller) applyFill(value string) {
	if c.target != nil && c.page.Attached(c.target) {
		dom.SetElementValue(c.target, value)
		c.logger.Info("filled secret into page field",
			logging.Field{Key: "host", Value: c.page.Hostname()})
	} else {
		c.logger.Debug("fill target detached, write dropped")
	}
	c.state = StateNoHint
	c.status = ""
	c.generation++
	c.RefreshHint()
}

// ClosePicker abandons the picker (or an in-flight fill) and re-resolves the
// hint.
func (c *Controller) ClosePicker() {
	if c.state != StatePickerOpen && c.state != StateFilling {
		return
	}
	c.state = StateNoHint
	c.choices = nil
	c.status = ""
	c.generation++
	c.RefreshHint()
}

// OpenImport opens the composer over a raw text selection. It is mutually
// exclusive with the picker, and an empty selection is rejected before any
// bridge traffic.
func (c *Controller) OpenImport(selection string) error {
	if c.state == StatePickerOpen || c.state == StateFilling {
		return fmt.Errorf("fill: picker is open")
	}
	key, value := NormalizeSelection(selection)
	if value == "" {
		return fmt.Errorf("fill: empty selection")
	}
	c.state = StateImportOpen
	c.status = ""
	c.generation++
	c.draft = &ImportDraft{
		Key:      key,
		Value:    value,
		Env:      "development",
		Category: "secret",
	}
	return nil
}

// SubmitImport persists the draft through the agent. On success the composer
// stays open for the confirmation delay, then closes.
func (c *Controller) SubmitImport(ctx context.Context) error {
	if c.state != StateImportOpen || c.draft == nil {
		return fmt.Errorf("fill: no import open, state is %s", c.state)
	}
	if c.draft.Value == "" {
		return fmt.Errorf("fill: empty value")
	}
	c.generation++
	gen := c.generation

	pageURL := ""
	hostname := ""
	if c.page != nil {
		pageURL = c.page.URL.String()
		hostname = c.page.Hostname()
	}
	msg, err := bridge.NewMessage(bridge.TypeImportSecret, c.tabID, bridge.ImportSecretPayload{
		Finding: enrich.Finding{
			Value:        c.draft.Value,
			Type:         "Imported selection",
			Source:       hostname,
			Category:     c.draft.Category,
			Tags:         c.draft.Tags,
			SuggestedKey: c.draft.Key,
			PageURL:      pageURL,
			DetectedAt:   time.Now().UTC(),
		},
		ProjectID: c.draft.ProjectID,
		Env:       c.draft.Env,
		Key:       c.draft.Key,
	})
	if err != nil {
		return err
	}
	go func() {
		resp, err := c.bridge.Request(ctx, msg)
		c.loop.Post(func() {
			if c.generation != gen {
				return
			}
			if err != nil {
				c.status = err.Error()
				return
			}
			if !resp.OK {
				c.status = resp.Error
				return
			}
			c.status = "imported"
			c.loop.Debounce(timerImportClose, c.cfg.ConfirmDelay, func() {
				if c.generation != gen {
					return
				}
				c.CloseImport()
			})
		})
	}()
	return nil
}

// CloseImport abandons or finishes the composer.
func (c *Controller) CloseImport() {
	if c.state != StateImportOpen {
		return
	}
	c.state = StateNoHint
	c.draft = nil
	c.status = ""
	c.generation++
	c.RefreshHint()
}
