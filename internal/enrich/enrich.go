// Package enrich turns raw matches into classified Findings: platform source,
// secret category, a suggested storage key recovered from assignment-shaped
// surrounding text, and, on recognized token-creation pages, the token name
// and permission scopes the user selected.
package enrich

import (
	"regexp"
	"strings"
	"time"

	"github.com/achilleshq/sentinel/internal/dom"
	"github.com/achilleshq/sentinel/internal/logging"
	"github.com/achilleshq/sentinel/internal/match"
	"github.com/achilleshq/sentinel/internal/rules"
)

// Finding is an enriched, classified detection. Immutable once built.
type Finding struct {
	Value        string    `json:"value"`
	Type         string    `json:"type"`
	Source       string    `json:"source"`
	Category     string    `json:"category"`
	Tags         []string  `json:"tags"`
	SuggestedKey string    `json:"suggested_key,omitempty"`
	TokenName    string    `json:"token_name,omitempty"`
	Permissions  []string  `json:"permissions,omitempty"`
	PageURL      string    `json:"page_url"`
	DetectedAt   time.Time `json:"detected_at"`
}

// maxScopeTags bounds how many scope:<name> tags one finding may carry.
const maxScopeTags = 8

// platformScopes is the fixed vocabulary of permission-scope names looked up
// on a platform's token-creation page.
var platformScopes = map[string][]string{
	"github": {
		"repo", "workflow", "write:packages", "read:packages",
		"admin:org", "read:org", "gist", "notifications", "user",
		"delete_repo", "admin:repo_hook", "project",
	},
	"gitlab": {
		"api", "read_api", "read_user", "read_repository",
		"write_repository", "read_registry", "write_registry", "sudo",
	},
}

// assignmentSuffix recognizes `NAME =` / `NAME:` immediately before a matched
// value in its surrounding text.
var assignmentSuffix = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_.-]{0,63})\s*[:=]\s*(?:export\s+)?["']?$`)

// tokenNameField recognizes the token-name input on token-creation pages.
var tokenNameField = regexp.MustCompile(`(?i)(?:token|key)[ _-]?name|^note$|description`)

// nonKeyChars is everything replaced by underscores when deriving a key from
// a rule display name.
var nonKeyChars = regexp.MustCompile(`[^A-Za-z0-9]+`)

// Engine enriches candidates. It never fails: a missing signal simply leaves
// the corresponding optional field empty.
type Engine struct {
	logger logging.Logger
}

// NewEngine constructs an Engine.
func NewEngine(logger logging.Logger) *Engine {
	return &Engine{logger: logger.With(logging.Field{Key: "component", Value: "enrich"})}
}

// Enrich classifies one candidate against its page.
func (e *Engine) Enrich(c match.Candidate, page *dom.Page) Finding {
	f := Finding{
		Value:      c.Value,
		Type:       c.Rule.DisplayName,
		PageURL:    page.URL.String(),
		DetectedAt: time.Now().UTC(),
	}

	// 1. Source: the rule's platform hint, else the page's hostname.
	f.Source = c.Rule.Platform
	if f.Source == "" {
		f.Source = page.Hostname()
	}

	// 2. Category from the rule, else from rule-type keywords.
	f.Category = c.Rule.DefaultCategory
	if f.Category == "" {
		f.Category = inferCategory(c.Rule)
	}

	// 3. Seed tags.
	f.Tags = []string{"source:" + f.Source}

	// 4. Assignment key from surrounding text.
	if key := assignmentKey(c.Surrounding, c.Value); key != "" {
		f.SuggestedKey = key
		f.Tags = append(f.Tags, "kind:env_var")
	}

	// 5. Platform token-page enrichment.
	if scopes, ok := platformScopes[c.Rule.Platform]; ok {
		name, granted := tokenPageDetails(page, scopes)
		if name != "" {
			f.TokenName = name
		}
		if len(granted) > 0 {
			f.Permissions = granted
			for _, s := range granted {
				f.Tags = append(f.Tags, "scope:"+s)
			}
			f.Category = rules.CategoryToken
		}
	}

	// 6. Fallback key from the rule's display name.
	if f.SuggestedKey == "" {
		f.SuggestedKey = fallbackKey(c.Rule.DisplayName)
	}

	return f
}

func inferCategory(r *rules.Rule) string {
	name := strings.ToLower(r.DisplayName + " " + r.ID)
	switch {
	case strings.Contains(name, "token"), strings.Contains(name, "pat"), strings.Contains(name, "jwt"):
		return rules.CategoryToken
	case strings.Contains(name, "api"), strings.Contains(name, "access"):
		return rules.CategoryAPIKey
	default:
		return rules.CategorySecret
	}
}

// assignmentKey finds a `NAME = value` / `NAME: value` shape around the match
// and proposes NAME as the storage key.
func assignmentKey(surrounding, value string) string {
	idx := strings.Index(surrounding, value)
	if idx <= 0 {
		return ""
	}
	m := assignmentSuffix.FindStringSubmatch(surrounding[:idx])
	if m == nil {
		return ""
	}
	return m[1]
}

// tokenPageDetails pulls the token-name input value and any checked scopes
// from a token-creation page. Scope count is bounded by maxScopeTags.
func tokenPageDetails(page *dom.Page, vocabulary []string) (string, []string) {
	var name string
	for _, n := range page.ValueElements() {
		hint := dom.Attr(n, "name") + " " + dom.Attr(n, "id") + " " + dom.Attr(n, "placeholder") + " " + dom.Attr(n, "aria-label")
		if tokenNameField.MatchString(strings.TrimSpace(hint)) {
			if v := dom.ElementValue(n); v != "" {
				name = v
				break
			}
		}
	}

	var granted []string
	for _, n := range page.Doc.Find(`input[type="checkbox"]`).Nodes {
		if !dom.HasAttr(n, "checked") {
			continue
		}
		idents := []string{dom.Attr(n, "value"), dom.Attr(n, "name"), dom.Attr(n, "id")}
		for _, scope := range vocabulary {
			if contains(idents, scope) && !contains(granted, scope) {
				granted = append(granted, scope)
				break
			}
		}
		if len(granted) >= maxScopeTags {
			break
		}
	}
	return name, granted
}

func fallbackKey(displayName string) string {
	key := nonKeyChars.ReplaceAllString(displayName, "_")
	key = strings.Trim(key, "_")
	if key == "" {
		key = "SECRET"
	}
	return strings.ToUpper(key) + "_VALUE"
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
