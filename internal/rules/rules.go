// Package rules holds the detection rule catalogue. Definitions live in a
// versioned JSON resource: an embedded default ships with the binary and an
// optional remote copy can be fetched once at startup, so additive rule
// changes take effect on the next load without code changes.
package rules

import (
	"embed"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/achilleshq/sentinel/internal/logging"
)

//go:embed ruleset.json
var rulesetFS embed.FS

// Severity levels carried on rules, in ascending order of concern.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Secret categories a rule (or enrichment) can assign.
const (
	CategorySecret = "secret"
	CategoryAPIKey = "api_key"
	CategoryEnvVar = "env_var"
	CategoryToken  = "token"
)

// Rule is one detection rule. Immutable after load.
type Rule struct {
	ID              string `json:"id"`
	DisplayName     string `json:"display_name"`
	Platform        string `json:"platform"`
	Pattern         string `json:"pattern"`
	ContextRequired bool   `json:"context_required"`
	DefaultCategory string `json:"default_category"`
	Severity        string `json:"severity"`
	DocReference    string `json:"doc_reference"`

	// compiled form; populated at load time.
	re *regexp.Regexp
}

// Regexp returns the compiled pattern.
func (r *Rule) Regexp() *regexp.Regexp { return r.re }

// Catalogue is the loaded, partitioned rule set. Specific rules are always
// active; contextual rules only fire when credential context is present near
// the scanned element.
type Catalogue struct {
	Version    string
	Specific   []*Rule
	Contextual []*Rule
}

// ruleset is the wire shape of the definitions resource.
type ruleset struct {
	Version string  `json:"version"`
	Rules   []*Rule `json:"rules"`
}

var (
	loadOnce  sync.Once
	loadedCat *Catalogue
	loadedErr error
)

// Load returns the process-wide catalogue, reading and compiling the embedded
// definitions exactly once. A malformed individual pattern is skipped with a
// warning rather than failing the load.
func Load(logger logging.Logger) (*Catalogue, error) {
	loadOnce.Do(func() {
		raw, err := rulesetFS.ReadFile("ruleset.json")
		if err != nil {
			loadedErr = fmt.Errorf("read embedded ruleset: %w", err)
			return
		}
		loadedCat, loadedErr = Parse(raw, logger)
	})
	return loadedCat, loadedErr
}

// Parse decodes and compiles a definitions resource. Exposed separately from
// Load so a remotely fetched copy can be parsed with the same semantics.
func Parse(raw []byte, logger logging.Logger) (*Catalogue, error) {
	var rs ruleset
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("decode ruleset: %w", err)
	}
	if len(rs.Rules) == 0 {
		return nil, fmt.Errorf("ruleset %q contains no rules", rs.Version)
	}

	cat := &Catalogue{Version: rs.Version}
	for _, r := range rs.Rules {
		if r.ID == "" || r.Pattern == "" {
			if logger != nil {
				logger.Warn("skipping rule with missing id or pattern",
					logging.Field{Key: "id", Value: r.ID})
			}
			continue
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			// A faulty rule must not abort the load; skip it.
			if logger != nil {
				logger.Warn("skipping rule with malformed pattern",
					logging.Field{Key: "id", Value: r.ID},
					logging.Field{Key: "error", Value: err.Error()})
			}
			continue
		}
		r.re = re
		if r.ContextRequired {
			cat.Contextual = append(cat.Contextual, r)
		} else {
			cat.Specific = append(cat.Specific, r)
		}
	}

	if len(cat.Specific)+len(cat.Contextual) == 0 {
		return nil, fmt.Errorf("ruleset %q: every rule failed to compile", rs.Version)
	}

	if logger != nil {
		logger.Info("rule catalogue loaded",
			logging.Field{Key: "version", Value: cat.Version},
			logging.Field{Key: "specific", Value: len(cat.Specific)},
			logging.Field{Key: "contextual", Value: len(cat.Contextual)})
	}
	return cat, nil
}

// All returns every rule in load order, specific first.
func (c *Catalogue) All() []*Rule {
	out := make([]*Rule, 0, len(c.Specific)+len(c.Contextual))
	out = append(out, c.Specific...)
	out = append(out, c.Contextual...)
	return out
}

// ByID returns the rule with the given id, or nil.
func (c *Catalogue) ByID(id string) *Rule {
	for _, r := range c.All() {
		if r.ID == id {
			return r
		}
	}
	return nil
}
