// Package match applies the rule catalogue to text blobs, producing raw
// candidates for enrichment. Contextual rules carry extra value filters that
// suppress plausible false positives (booleans, URLs, page noise) that the
// broad generic patterns would otherwise report.
package match

import (
	"strings"
	"unicode/utf8"

	"github.com/achilleshq/sentinel/internal/rules"
)

// Candidate is a raw, unenriched match of one rule against a text blob.
type Candidate struct {
	Value string
	Rule  *rules.Rule

	// Surrounding is a bounded window of text around the match, used by the
	// enrichment engine to recover an assignment key.
	Surrounding string
}

// surroundingWindow bounds how much text either side of a match is retained.
const surroundingWindow = 120

// minContextualLen drops trivially short contextual matches.
const minContextualLen = 16

// Matcher evaluates a catalogue against text.
type Matcher struct {
	cat *rules.Catalogue
}

// New constructs a Matcher over the given catalogue.
func New(cat *rules.Catalogue) *Matcher {
	return &Matcher{cat: cat}
}

// Specific applies the always-active partition to text.
func (m *Matcher) Specific(text string) []Candidate {
	return apply(m.cat.Specific, text, false)
}

// Contextual applies the context-gated partition to text. The caller is
// responsible for having established credential context; this method still
// applies the value-shape filters.
func (m *Matcher) Contextual(text string) []Candidate {
	return apply(m.cat.Contextual, text, true)
}

func apply(ruleSet []*rules.Rule, text string, filtered bool) []Candidate {
	var out []Candidate
	for _, r := range ruleSet {
		re := r.Regexp()
		if re == nil {
			continue
		}
		for _, loc := range re.FindAllStringIndex(text, -1) {
			value := text[loc[0]:loc[1]]
			if filtered && !PlausibleSecret(value) {
				continue
			}
			out = append(out, Candidate{
				Value:       value,
				Rule:        r,
				Surrounding: window(text, loc[0], loc[1]),
			})
		}
	}
	return out
}

// PlausibleSecret rejects values that are credential-shaped by pattern but
// almost certainly not credentials: literals, URLs, hostnames, paths.
func PlausibleSecret(value string) bool {
	v := strings.TrimSpace(value)
	if len(v) < minContextualLen {
		return false
	}
	switch strings.ToLower(v) {
	case "true", "false", "null", "none", "undefined", "nil":
		return false
	}
	lower := strings.ToLower(v)
	if strings.HasPrefix(lower, "www.") || strings.Contains(lower, "://") {
		return false
	}
	if strings.ContainsAny(v, " \t\n") {
		return false
	}
	return true
}

// window slices a bounded context around [start,end). The raw byte offsets
// can land inside a multi-byte rune, so both edges snap outward to the
// nearest rune boundary.
func window(text string, start, end int) string {
	lo := start - surroundingWindow
	if lo < 0 {
		lo = 0
	}
	for lo > 0 && !utf8.RuneStart(text[lo]) {
		lo--
	}
	hi := end + surroundingWindow
	if hi > len(text) {
		hi = len(text)
	}
	for hi < len(text) && !utf8.RuneStart(text[hi]) {
		hi++
	}
	return text[lo:hi]
}
