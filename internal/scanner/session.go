package scanner

import "github.com/achilleshq/sentinel/internal/enrich"

// Session holds the findings accumulated over the lifetime of one page view.
// Deduplication is keyed on the raw matched value alone: the same value
// discovered again anywhere on the page, by any rule, is dropped.
type Session struct {
	seen     map[string]struct{}
	findings []enrich.Finding
}

// NewSession constructs an empty session.
func NewSession() *Session {
	return &Session{seen: make(map[string]struct{})}
}

// Seen reports whether value has already been recorded this session.
func (s *Session) Seen(value string) bool {
	_, ok := s.seen[value]
	return ok
}

// Record adds findings not seen before and returns the newly added ones in
// input order. Findings whose value is already known are dropped, as are
// duplicates within the input batch itself.
func (s *Session) Record(batch []enrich.Finding) []enrich.Finding {
	var added []enrich.Finding
	for _, f := range batch {
		if _, ok := s.seen[f.Value]; ok {
			continue
		}
		s.seen[f.Value] = struct{}{}
		s.findings = append(s.findings, f)
		added = append(added, f)
	}
	return added
}

// Findings returns all findings recorded this session, oldest first. The
// returned slice is a copy.
func (s *Session) Findings() []enrich.Finding {
	out := make([]enrich.Finding, len(s.findings))
	copy(out, s.findings)
	return out
}

// Len returns the number of recorded findings.
func (s *Session) Len() int {
	return len(s.findings)
}
