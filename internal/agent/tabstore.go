package agent

import (
	"sync"

	"github.com/achilleshq/sentinel/internal/enrich"
)

// TabStore holds detections per page view. Entries are created lazily on the
// first report from a tab, merged by raw value, cleared when the tab
// navigates, and removed when it closes.
type TabStore struct {
	mu   sync.Mutex
	tabs map[string]*tabState
}

type tabState struct {
	findings []enrich.Finding
	seen     map[string]struct{}
}

// NewTabStore constructs an empty store.
func NewTabStore() *TabStore {
	return &TabStore{tabs: make(map[string]*tabState)}
}

// Merge records findings for a tab, dropping values already known there.
// Returns how many were new and the tab's total.
func (s *TabStore) Merge(tabID string, batch []enrich.Finding) (added, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tabs[tabID]
	if !ok {
		t = &tabState{seen: make(map[string]struct{})}
		s.tabs[tabID] = t
	}
	for _, f := range batch {
		if _, dup := t.seen[f.Value]; dup {
			continue
		}
		t.seen[f.Value] = struct{}{}
		t.findings = append(t.findings, f)
		added++
	}
	return added, len(t.findings)
}

// Findings returns a tab's detections in report order. Unknown tabs yield
// nil.
func (s *TabStore) Findings(tabID string) []enrich.Finding {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tabs[tabID]
	if !ok {
		return nil
	}
	out := make([]enrich.Finding, len(t.findings))
	copy(out, t.findings)
	return out
}

// Count returns the badge count for a tab.
func (s *TabStore) Count(tabID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tabs[tabID]
	if !ok {
		return 0
	}
	return len(t.findings)
}

// Clear empties a tab's detections; the next navigation starts fresh.
func (s *TabStore) Clear(tabID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tabs[tabID]; ok {
		t.findings = nil
		t.seen = make(map[string]struct{})
	}
}

// Remove drops a closed tab entirely.
func (s *TabStore) Remove(tabID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tabs, tabID)
}
