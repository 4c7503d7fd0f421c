// Package scanner drives detection over a page: full scans on load,
// incremental subtree scans on mutation, and a debounced full rescan to catch
// content rendered asynchronously. All scan work runs as tasks on a single
// cooperative Loop, so passes never interleave and the session needs no
// locking.
package scanner

import (
	"fmt"
	"time"

	"golang.org/x/net/html"

	"github.com/achilleshq/sentinel/internal/dom"
	"github.com/achilleshq/sentinel/internal/enrich"
	"github.com/achilleshq/sentinel/internal/logging"
	"github.com/achilleshq/sentinel/internal/match"
	"github.com/achilleshq/sentinel/internal/rules"
)

// Sink receives each batch of newly discovered findings. A scan pass that
// finds nothing publishes nothing.
type Sink interface {
	PublishFindings(batch []enrich.Finding)
}

// timerRescan names the debounced full-rescan timer on the loop.
const timerRescan = "full-rescan"

// Config holds scanner tunables.
type Config struct {
	// RescanDelay is the debounce delay before a mutation-triggered full
	// rescan. Further mutations while the timer is armed do not extend it.
	RescanDelay time.Duration
}

// DefaultConfig returns the default scanner configuration.
func DefaultConfig() Config {
	return Config{RescanDelay: time.Second}
}

// MutationKind classifies a page mutation event.
type MutationKind int

const (
	MutationChildList MutationKind = iota
	MutationCharacterData
	MutationAttributes
)

// Mutation is one observed page change. Target is the affected node: the
// parent for child-list changes, the text node for character-data changes,
// the element for attribute changes.
type Mutation struct {
	Kind   MutationKind
	Target *html.Node
	Attr   string
}

// watchedAttrs is the attribute allow-list for mutation scanning. Attribute
// churn outside it (class toggles, styles, ARIA state) never triggers a scan.
var watchedAttrs = map[string]bool{
	"value":       true,
	"placeholder": true,
	"title":       true,
	"content":     true,
	"data-value":  true,
}

// Scanner owns one page's detection session.
type Scanner struct {
	cfg     Config
	logger  logging.Logger
	loop    *Loop
	matcher *match.Matcher
	engine  *enrich.Engine

	page    *dom.Page
	session *Session
	sinks   []Sink
}

// New constructs a Scanner over the given catalogue. SetPage must be called
// before any scan runs.
func New(cfg Config, cat *rules.Catalogue, loop *Loop, logger logging.Logger) (*Scanner, error) {
	if cat == nil {
		return nil, fmt.Errorf("scanner: nil catalogue")
	}
	if loop == nil {
		return nil, fmt.Errorf("scanner: nil loop")
	}
	if cfg.RescanDelay <= 0 {
		cfg.RescanDelay = DefaultConfig().RescanDelay
	}
	if logger == nil {
		logger = logging.NewStdoutLogger("scanner")
	}
	return &Scanner{
		cfg:     cfg,
		logger:  logger.With(logging.Field{Key: "component", Value: "scanner"}),
		loop:    loop,
		matcher: match.New(cat),
		engine:  enrich.NewEngine(logger),
	}, nil
}

// AddSink registers a findings consumer.
func (s *Scanner) AddSink(sink Sink) {
	if sink != nil {
		s.sinks = append(s.sinks, sink)
	}
}

// Session returns the current session, or nil before the first SetPage.
func (s *Scanner) Session() *Session {
	return s.session
}

// Page returns the page under scan.
func (s *Scanner) Page() *dom.Page {
	return s.page
}

// SetPage starts a fresh session over a newly loaded page and schedules the
// initial full scan. Findings from the previous page are discarded.
func (s *Scanner) SetPage(p *dom.Page) {
	s.loop.Post(func() {
		s.page = p
		s.session = NewSession()
		s.scanFull()
	})
}

// AdoptPage swaps in a fresh snapshot of the same page view. The session and
// its dedup set carry over; only navigations reset them.
func (s *Scanner) AdoptPage(p *dom.Page) {
	s.loop.Post(func() {
		if s.session == nil {
			s.session = NewSession()
		}
		s.page = p
	})
}

// OnMutation reacts to one page change: an immediate incremental scan of the
// affected subtree plus a debounced full rescan. Attribute mutations outside
// the allow-list are ignored entirely.
func (s *Scanner) OnMutation(m Mutation) {
	if m.Kind == MutationAttributes && !watchedAttrs[m.Attr] {
		return
	}
	target := m.Target
	s.loop.Post(func() {
		if s.page == nil || target == nil {
			return
		}
		root := target
		if root.Type == html.TextNode && root.Parent != nil {
			root = root.Parent
		}
		if !s.page.Attached(root) {
			return
		}
		s.scanSubtree(root)
	})
	s.loop.Debounce(timerRescan, s.cfg.RescanDelay, func() {
		if s.page == nil {
			return
		}
		s.scanFull()
	})
}

// scanUnit is one text blob and the element it belongs to, for context
// evaluation.
type scanUnit struct {
	text  string
	owner *html.Node
}

func (s *Scanner) scanFull() {
	units := s.collect(s.page.TextNodes(), s.page.ValueElements())
	s.scanPass(units, "full")
}

func (s *Scanner) scanSubtree(root *html.Node) {
	units := s.collect(s.page.TextNodesUnder(root), s.page.ValueElementsUnder(root))
	s.scanPass(units, "incremental")
}

func (s *Scanner) collect(textNodes, valueEls []*html.Node) []scanUnit {
	var units []scanUnit
	for _, n := range textNodes {
		if n.Parent == nil {
			continue
		}
		units = append(units, scanUnit{text: n.Data, owner: n.Parent})
	}
	for _, el := range valueEls {
		v := dom.ElementValue(el)
		if len(v) < dom.MinTextLen {
			continue
		}
		units = append(units, scanUnit{text: v, owner: el})
	}
	return units
}

// scanPass runs one pass over the given units and publishes at most one
// batch of newly discovered findings. A failure on one candidate never
// aborts the pass.
func (s *Scanner) scanPass(units []scanUnit, kind string) {
	var found []enrich.Finding
	for _, u := range units {
		cands := s.matcher.Specific(u.text)
		if s.page.HasContext(u.owner, dom.CredentialContext) {
			cands = append(cands, s.matcher.Contextual(u.text)...)
		}
		for _, c := range cands {
			if s.session.Seen(c.Value) {
				continue
			}
			f, err := s.enrichOne(c)
			if err != nil {
				s.logger.Warn("enrichment failed",
					logging.Field{Key: "rule", Value: c.Rule.ID},
					logging.Field{Key: "error", Value: err.Error()})
				continue
			}
			found = append(found, f)
		}
	}

	added := s.session.Record(found)
	if len(added) == 0 {
		return
	}
	s.logger.Info("scan pass found new secrets",
		logging.Field{Key: "kind", Value: kind},
		logging.Field{Key: "new", Value: len(added)},
		logging.Field{Key: "total", Value: s.session.Len()})
	for _, sink := range s.sinks {
		sink.PublishFindings(added)
	}
}

func (s *Scanner) enrichOne(c match.Candidate) (f enrich.Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.engine.Enrich(c, s.page), nil
}
