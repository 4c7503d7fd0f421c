// Package indicator renders in-page badges next to detected secrets. Each
// detected value gets its occurrence in a text node wrapped in a marker span;
// clicking a badge asks the agent to import that secret. Rendering is
// debounced on the scan loop and idempotent, so repeated publishes and full
// rescans never double-wrap a value.
package indicator

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/achilleshq/sentinel/internal/dom"
	"github.com/achilleshq/sentinel/internal/enrich"
	"github.com/achilleshq/sentinel/internal/logging"
	"github.com/achilleshq/sentinel/internal/scanner"
)

// MarkerAttr marks badge spans in the page. Subtrees under it are never
// wrapped again.
const MarkerAttr = "data-sentinel-badge"

// timerRefresh names the debounced render timer on the loop.
const timerRefresh = "indicator-refresh"

// Importer handles a badge click by starting an import of the finding.
type Importer interface {
	RequestImport(f enrich.Finding)
}

// Config holds renderer tunables.
type Config struct {
	// RefreshDelay debounces rendering after a publish. Zero means 250ms.
	RefreshDelay time.Duration
}

// DefaultConfig returns the default renderer configuration.
func DefaultConfig() Config {
	return Config{RefreshDelay: 250 * time.Millisecond}
}

// Renderer is a scanner.Sink that maintains badges over the scanner's
// current page.
type Renderer struct {
	cfg      Config
	logger   logging.Logger
	loop     *scanner.Loop
	sc       *scanner.Scanner
	importer Importer
}

// NewRenderer constructs a renderer over the scanner whose findings it
// badges.
func NewRenderer(cfg Config, sc *scanner.Scanner, loop *scanner.Loop, logger logging.Logger) (*Renderer, error) {
	if sc == nil {
		return nil, fmt.Errorf("indicator: nil scanner")
	}
	if loop == nil {
		return nil, fmt.Errorf("indicator: nil loop")
	}
	if cfg.RefreshDelay <= 0 {
		cfg.RefreshDelay = DefaultConfig().RefreshDelay
	}
	if logger == nil {
		logger = logging.NewStdoutLogger("indicator")
	}
	return &Renderer{
		cfg:    cfg,
		logger: logger.With(logging.Field{Key: "component", Value: "indicator"}),
		loop:   loop,
		sc:     sc,
	}, nil
}

// SetImporter wires the badge-click handler.
func (r *Renderer) SetImporter(i Importer) {
	r.importer = i
}

// PublishFindings implements scanner.Sink: it arms a debounced render pass.
func (r *Renderer) PublishFindings(batch []enrich.Finding) {
	r.loop.Debounce(timerRefresh, r.cfg.RefreshDelay, r.render)
}

// render wraps every session finding's first unwrapped occurrence. Runs as a
// loop task.
func (r *Renderer) render() {
	page := r.sc.Page()
	session := r.sc.Session()
	if page == nil || session == nil {
		return
	}
	wrapped := 0
	for _, f := range session.Findings() {
		if r.wrapFinding(page, f.Value) {
			wrapped++
		}
	}
	if wrapped > 0 {
		r.logger.Debug("badges rendered", logging.Field{Key: "wrapped", Value: wrapped})
	}
}

// wrapFinding finds the first text node containing value outside any existing
// marker and splits it into before / marker / after. Returns whether a new
// badge was placed.
func (r *Renderer) wrapFinding(page *dom.Page, value string) bool {
	for _, n := range page.TextNodes() {
		if !strings.Contains(n.Data, value) || insideMarker(n) {
			continue
		}
		splitAround(n, value)
		return true
	}
	return false
}

func insideMarker(n *html.Node) bool {
	for m := n.Parent; m != nil; m = m.Parent {
		if m.Type == html.ElementNode && dom.HasAttr(m, MarkerAttr) {
			return true
		}
	}
	return false
}

// splitAround replaces textNode with [before] <span marker>value</span>
// [after], dropping empty fragments.
func splitAround(textNode *html.Node, value string) {
	parent := textNode.Parent
	if parent == nil {
		return
	}
	idx := strings.Index(textNode.Data, value)
	if idx < 0 {
		return
	}
	before := textNode.Data[:idx]
	after := textNode.Data[idx+len(value):]

	marker := &html.Node{
		Type:     html.ElementNode,
		Data:     "span",
		DataAtom: atom.Span,
		Attr:     []html.Attribute{{Key: MarkerAttr, Val: "1"}},
	}
	marker.AppendChild(&html.Node{Type: html.TextNode, Data: value})

	if before != "" {
		parent.InsertBefore(&html.Node{Type: html.TextNode, Data: before}, textNode)
	}
	parent.InsertBefore(marker, textNode)
	if after != "" {
		parent.InsertBefore(&html.Node{Type: html.TextNode, Data: after}, textNode)
	}
	parent.RemoveChild(textNode)
}

// Badges returns the marker elements currently in the page, in document
// order.
func (r *Renderer) Badges() []*html.Node {
	page := r.sc.Page()
	if page == nil {
		return nil
	}
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && dom.HasAttr(n, MarkerAttr) {
			out = append(out, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(page.Root())
	return out
}

// ClickBadge simulates a click on the badge wrapping value: the matching
// session finding is handed to the importer. Unknown values and a missing
// importer are errors.
func (r *Renderer) ClickBadge(value string) error {
	if r.importer == nil {
		return fmt.Errorf("indicator: no importer wired")
	}
	session := r.sc.Session()
	if session == nil {
		return fmt.Errorf("indicator: no active session")
	}
	for _, f := range session.Findings() {
		if f.Value == value {
			r.importer.RequestImport(f)
			return nil
		}
	}
	return fmt.Errorf("indicator: no finding for value")
}
