// Package pagewatch detects page changes by diffing successive snapshots of
// the rendered document and translating the differing subtrees into mutation
// events for the scanner. It stands in for a live mutation observer: the
// watcher refetches the page on an interval and only the parts that actually
// changed are rescanned eagerly.
package pagewatch

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"golang.org/x/net/html"

	"github.com/achilleshq/sentinel/internal/dom"
	"github.com/achilleshq/sentinel/internal/logging"
	"github.com/achilleshq/sentinel/internal/scanner"
	"github.com/achilleshq/sentinel/internal/webclient"
)

// Config holds watcher tunables.
type Config struct {
	// Interval between snapshot fetches in Run. Zero means 5s.
	Interval time.Duration
}

// DefaultConfig returns the default watcher configuration.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Second}
}

// Watcher feeds one scanner from successive page snapshots.
type Watcher struct {
	cfg    Config
	logger logging.Logger
	sc     *scanner.Scanner
	dmp    *diffmatchpatch.DiffMatchPatch

	onNavigation func(pageURL string)

	prev     *dom.Page
	prevBody string
}

// NewWatcher constructs a watcher over the given scanner.
func NewWatcher(cfg Config, sc *scanner.Scanner, logger logging.Logger) (*Watcher, error) {
	if sc == nil {
		return nil, fmt.Errorf("pagewatch: nil scanner")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if logger == nil {
		logger = logging.NewStdoutLogger("pagewatch")
	}
	return &Watcher{
		cfg:    cfg,
		logger: logger.With(logging.Field{Key: "component", Value: "pagewatch"}),
		sc:     sc,
		dmp:    diffmatchpatch.New(),
	}, nil
}

// NotifyNavigation registers fn to run whenever a snapshot lands on a new
// URL, before the scanner's session resets. The embedding wires it to the
// agent so the tab's detections clear alongside the session.
func (w *Watcher) NotifyNavigation(fn func(pageURL string)) {
	w.onNavigation = fn
}

// Observe ingests one snapshot. The first snapshot, or one with a different
// URL, is a navigation: the navigation callback fires and the scanner gets a
// fresh session over the new page. A snapshot of the same URL is diffed
// against the previous one and the changed subtrees are reported as
// mutations.
func (w *Watcher) Observe(p *dom.Page) {
	body := renderNode(p.Body())

	if w.prev == nil || w.prev.URL.String() != p.URL.String() {
		w.logger.Info("navigation", logging.Field{Key: "url", Value: p.URL.String()})
		w.prev = p
		w.prevBody = body
		if w.onNavigation != nil {
			w.onNavigation(p.URL.String())
		}
		w.sc.SetPage(p)
		return
	}

	// The diff decides whether anything changed; the tree walk below then
	// localizes the change to node-level mutations.
	added, removed := w.diffStats(w.prevBody, body)
	if added == 0 && removed == 0 {
		return
	}
	w.logger.Debug("page changed",
		logging.Field{Key: "url", Value: p.URL.String()},
		logging.Field{Key: "added_chars", Value: added},
		logging.Field{Key: "removed_chars", Value: removed})

	prevBodyNode := w.prev.Body()
	w.prev = p
	w.prevBody = body

	// The scanner's page must be swapped before mutations arrive, but the
	// session carries over: a snapshot is a change, not a navigation.
	w.sc.AdoptPage(p)
	for _, m := range changedSubtrees(prevBodyNode, p.Body()) {
		w.sc.OnMutation(m)
	}
}

// Poll fetches the page once and observes the snapshot.
func (w *Watcher) Poll(ctx context.Context, wc webclient.WebClient, pageURL string) error {
	resp, err := wc.Do(ctx, &webclient.Request{Method: http.MethodGet, URL: pageURL})
	if err != nil {
		return fmt.Errorf("pagewatch: fetch %s: %w", pageURL, err)
	}
	p, err := dom.ParseString(string(resp.Body), pageURL)
	if err != nil {
		return fmt.Errorf("pagewatch: parse %s: %w", pageURL, err)
	}
	w.Observe(p)
	return nil
}

// Run polls the page on the configured interval until ctx is done. Fetch
// errors are logged and the next tick retries.
func (w *Watcher) Run(ctx context.Context, wc webclient.WebClient, pageURL string) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	if err := w.Poll(ctx, wc, pageURL); err != nil {
		w.logger.Warn("poll failed", logging.Field{Key: "error", Value: err.Error()})
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Poll(ctx, wc, pageURL); err != nil {
				w.logger.Warn("poll failed", logging.Field{Key: "error", Value: err.Error()})
			}
		}
	}
}

// diffStats computes character-level insert/delete totals between two
// snapshots, after semantic cleanup.
func (w *Watcher) diffStats(base, head string) (added, removed int) {
	diffs := w.dmp.DiffMain(base, head, true)
	diffs = w.dmp.DiffCleanupSemantic(diffs)
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += len(d.Text)
		case diffmatchpatch.DiffDelete:
			removed += len(d.Text)
		}
	}
	return added, removed
}

// changedSubtrees walks two renderings of the same page in parallel and
// returns mutations targeting the narrowest new-tree subtrees that differ.
func changedSubtrees(prev, next *html.Node) []scanner.Mutation {
	var out []scanner.Mutation
	compareNodes(prev, next, &out)
	return out
}

func compareNodes(prev, next *html.Node, out *[]scanner.Mutation) {
	if renderNode(prev) == renderNode(next) {
		return
	}

	// Text-only change inside an element.
	if prev.Type == html.TextNode && next.Type == html.TextNode {
		*out = append(*out, scanner.Mutation{Kind: scanner.MutationCharacterData, Target: next})
		return
	}

	if prev.Type == html.ElementNode && next.Type == html.ElementNode && prev.Data == next.Data {
		// Same element with a shifted attribute set.
		for _, attr := range changedAttrs(prev, next) {
			*out = append(*out, scanner.Mutation{Kind: scanner.MutationAttributes, Target: next, Attr: attr})
		}
		pc, nc := children(prev), children(next)
		if len(pc) == len(nc) {
			for i := range nc {
				compareNodes(pc[i], nc[i], out)
			}
			return
		}
	}

	*out = append(*out, scanner.Mutation{Kind: scanner.MutationChildList, Target: next})
}

func changedAttrs(prev, next *html.Node) []string {
	prevAttrs := make(map[string]string, len(prev.Attr))
	for _, a := range prev.Attr {
		prevAttrs[a.Key] = a.Val
	}
	var changed []string
	for _, a := range next.Attr {
		if old, ok := prevAttrs[a.Key]; !ok || old != a.Val {
			changed = append(changed, a.Key)
		}
	}
	return changed
}

func children(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, c)
	}
	return out
}

func renderNode(n *html.Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	if err := html.Render(&b, n); err != nil {
		return ""
	}
	return b.String()
}
