// Package dom models a parsed page for the scanner: text-node walking with
// the same skip rules a content scanner applies in a live document (script,
// style, noscript and iframe subtrees are invisible; declarative shadow roots
// are scanned), value-bearing form elements, and ancestry/attribute helpers
// used by the context evaluator and the fill subsystem.
package dom

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// MinTextLen is the shortest text-node content considered worth matching.
const MinTextLen = 8

// Page is one parsed document instance plus its location.
type Page struct {
	Doc *goquery.Document
	URL *url.URL

	root *html.Node
}

// Parse reads an HTML document and its page URL into a Page.
func Parse(r io.Reader, pageURL string) (*Page, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url %s: %w", pageURL, err)
	}

	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	root := doc.Get(0)
	if root == nil {
		return nil, fmt.Errorf("document has no root node")
	}

	return &Page{Doc: doc, URL: u, root: root}, nil
}

// ParseString is Parse over a string body.
func ParseString(body, pageURL string) (*Page, error) {
	return Parse(strings.NewReader(body), pageURL)
}

// Root returns the document root node.
func (p *Page) Root() *html.Node { return p.root }

// Hostname returns the page's normalized hostname: lower-cased with a leading
// "www." stripped.
func (p *Page) Hostname() string {
	host := strings.ToLower(p.URL.Hostname())
	return strings.TrimPrefix(host, "www.")
}

// skippedElements are subtrees a page scanner never reads text from.
var skippedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"iframe":   true,
}

// shadowRoot reports whether n is a declarative shadow root host template.
func shadowRoot(n *html.Node) bool {
	return n.Type == html.ElementNode && n.Data == "template" && Attr(n, "shadowrootmode") != ""
}

// TextNodes returns every scannable text node in document order, recursing
// into declarative shadow roots.
func (p *Page) TextNodes() []*html.Node {
	return p.TextNodesUnder(p.root)
}

// TextNodesUnder restricts the walk to one subtree (used for incremental
// scans of mutated regions).
func (p *Page) TextNodesUnder(n *html.Node) []*html.Node {
	var out []*html.Node
	walkText(n, &out)
	return out
}

func walkText(n *html.Node, out *[]*html.Node) {
	if n.Type == html.ElementNode {
		if skippedElements[n.Data] {
			return
		}
		// Plain templates are inert; only shadow roots get scanned.
		if n.Data == "template" && !shadowRoot(n) {
			return
		}
	}
	if n.Type == html.TextNode {
		if len(strings.TrimSpace(n.Data)) >= MinTextLen {
			*out = append(*out, n)
		}
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkText(c, out)
	}
}

// valueElements are editable or value-bearing tags a scanner reads directly.
var valueElements = map[string]bool{
	"input":    true,
	"textarea": true,
}

// ValueElements returns input-like and editable elements in document order,
// recursing into declarative shadow roots.
func (p *Page) ValueElements() []*html.Node {
	return p.ValueElementsUnder(p.root)
}

// ValueElementsUnder restricts the element walk to one subtree.
func (p *Page) ValueElementsUnder(n *html.Node) []*html.Node {
	var out []*html.Node
	walkValues(n, &out)
	return out
}

func walkValues(n *html.Node, out *[]*html.Node) {
	if n.Type == html.ElementNode {
		if skippedElements[n.Data] {
			return
		}
		if n.Data == "template" && !shadowRoot(n) {
			return
		}
		if valueElements[n.Data] || (HasAttr(n, "contenteditable") && Attr(n, "contenteditable") != "false") {
			*out = append(*out, n)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkValues(c, out)
	}
}

// ElementValue reads the current value of a value-bearing element: the value
// attribute for inputs, the text content otherwise.
func ElementValue(n *html.Node) string {
	if n.Type != html.ElementNode {
		return ""
	}
	if n.Data == "input" {
		return Attr(n, "value")
	}
	return Text(n)
}

// SetElementValue writes a value the way the page's native setter would: the
// value attribute for inputs, replacing the text content otherwise.
func SetElementValue(n *html.Node, value string) {
	if n.Type != html.ElementNode {
		return
	}
	if n.Data == "input" {
		SetAttr(n, "value", value)
		return
	}
	// Drop existing children and install a single text node.
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
	n.AppendChild(&html.Node{Type: html.TextNode, Data: value})
}

// Attr returns the (trimmed) attribute value, or "".
func Attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

// HasAttr reports whether the attribute is present at all.
func HasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

// SetAttr sets or replaces an attribute.
func SetAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// Text returns the concatenated text content of a subtree.
func Text(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(m *html.Node) {
		if m.Type == html.TextNode {
			b.WriteString(m.Data)
			return
		}
		for c := m.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// Attached reports whether the node still hangs off the page's root. The
// page may have been rewritten between a request and its response; writers
// must re-validate before touching a node.
func (p *Page) Attached(n *html.Node) bool {
	for m := n; m != nil; m = m.Parent {
		if m == p.root {
			return true
		}
	}
	return false
}

// Body returns the body element, or the root if the document has none.
func (p *Page) Body() *html.Node {
	if sel := p.Doc.Find("body"); len(sel.Nodes) > 0 {
		return sel.Nodes[0]
	}
	return p.root
}
