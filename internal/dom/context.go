package dom

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// CredentialContext matches credential-related wording in element attributes
// and labels. It gates the contextual rule partition. Non-Latin forms cover
// the consoles the allow-list targets most often localize into.
var CredentialContext = regexp.MustCompile(`(?i)api[ _-]?key|access[ _-]?key|secret|token|passw(or)?d|credential|auth|environment[ _-]?variable|env[ _-]?var|client[ _-]?(id|secret)|密钥|秘钥|令牌|トークン|シークレット|토큰|시크릿|ключ|токен`)

// FillContext is the stricter pattern gating fill eligibility. It excludes
// password wording so login forms never get offered a vault fill.
var FillContext = regexp.MustCompile(`(?i)api[ _-]?key|access[ _-]?key|secret|token|credential|environment[ _-]?variable|env[ _-]?var|client[ _-]?secret|密钥|秘钥|令牌|トークン|シークレット|토큰|시크릿|токен`)

// contextAttrs are the attributes inspected at every ancestry level.
var contextAttrs = []string{
	"class", "id", "aria-label", "placeholder", "name",
	"autocomplete", "title", "data-testid", "data-test-id",
}

// HasContext walks from el up through its ancestors (bounded at body) looking
// for credential-related wording in attributes or the immediately preceding
// sibling's text, plus an explicit <label for=...> association on el itself.
// Returns true on the first hit at any level.
func (p *Page) HasContext(el *html.Node, keyword *regexp.Regexp) bool {
	if el == nil {
		return false
	}
	body := p.Body()

	for n := el; n != nil; n = n.Parent {
		if n.Type == html.ElementNode {
			for _, key := range contextAttrs {
				if v := Attr(n, key); v != "" && keyword.MatchString(v) {
					return true
				}
			}
			if sib := precedingSibling(n); sib != nil && keyword.MatchString(Text(sib)) {
				return true
			}
		}
		if n == body {
			break
		}
	}

	return p.labelTextMatches(el, keyword)
}

// labelTextMatches checks an explicit label association for el.
func (p *Page) labelTextMatches(el *html.Node, keyword *regexp.Regexp) bool {
	id := Attr(el, "id")
	if id == "" {
		return false
	}
	for _, n := range p.Doc.Find("label").Nodes {
		if Attr(n, "for") == id && keyword.MatchString(Text(n)) {
			return true
		}
	}
	return false
}

// precedingSibling returns the nearest preceding sibling that carries text,
// skipping whitespace-only text nodes.
func precedingSibling(n *html.Node) *html.Node {
	for s := n.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode {
			return s
		}
		if s.Type == html.TextNode && strings.TrimSpace(s.Data) != "" {
			return s
		}
	}
	return nil
}
