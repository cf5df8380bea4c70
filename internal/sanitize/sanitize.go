// Package sanitize renders untrusted rich text into safe HTML for two delivery
// contexts: the interactive web view and outbound email.
//
// Both entry points are pure and deterministic. Output is a fixed point of the
// same policy, so sanitizing already-sanitized text is a no-op. Input that cannot
// be processed yields the empty string rather than anything unsanitized.
package sanitize

import (
	"bytes"
	"errors"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Version identifies the rule set. Stored next to derived columns so stale
// renders can be re-derived after a rule change.
const Version = 1

// MaxInputBytes bounds the markup accepted by either policy.
const MaxInputBytes = 1 << 20

// maxPasses bounds the fixed-point loop; real input converges in one or two.
const maxPasses = 4

const (
	hardenedTarget = "_blank"
	hardenedRel    = "noopener noreferrer nofollow"
)

// ErrTooLarge is returned by Check for inputs above MaxInputBytes.
var ErrTooLarge = errors.New("sanitize: input exceeds size limit")

var allowedTags = map[atom.Atom]bool{
	atom.P:          true,
	atom.Br:         true,
	atom.B:          true,
	atom.Strong:     true,
	atom.I:          true,
	atom.Em:         true,
	atom.U:          true,
	atom.S:          true,
	atom.Ul:         true,
	atom.Ol:         true,
	atom.Li:         true,
	atom.Blockquote: true,
	atom.Code:       true,
	atom.Pre:        true,
	atom.A:          true,
}

// droppedTags are removed together with everything inside them.
var droppedTags = map[atom.Atom]bool{
	atom.Script:    true,
	atom.Style:     true,
	atom.Iframe:    true,
	atom.Object:    true,
	atom.Embed:     true,
	atom.Applet:    true,
	atom.Noscript:  true,
	atom.Noembed:   true,
	atom.Noframes:  true,
	atom.Template:  true,
	atom.Textarea:  true,
	atom.Select:    true,
	atom.Title:     true,
	atom.Head:      true,
	atom.Frame:     true,
	atom.Frameset:  true,
	atom.Xmp:       true,
	atom.Plaintext: true,
	atom.Svg:       true,
	atom.Math:      true,
	atom.Base:      true,
	atom.Link:      true,
	atom.Meta:      true,
}

var dangerousScheme = regexp.MustCompile(`(?i)((?:java|vb)script)\s*:`)

type linkMode int

const (
	linkWeb linkMode = iota
	linkEmail
)

type policy struct {
	mode linkMode
	base string // absolute origin for email rewriting, no trailing slash
}

// Web sanitizes raw for the interactive web view. Site-relative links stay
// in-page; absolute http(s) links open in a new, isolated tab.
func Web(raw string) string {
	out, err := run(raw, policy{mode: linkWeb})
	if err != nil {
		return ""
	}
	return out
}

// Email sanitizes raw for outbound email. Site-relative links are rewritten
// against baseURL and hardened like any other external link. When baseURL is
// not an absolute http(s) URL, relative links are demoted to text.
func Email(raw, baseURL string) string {
	out, err := run(raw, policy{mode: linkEmail, base: normalizeBase(baseURL)})
	if err != nil {
		return ""
	}
	return out
}

// Check reports whether raw would be rejected outright by both policies.
func Check(raw string) error {
	if len(raw) > MaxInputBytes {
		return ErrTooLarge
	}
	return nil
}

func run(raw string, p policy) (string, error) {
	if err := Check(raw); err != nil {
		return "", err
	}
	out := raw
	for range maxPasses {
		next, err := p.render(out)
		if err != nil {
			return "", err
		}
		if next == out {
			return next, nil
		}
		out = next
	}
	// Pathological nesting that keeps reshaping: settle for escaped text.
	return settle(out), nil
}

func settle(s string) string {
	return html.EscapeString(defang(Text(s)))
}

func (p policy) render(s string) (string, error) {
	nodes, err := html.ParseFragment(strings.NewReader(s), bodyContext())
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	for _, n := range nodes {
		for _, c := range p.clean(n) {
			if err := html.Render(&buf, c); err != nil {
				return "", err
			}
		}
	}
	return buf.String(), nil
}

func bodyContext() *html.Node {
	return &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
}

// clean returns detached copies of the allowed parts of n.
func (p policy) clean(n *html.Node) []*html.Node {
	switch n.Type {
	case html.TextNode:
		return []*html.Node{{Type: html.TextNode, Data: defang(n.Data)}}
	case html.DocumentNode:
		return p.cleanChildren(n)
	case html.ElementNode:
		if n.Namespace != "" || droppedTags[n.DataAtom] {
			return nil
		}
		children := p.cleanChildren(n)
		if !allowedTags[n.DataAtom] {
			return children
		}
		if n.DataAtom == atom.A {
			return p.anchor(n, children)
		}
		el := &html.Node{Type: html.ElementNode, Data: n.Data, DataAtom: n.DataAtom}
		for _, c := range children {
			el.AppendChild(c)
		}
		return []*html.Node{el}
	default:
		return nil
	}
}

func (p policy) cleanChildren(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, p.clean(c)...)
	}
	return out
}

func (p policy) anchor(n *html.Node, children []*html.Node) []*html.Node {
	var href, title string
	var hasHref bool
	for _, a := range n.Attr {
		if a.Namespace != "" {
			continue
		}
		switch a.Key {
		case "href":
			href, hasHref = a.Val, true
		case "title":
			title = a.Val
		}
	}
	if !hasHref {
		return children
	}
	l, ok := p.resolve(href)
	if !ok {
		return children
	}

	el := &html.Node{Type: html.ElementNode, Data: "a", DataAtom: atom.A}
	el.Attr = append(el.Attr, html.Attribute{Key: "href", Val: l.href})
	if title != "" {
		el.Attr = append(el.Attr, html.Attribute{Key: "title", Val: defang(title)})
	}
	if l.external {
		el.Attr = append(el.Attr,
			html.Attribute{Key: "target", Val: hardenedTarget},
			html.Attribute{Key: "rel", Val: hardenedRel},
		)
	}
	for _, c := range children {
		el.AppendChild(c)
	}
	return []*html.Node{el}
}

type link struct {
	href     string
	external bool
}

func (p policy) resolve(raw string) (link, bool) {
	v := cleanURL(raw)
	if v == "" || dangerousScheme.MatchString(v) {
		return link{}, false
	}
	if strings.ContainsFunc(v, isControl) {
		return link{}, false
	}

	if strings.HasPrefix(v, "/") {
		if strings.HasPrefix(v, "//") || strings.HasPrefix(v, `/\`) {
			return link{}, false
		}
		if p.mode == linkEmail {
			if p.base == "" {
				return link{}, false
			}
			return link{href: p.base + v, external: true}, true
		}
		return link{href: v}, true
	}

	switch schemeOf(v) {
	case "http", "https":
		u, err := url.Parse(v)
		if err != nil || u.Host == "" {
			return link{}, false
		}
		return link{href: v, external: true}, true
	case "mailto", "tel":
		return link{href: v}, true
	default:
		return link{}, false
	}
}

// cleanURL mirrors how browsers read an href: surrounding C0 controls and
// spaces are ignored, tabs and newlines anywhere are removed.
func cleanURL(raw string) string {
	v := strings.TrimFunc(raw, func(r rune) bool { return r <= 0x20 })
	return strings.NewReplacer("\t", "", "\n", "", "\r", "").Replace(v)
}

func isControl(r rune) bool {
	return r < 0x20 || r == 0x7f
}

func schemeOf(v string) string {
	i := strings.IndexAny(v, ":/?#")
	if i <= 0 || v[i] != ':' {
		return ""
	}
	scheme := strings.ToLower(v[:i])
	for j, r := range scheme {
		isAlpha := r >= 'a' && r <= 'z'
		if !isAlpha && (j == 0 || !(r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.')) {
			return ""
		}
	}
	return scheme
}

// defang breaks script-scheme lookalikes in text so they cannot be pasted back
// into a link by a downstream renderer.
func defang(s string) string {
	return dangerousScheme.ReplaceAllString(s, "$1 :")
}

func normalizeBase(baseURL string) string {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ""
	}
	return strings.TrimRight(scheme+"://"+u.Host+u.EscapedPath(), "/")
}
