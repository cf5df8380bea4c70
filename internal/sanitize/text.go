package sanitize

import (
	"html"
	"strings"

	nethtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var blockTags = map[atom.Atom]bool{
	atom.P:          true,
	atom.Li:         true,
	atom.Blockquote: true,
	atom.Pre:        true,
	atom.Div:        true,
	atom.Tr:         true,
	atom.H1:         true,
	atom.H2:         true,
	atom.H3:         true,
	atom.H4:         true,
	atom.H5:         true,
	atom.H6:         true,
}

// Text strips all markup from raw and returns its visible text. Content of
// dropped tags such as script and style never appears in the result.
func Text(raw string) string {
	if Check(raw) != nil {
		return ""
	}
	nodes, err := nethtml.ParseFragment(strings.NewReader(raw), bodyContext())
	if err != nil {
		return ""
	}
	var b strings.Builder
	for _, n := range nodes {
		writeText(&b, n)
	}
	return strings.TrimSpace(b.String())
}

func writeText(b *strings.Builder, n *nethtml.Node) {
	switch n.Type {
	case nethtml.TextNode:
		b.WriteString(n.Data)
		return
	case nethtml.ElementNode:
		if n.Namespace != "" || droppedTags[n.DataAtom] {
			return
		}
		if n.DataAtom == atom.Br {
			b.WriteByte('\n')
			return
		}
	case nethtml.DocumentNode:
	default:
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(b, c)
	}
	if n.Type == nethtml.ElementNode && blockTags[n.DataAtom] {
		b.WriteByte('\n')
	}
}

// FromPlain converts a plain-text body into minimal markup: HTML-escaped, with
// line breaks preserved.
func FromPlain(body string) string {
	escaped := html.EscapeString(strings.NewReplacer("\r\n", "\n", "\r", "\n").Replace(body))
	return strings.ReplaceAll(escaped, "\n", "<br/>")
}

// Preview returns at most maxRunes runes of the visible text of raw.
func Preview(raw string, maxRunes int) string {
	text := strings.Join(strings.Fields(Text(raw)), " ")
	r := []rune(text)
	if len(r) <= maxRunes {
		return text
	}
	return string(r[:maxRunes])
}
