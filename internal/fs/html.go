package fs

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HTMLDocument is the readable content of an HTML page.
type HTMLDocument struct {
	Title  string
	Author string // from <meta name="author">
	Text   string
}

// ExtractHTML returns the visible text of an HTML document. Block elements
// become line breaks; script, style and similar elements are dropped.
func ExtractHTML(r io.Reader) (HTMLDocument, error) {
	root, err := html.Parse(r)
	if err != nil {
		return HTMLDocument{}, fmt.Errorf("failed to parse html: %w", err)
	}

	var doc HTMLDocument
	var b strings.Builder
	newline := func() {
		s := b.String()
		if s != "" && !strings.HasSuffix(s, "\n") {
			b.WriteByte('\n')
		}
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Svg, atom.Iframe:
				return
			case atom.Title:
				if n.FirstChild != nil {
					doc.Title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			case atom.Meta:
				if attr(n, "name") == "author" {
					doc.Author = strings.TrimSpace(attr(n, "content"))
				}
				return
			case atom.Br:
				b.WriteByte('\n')
				return
			}
		case html.TextNode:
			if text := strings.Join(strings.Fields(n.Data), " "); text != "" {
				s := b.String()
				if s != "" && !strings.HasSuffix(s, "\n") && !strings.HasSuffix(s, " ") {
					b.WriteByte(' ')
				}
				b.WriteString(text)
			}
			return
		}

		block := n.Type == html.ElementNode && blockElements[n.DataAtom]
		if block {
			newline()
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if block {
			newline()
		}
	}
	walk(root)

	doc.Text = strings.TrimSpace(b.String())
	return doc, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true,
	atom.Header: true, atom.Footer: true, atom.Main: true, atom.Nav: true, atom.Aside: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Ul: true, atom.Ol: true, atom.Li: true, atom.Dl: true, atom.Dt: true, atom.Dd: true,
	atom.Table: true, atom.Tr: true, atom.Blockquote: true, atom.Pre: true,
	atom.Hr: true, atom.Figure: true, atom.Figcaption: true,
}
