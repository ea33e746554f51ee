package content

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ExtractText returns the visible text of a document, one line per block
// element, with whitespace normalized inside each line.
func ExtractText(src string) (string, error) {
	doc, err := load(src)
	if err != nil {
		return "", err
	}
	doc.Find(nonContent + ", head").Remove()
	return textOf(doc.Selection), nil
}

func textOf(sel *goquery.Selection) string {
	w := &lineWriter{}
	for _, n := range sel.Nodes {
		w.walk(n)
	}
	return w.String()
}

// lineWriter accumulates text, breaking lines at block boundaries.
type lineWriter struct {
	lines []string
	cur   strings.Builder
}

func (w *lineWriter) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		w.cur.WriteString(n.Data)
		return
	case html.ElementNode:
		if n.DataAtom == atom.Br {
			w.breakLine()
			return
		}
	}

	block := n.Type == html.ElementNode && isBlock(n.DataAtom)
	if block {
		w.breakLine()
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
	if block {
		w.breakLine()
	} else if n.Type == html.ElementNode && (n.DataAtom == atom.Td || n.DataAtom == atom.Th) {
		w.cur.WriteByte(' ')
	}
}

func (w *lineWriter) breakLine() {
	if line := normalizeSpace(w.cur.String()); line != "" {
		w.lines = append(w.lines, line)
	}
	w.cur.Reset()
}

func (w *lineWriter) String() string {
	w.breakLine()
	return strings.Join(w.lines, "\n")
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.Address, atom.Article, atom.Aside, atom.Blockquote, atom.Body, atom.Dd, atom.Div,
		atom.Dl, atom.Dt, atom.Fieldset, atom.Figcaption, atom.Figure, atom.Footer, atom.Form,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Header, atom.Hr, atom.Li,
		atom.Main, atom.Nav, atom.Ol, atom.P, atom.Pre, atom.Section, atom.Table, atom.Tr,
		atom.Ul, atom.Html, atom.Caption, atom.Details, atom.Summary:
		return true
	}
	return false
}
