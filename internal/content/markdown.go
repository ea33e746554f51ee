package content

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var blankRuns = regexp.MustCompile(`\n{3,}`)

// Markdown converts a document body to CommonMark-style Markdown.
func Markdown(src string) (string, error) {
	doc, err := load(src)
	if err != nil {
		return "", err
	}
	doc.Find(nonContent + ", head").Remove()

	root := doc.Selection
	if body := doc.Find("body"); body.Length() > 0 {
		root = body
	}
	var out strings.Builder
	for _, n := range root.Nodes {
		out.WriteString(renderChildren(n))
	}
	return tidy(out.String()), nil
}

func tidy(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimSpace(blankRuns.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}

// mdBuf is an output buffer aware of line and block boundaries.
type mdBuf struct {
	bytes.Buffer
}

func (b *mdBuf) last() byte {
	if b.Len() == 0 {
		return '\n'
	}
	return b.Bytes()[b.Len()-1]
}

func (b *mdBuf) text(s string) {
	s = collapse(s)
	if c := b.last(); c == '\n' || c == ' ' {
		s = strings.TrimLeft(s, " ")
	}
	b.WriteString(s)
}

func (b *mdBuf) trimTrailingSpace() {
	for b.Len() > 0 && b.last() == ' ' {
		b.Truncate(b.Len() - 1)
	}
}

// block writes s as its own block, separated by a blank line.
func (b *mdBuf) block(s string) {
	if strings.TrimSpace(s) == "" {
		return
	}
	b.trimTrailingSpace()
	if b.Len() > 0 {
		switch {
		case bytes.HasSuffix(b.Bytes(), []byte("\n\n")):
		case b.last() == '\n':
			b.WriteByte('\n')
		default:
			b.WriteString("\n\n")
		}
	}
	b.WriteString(s)
	b.WriteString("\n\n")
}

func renderChildren(n *html.Node) string {
	var b mdBuf
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		renderNode(&b, c)
	}
	return b.String()
}

func inline(n *html.Node) string {
	return strings.TrimSpace(renderChildren(n))
}

func renderNode(b *mdBuf, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.text(n.Data)
		return
	case html.ElementNode:
	default:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			renderNode(b, c)
		}
		return
	}

	switch n.DataAtom {
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		level := int(n.Data[1] - '0')
		if text := inline(n); text != "" {
			b.block(strings.Repeat("#", level) + " " + strings.ReplaceAll(text, "\n", " "))
		}
	case atom.P:
		b.block(inline(n))
	case atom.Br:
		b.trimTrailingSpace()
		b.WriteByte('\n')
	case atom.Hr:
		b.block("---")
	case atom.Strong, atom.B:
		wrap(b, inline(n), "**")
	case atom.Em, atom.I:
		wrap(b, inline(n), "_")
	case atom.Del, atom.S:
		wrap(b, inline(n), "~~")
	case atom.Code:
		wrap(b, nodeText(n), "`")
	case atom.Pre:
		b.block("```\n" + strings.Trim(nodeText(n), "\n") + "\n```")
	case atom.A:
		renderLink(b, n)
	case atom.Img:
		if src := attr(n, "src"); src != "" {
			b.WriteString(fmt.Sprintf("![%s](%s)", attr(n, "alt"), src))
		}
	case atom.Ul:
		b.block(renderList(n, false))
	case atom.Ol:
		b.block(renderList(n, true))
	case atom.Blockquote:
		b.block(prefixLines(inline(n), "> ", ">"))
	case atom.Table:
		b.block(renderTable(n))
	default:
		if isBlock(n.DataAtom) {
			b.block(inline(n))
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			renderNode(b, c)
		}
	}
}

func wrap(b *mdBuf, s, marker string) {
	if s == "" {
		return
	}
	if c := b.last(); c != '\n' && c != ' ' {
		b.WriteByte(' ')
	}
	b.WriteString(marker + s + marker)
}

func renderLink(b *mdBuf, n *html.Node) {
	text := inline(n)
	href := strings.TrimSpace(attr(n, "href"))
	if href == "" || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		b.WriteString(text)
		return
	}
	if text == "" {
		text = href
	}
	b.WriteString(fmt.Sprintf("[%s](%s)", text, href))
}

func renderList(n *html.Node, ordered bool) string {
	var lines []string
	i := 1
	for li := n.FirstChild; li != nil; li = li.NextSibling {
		if li.Type != html.ElementNode || li.DataAtom != atom.Li {
			continue
		}
		marker := "- "
		if ordered {
			marker = fmt.Sprintf("%d. ", i)
		}
		indent := strings.Repeat(" ", len(marker))
		first := true
		for _, line := range strings.Split(inline(li), "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			if first {
				lines = append(lines, marker+line)
				first = false
				continue
			}
			lines = append(lines, indent+line)
		}
		if first {
			lines = append(lines, strings.TrimRight(marker, " "))
		}
		i++
	}
	return strings.Join(lines, "\n")
}

func renderTable(n *html.Node) string {
	var rows [][]string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			if c.DataAtom != atom.Tr {
				walk(c)
				continue
			}
			var row []string
			for cell := c.FirstChild; cell != nil; cell = cell.NextSibling {
				if cell.Type == html.ElementNode && (cell.DataAtom == atom.Td || cell.DataAtom == atom.Th) {
					text := strings.ReplaceAll(inline(cell), "\n", " ")
					row = append(row, strings.ReplaceAll(text, "|", `\|`))
				}
			}
			if len(row) > 0 {
				rows = append(rows, row)
			}
		}
	}
	walk(n)
	if len(rows) == 0 {
		return ""
	}

	cols := 0
	for _, r := range rows {
		cols = max(cols, len(r))
	}
	line := func(cells []string) string {
		padded := make([]string, cols)
		copy(padded, cells)
		return "| " + strings.Join(padded, " | ") + " |"
	}
	sep := make([]string, cols)
	for i := range sep {
		sep[i] = "---"
	}

	out := []string{line(rows[0]), line(sep)}
	for _, r := range rows[1:] {
		out = append(out, line(r))
	}
	return strings.Join(out, "\n")
}

func prefixLines(s, prefix, empty string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if strings.TrimSpace(l) == "" {
			lines[i] = empty
			continue
		}
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
