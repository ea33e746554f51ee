package content

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Minify removes comments and collapses whitespace in text outside pre,
// textarea, script and style. Tags are emitted exactly as written.
func Minify(src string) (string, error) {
	if err := validate(src); err != nil {
		return "", err
	}

	var out strings.Builder
	out.Grow(len(src))
	z := html.NewTokenizer(strings.NewReader(src))
	preserve := 0

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return "", fmt.Errorf("tokenize failed: %w", err)
			}
			return strings.TrimSpace(out.String()), nil

		case html.CommentToken:
			continue

		case html.TextToken:
			raw := z.Raw()
			if preserve > 0 {
				out.Write(raw)
				continue
			}
			text := collapse(string(raw))
			if strings.HasSuffix(out.String(), " ") {
				text = strings.TrimLeft(text, " ")
			}
			out.WriteString(text)

		case html.StartTagToken:
			if name, _ := z.TagName(); preserves(atom.Lookup(name)) {
				preserve++
			}
			out.Write(z.Raw())

		case html.EndTagToken:
			if name, _ := z.TagName(); preserves(atom.Lookup(name)) && preserve > 0 {
				preserve--
			}
			out.Write(z.Raw())

		default:
			out.Write(z.Raw())
		}
	}
}

func preserves(a atom.Atom) bool {
	switch a {
	case atom.Pre, atom.Textarea, atom.Script, atom.Style:
		return true
	}
	return false
}

// collapse squeezes whitespace runs to a single space, keeping a leading or
// trailing one so adjacent inline text does not run together.
func collapse(s string) string {
	if s == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\f' {
			if !inSpace {
				b.WriteByte(' ')
				inSpace = true
			}
			continue
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}
