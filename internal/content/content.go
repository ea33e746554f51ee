// Package content transforms raw HTML supplied by API clients: minification,
// plain-text extraction, a sanitized reader view, and Markdown conversion.
package content

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// MaxHTMLSize bounds the input accepted by every transform.
const MaxHTMLSize = 10 << 20

// ErrEmptyHTML is returned for blank input.
var ErrEmptyHTML = errors.New("html content required")

// nonContent is removed before text, reader and Markdown extraction.
const nonContent = "script, style, noscript, template, iframe, object, embed, svg, canvas"

func validate(src string) error {
	if strings.TrimSpace(src) == "" {
		return ErrEmptyHTML
	}
	if len(src) > MaxHTMLSize {
		return fmt.Errorf("html exceeds maximum size of %d bytes", MaxHTMLSize)
	}
	return nil
}

func load(src string) (*goquery.Document, error) {
	if err := validate(src); err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parse failed: %w", err)
	}
	return doc, nil
}

// normalizeSpace collapses every whitespace run to one space.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
