package content

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

// Article is the reader view of a page.
type Article struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Boilerplate stripped before choosing the main content.
const boilerplate = "nav, header, footer, aside, form, button, .ad, .ads, .advertisement, .sidebar, .menu, .cookie, .cookies, #cookie-banner, [role='navigation'], [role='banner'], [role='contentinfo'], [aria-hidden='true']"

// Reader extracts the main content of a page and returns it as sanitized HTML.
type Reader struct {
	policy *bluemonday.Policy
}

// NewReader creates a reader using the user-generated-content policy.
func NewReader() *Reader {
	return &Reader{policy: bluemonday.UGCPolicy()}
}

// Extract builds the reader view of src.
func (r *Reader) Extract(src string) (Article, error) {
	doc, err := load(src)
	if err != nil {
		return Article{}, err
	}

	title := pageTitle(doc)
	doc.Find(nonContent).Remove()
	doc.Find(boilerplate).Remove()

	main := mainContent(doc)
	inner, err := main.Html()
	if err != nil {
		return Article{}, err
	}
	return Article{
		Title:   title,
		Content: strings.TrimSpace(r.policy.Sanitize(inner)),
	}, nil
}

func pageTitle(doc *goquery.Document) string {
	if t := normalizeSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	if t := strings.TrimSpace(doc.Find("meta[property='og:title']").AttrOr("content", "")); t != "" {
		return t
	}
	return normalizeSpace(doc.Find("h1").First().Text())
}

// mainContent prefers semantic containers, then the block with the most
// paragraph text, then the body.
func mainContent(doc *goquery.Document) *goquery.Selection {
	for _, sel := range []string{"article", "main", "[role='main']", "#content, #main, .content, .article, .post"} {
		if found := doc.Find(sel).First(); found.Length() > 0 && textLength(found) > 0 {
			return found
		}
	}

	var best *goquery.Selection
	bestScore := 0
	doc.Find("div, section, td").Each(func(_ int, s *goquery.Selection) {
		score := 0
		s.ChildrenFiltered("p, pre, blockquote, ul, ol, h2, h3").Each(func(_ int, p *goquery.Selection) {
			score += textLength(p)
		})
		if score > bestScore {
			best, bestScore = s, score
		}
	})
	if best != nil {
		return best
	}
	if body := doc.Find("body"); body.Length() > 0 {
		return body
	}
	return doc.Selection
}

func textLength(s *goquery.Selection) int {
	return len(normalizeSpace(s.Text()))
}
