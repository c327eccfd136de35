// Package extract turns a loaded page into structured data with goquery.
package extract

import (
	"context"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/Rorqualx/trafficwarden/internal/types"
)

// Default limits.
const (
	DefaultMaxLinks    = 200
	DefaultMaxHeadings = 50
	DefaultExcerptLen  = 280
)

// Extractor reads the page HTML and pulls out the title, description,
// language, headings, links, a word count and an excerpt.
type Extractor struct {
	maxLinks    int
	maxHeadings int
	excerptLen  int
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithMaxLinks caps the number of links kept. n below 1 keeps none.
func WithMaxLinks(n int) Option {
	return func(e *Extractor) { e.maxLinks = n }
}

// WithMaxHeadings caps the number of headings kept.
func WithMaxHeadings(n int) Option {
	return func(e *Extractor) { e.maxHeadings = n }
}

// WithExcerptLength sets the excerpt length in runes.
func WithExcerptLength(n int) Option {
	return func(e *Extractor) { e.excerptLen = n }
}

// New creates an Extractor.
func New(opts ...Option) *Extractor {
	e := &Extractor{
		maxLinks:    DefaultMaxLinks,
		maxHeadings: DefaultMaxHeadings,
		excerptLen:  DefaultExcerptLen,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract reads page and parses its HTML. Every failure is returned as a
// *types.ExtractionError.
func (e *Extractor) Extract(ctx context.Context, page types.PageHandle) (*types.ExtractedData, error) {
	if page == nil {
		return nil, &types.ExtractionError{Message: "no page"}
	}
	pageURL := page.URL()

	html, err := page.HTML(ctx)
	if err != nil {
		return nil, &types.ExtractionError{URL: pageURL, Message: "failed to read page HTML", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &types.ExtractionError{URL: pageURL, Message: "canceled", Err: err}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, &types.ExtractionError{URL: pageURL, Message: "failed to parse HTML", Err: err}
	}

	return e.extractDocument(doc, pageURL), nil
}

func (e *Extractor) extractDocument(doc *goquery.Document, pageURL string) *types.ExtractedData {
	data := &types.ExtractedData{
		URL:         pageURL,
		Title:       title(doc),
		Description: description(doc),
		Language:    strings.TrimSpace(doc.Find("html").AttrOr("lang", "")),
		Headings:    e.headings(doc),
		Links:       e.links(doc, pageURL),
	}

	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	words := strings.Fields(body.Text())
	data.WordCount = len(words)
	data.Excerpt = excerpt(words, e.excerptLen)

	return data
}

func title(doc *goquery.Document) string {
	t := normalize(doc.Find("title").First().Text())
	if t == "" {
		t = normalize(doc.Find("meta[property='og:title']").AttrOr("content", ""))
	}
	return t
}

func description(doc *goquery.Document) string {
	d := normalize(doc.Find("meta[name='description']").AttrOr("content", ""))
	if d == "" {
		d = normalize(doc.Find("meta[property='og:description']").AttrOr("content", ""))
	}
	return d
}

func (e *Extractor) headings(doc *goquery.Document) []string {
	var out []string
	doc.Find("h1, h2, h3").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if len(out) >= e.maxHeadings {
			return false
		}
		if text := normalize(s.Text()); text != "" {
			out = append(out, text)
		}
		return true
	})
	return out
}

// links resolves hrefs against the page URL and keeps http(s) targets once,
// in document order. Fragments are dropped.
func (e *Extractor) links(doc *goquery.Document, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		base = nil
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := url.Parse(strings.TrimSpace(href)); err == nil {
			if base != nil {
				b = base.ResolveReference(b)
			}
			base = b
		}
	}

	seen := make(map[string]bool)
	var out []string
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if len(out) >= e.maxLinks {
			return false
		}
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return true
		}
		u, err := url.Parse(href)
		if err != nil {
			return true
		}
		if base != nil {
			u = base.ResolveReference(u)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return true
		}
		u.Fragment = ""
		abs := u.String()
		if !seen[abs] {
			seen[abs] = true
			out = append(out, abs)
		}
		return true
	})
	return out
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// excerpt joins leading words up to n runes, cutting at a word boundary.
func excerpt(words []string, n int) string {
	if n <= 0 || len(words) == 0 {
		return ""
	}
	var b strings.Builder
	count := 0
	for i, w := range words {
		wl := utf8.RuneCountInString(w)
		if i > 0 {
			wl++
		}
		if count+wl > n {
			if i == 0 {
				r := []rune(w)
				return string(r[:n])
			}
			b.WriteString("...")
			break
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
		count += wl
	}
	return b.String()
}
