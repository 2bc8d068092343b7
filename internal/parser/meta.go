package parser

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
)

const (
	maxMetaFeatures    = 10
	maxReadableExcerpt = 1000
	minFeatureLength   = 6
	maxFeatureLength   = 200
)

// MetaTier falls back to OpenGraph and plain meta tags. When the page
// carries no description it asks readability for the main text.
type MetaTier struct {
	SkipReadability bool
}

func (MetaTier) Name() string { return "meta" }

func (t MetaTier) Extract(page *Page) *RawProduct {
	doc := page.Doc
	raw := &RawProduct{
		Name:        firstMeta(doc, `meta[property="og:title"]`, `meta[name="title"]`, `meta[name="twitter:title"]`),
		Description: firstMeta(doc, `meta[property="og:description"]`, `meta[name="description"]`),
		Currency:    firstMeta(doc, `meta[property="product:price:currency"]`, `meta[property="og:price:currency"]`),
		Brand:       firstMeta(doc, `meta[property="product:brand"]`, `meta[property="og:brand"]`),
	}
	if raw.Name == "" {
		raw.Name = strings.TrimSpace(doc.Find("title").First().Text())
	}
	raw.Price = ParsePrice(firstMeta(doc, `meta[property="product:price:amount"]`, `meta[property="og:price:amount"]`))

	doc.Find(`meta[property="og:image"]`).Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr("content"); ok && strings.TrimSpace(v) != "" {
			raw.Images = append(raw.Images, strings.TrimSpace(v))
		}
	})

	doc.Find("ul li").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.Join(strings.Fields(s.Text()), " ")
		if n := utf8.RuneCountInString(text); n >= minFeatureLength && n <= maxFeatureLength {
			raw.Features = append(raw.Features, text)
		}
		return len(raw.Features) < maxMetaFeatures
	})

	if raw.Description == "" && !t.SkipReadability {
		raw.Description = readableExcerpt(page)
	}

	if raw.Name == "" && raw.Price == 0 && len(raw.Images) == 0 {
		return nil
	}

	raw.Raw, _ = json.Marshal(map[string]any{
		"title":       raw.Name,
		"price":       raw.Price,
		"images":      raw.Images,
		"description": raw.Description,
	})
	return raw
}

func firstMeta(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if v, ok := doc.Find(sel).First().Attr("content"); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

func readableExcerpt(page *Page) string {
	article, err := readability.FromReader(strings.NewReader(page.HTML), page.URL)
	if err != nil {
		return ""
	}

	text := strings.TrimSpace(article.Excerpt)
	if text == "" {
		text = strings.Join(strings.Fields(article.TextContent), " ")
	}
	if utf8.RuneCountInString(text) > maxReadableExcerpt {
		text = string([]rune(text)[:maxReadableExcerpt])
	}
	return text
}
