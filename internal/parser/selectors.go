package parser

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// SelectorTable is a site-specific DOM tier. Each field lists CSS
// selectors tried in order; the first non-empty match wins.
type SelectorTable struct {
	Label         string
	Title         []string
	Price         []string
	OriginalPrice []string
	Brand         []string
	BrandPrefixes []string
	BrandSuffixes []string
	Category      []string
	Images        []string
	ImageAttrs    []string
	ImageRewrite  [2]string
	Features      []string
	Description   []string
	Rating        []string
	ReviewCount   []string
	Currency      string
	MaxImages     int
	MaxFeatures   int
}

var (
	ratingPattern = regexp.MustCompile(`(\d+(?:[,.]\d+)?)`)
	countPattern  = regexp.MustCompile(`(\d[\d.,]*)`)
)

// AmazonSelectors reads Amazon product detail pages.
var AmazonSelectors = SelectorTable{
	Label: "amazon-dom",
	Title: []string{"#productTitle", "#title"},
	Price: []string{
		".a-price.apexPriceToPay .a-offscreen",
		"#corePrice_feature_div .a-offscreen",
		".a-price-whole",
		"span.a-price.a-text-price.a-size-medium.apexPriceToPay",
		".a-price-range",
		"#priceblock_dealprice",
		"#priceblock_ourprice",
		".a-price.a-text-price.header-price",
	},
	OriginalPrice: []string{".a-price.a-text-price[data-a-strike] .a-offscreen", ".basisPrice .a-offscreen"},
	Brand:         []string{"#bylineInfo"},
	BrandPrefixes: []string{"Marke: ", "Brand: ", "Besuchen Sie den ", "Visit the ", "Visite a loja "},
	BrandSuffixes: []string{"-Store", " Store"},
	Category:      []string{"#wayfinding-breadcrumbs_feature_div .a-list-item a"},
	Images:        []string{"#altImages ul li img", "#landingImage", "#imgBlkFront"},
	ImageAttrs:    []string{"data-old-hires", "src"},
	ImageRewrite:  [2]string{"_AC_US40_", "_AC_SL1500_"},
	Features:      []string{"#feature-bullets li span.a-list-item", ".detail-bullet-list li"},
	Description:   []string{"#productDescription", "#feature-bullets"},
	Rating:        []string{"#acrPopover .a-icon-alt", "#acrPopover"},
	ReviewCount:   []string{"#acrCustomerReviewText"},
	MaxImages:     10,
	MaxFeatures:   10,
}

// SheinSelectors reads the server-rendered parts of Shein pages.
var SheinSelectors = SelectorTable{
	Label:       "shein-dom",
	Title:       []string{"h1", ".product-intro__head-name", ".product-title", "[data-testid='product-title']"},
	Price:       []string{".product-intro__head-price .from", ".product-intro__head-mainprice", "[data-testid='price']"},
	Images:      []string{".product-intro__main-item img", "img[src*='shein']", "img[data-src]"},
	ImageAttrs:  []string{"data-src", "src"},
	Description: []string{".product-intro__description", ".product-description", "[data-testid='description']"},
	Features:    []string{".product-intro__description-table-item"},
	Rating:      []string{".rate-num", ".rating", "[data-testid='rating']"},
	ReviewCount: []string{".review-num", "[data-testid='review-count']"},
	MaxImages:   10,
	MaxFeatures: 5,
}

func (s SelectorTable) Name() string { return s.Label }

func (s SelectorTable) Extract(page *Page) *RawProduct {
	doc := page.Doc
	raw := &RawProduct{
		Name:        s.text(doc, s.Title),
		Description: s.text(doc, s.Description),
		Brand:       s.brand(doc),
		Currency:    s.Currency,
	}

	if priceText := s.text(doc, s.Price); priceText != "" {
		if raw.Currency == "" {
			raw.Currency = currencyFromText(priceText)
		}
		raw.Price = ParsePriceIn(priceText, raw.Currency)
	}
	if original := s.text(doc, s.OriginalPrice); original != "" {
		raw.OriginalPrice = ParsePriceIn(original, raw.Currency)
	}

	if category := s.all(doc, s.Category, 0); len(category) > 0 {
		raw.Categories = category
	}
	raw.Features = s.all(doc, s.Features, s.MaxFeatures)
	raw.Images = s.images(doc)

	if m := ratingPattern.FindStringSubmatch(s.text(doc, s.Rating)); len(m) > 1 {
		if v := ParsePrice(m[1]); v > 0 && v <= 5 {
			raw.Rating = &v
		}
	}
	if m := countPattern.FindStringSubmatch(s.text(doc, s.ReviewCount)); len(m) > 1 {
		raw.ReviewCount = toInt(m[1])
	}

	if raw.Name == "" && raw.Price == 0 {
		return nil
	}

	raw.Raw, _ = json.Marshal(map[string]any{
		"title":  raw.Name,
		"price":  raw.Price,
		"brand":  raw.Brand,
		"images": raw.Images,
	})
	return raw
}

func (s SelectorTable) text(doc *goquery.Document, selectors []string) string {
	for _, sel := range selectors {
		if t := clean(doc.Find(sel).First().Text()); t != "" {
			return t
		}
	}
	return ""
}

func (s SelectorTable) all(doc *goquery.Document, selectors []string, limit int) []string {
	var out []string
	for _, sel := range selectors {
		doc.Find(sel).Each(func(_ int, el *goquery.Selection) {
			if t := clean(el.Text()); t != "" && (limit == 0 || len(out) < limit) {
				out = append(out, t)
			}
		})
		if len(out) > 0 {
			break
		}
	}
	return out
}

func (s SelectorTable) brand(doc *goquery.Document) string {
	brand := s.text(doc, s.Brand)
	for _, p := range s.BrandPrefixes {
		brand = strings.TrimPrefix(brand, p)
	}
	for _, suffix := range s.BrandSuffixes {
		brand = strings.TrimSuffix(brand, suffix)
	}
	return strings.TrimSpace(brand)
}

func (s SelectorTable) images(doc *goquery.Document) []string {
	var images []string
	seen := make(map[string]bool)
	for _, sel := range s.Images {
		doc.Find(sel).Each(func(_ int, el *goquery.Selection) {
			for _, attr := range s.ImageAttrs {
				src, ok := el.Attr(attr)
				if !ok || strings.TrimSpace(src) == "" || strings.HasPrefix(src, "data:") {
					continue
				}
				if s.ImageRewrite[0] != "" {
					src = strings.Replace(src, s.ImageRewrite[0], s.ImageRewrite[1], 1)
				}
				if !seen[src] && (s.MaxImages == 0 || len(images) < s.MaxImages) {
					seen[src] = true
					images = append(images, src)
				}
				break
			}
		})
		if len(images) > 0 {
			break
		}
	}
	return images
}

func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
