package parser

import (
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// JSONLDTier reads schema.org Product blocks, including ones nested in
// @graph or top level arrays.
type JSONLDTier struct{}

func (JSONLDTier) Name() string { return "json-ld" }

func (t JSONLDTier) Extract(page *Page) *RawProduct {
	var found map[string]any
	page.Doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var data any
		if err := json.Unmarshal([]byte(strings.TrimSpace(s.Text())), &data); err != nil {
			return true
		}
		found = findLDProduct(data)
		return found == nil
	})
	if found == nil {
		return nil
	}
	return productFromLD(found)
}

func findLDProduct(data any) map[string]any {
	switch v := data.(type) {
	case []any:
		for _, item := range v {
			if p := findLDProduct(item); p != nil {
				return p
			}
		}
	case map[string]any:
		if isLDType(v["@type"], "Product") {
			return v
		}
		if graph, ok := v["@graph"]; ok {
			return findLDProduct(graph)
		}
	}
	return nil
}

func isLDType(v any, want string) bool {
	switch t := v.(type) {
	case string:
		return strings.EqualFold(t, want)
	case []any:
		for _, item := range t {
			if isLDType(item, want) {
				return true
			}
		}
	}
	return false
}

func productFromLD(p map[string]any) *RawProduct {
	raw := &RawProduct{
		Name:        toString(p["name"]),
		Description: toString(p["description"]),
		Images:      toStrings(p["image"]),
		Brand:       toString(p["brand"]),
		Categories:  toStrings(p["category"]),
	}

	offers := p["offers"]
	if list, ok := offers.([]any); ok && len(list) > 0 {
		offers = list[0]
	}
	if offer, ok := offers.(map[string]any); ok {
		raw.Price = toFloat(offer["price"])
		if raw.Price == 0 {
			raw.Price = toFloat(offer["lowPrice"])
		}
		if high := toFloat(offer["highPrice"]); high > raw.Price {
			raw.OriginalPrice = high
		}
		raw.Currency = toString(offer["priceCurrency"])
		if seller, ok := offer["seller"]; ok {
			raw.SellerName = toString(seller)
		}
		if avail, ok := offer["availability"].(string); ok && strings.Contains(avail, "OutOfStock") {
			zero := 0
			raw.Stock = &zero
		}
	}

	if rating, ok := p["aggregateRating"].(map[string]any); ok {
		if v := toFloat(rating["ratingValue"]); v > 0 {
			raw.Rating = &v
		}
		raw.ReviewCount = toInt(rating["reviewCount"])
		if raw.ReviewCount == 0 {
			raw.ReviewCount = toInt(rating["ratingCount"])
		}
	}

	raw.Raw, _ = json.Marshal(p)
	return raw
}
