package parser

import (
	"encoding/json"
	"maps"
	"regexp"
	"slices"
	"strings"
)

const maxEmbeddedDepth = 12

var (
	nameKeys  = []string{"name", "title", "productName", "subject", "product_name"}
	priceKeys = []string{"price", "current_price", "salePrice", "sale_price", "minPrice", "min_price", "actMinPrice"}
)

// EmbeddedJSONTier reads state objects that storefronts inline into
// script tags, such as window.__INITIAL_STATE__.
type EmbeddedJSONTier struct {
	Prefixes []*regexp.Regexp
}

func NewEmbeddedJSONTier() EmbeddedJSONTier {
	return EmbeddedJSONTier{
		Prefixes: []*regexp.Regexp{
			regexp.MustCompile(`window\.__INITIAL_STATE__\s*=\s*`),
			regexp.MustCompile(`window\.__data\s*=\s*`),
			regexp.MustCompile(`window\.pageData\s*=\s*`),
			regexp.MustCompile(`"product"\s*:\s*`),
		},
	}
}

func (EmbeddedJSONTier) Name() string { return "embedded-json" }

func (t EmbeddedJSONTier) Extract(page *Page) *RawProduct {
	for _, prefix := range t.Prefixes {
		for _, loc := range prefix.FindAllStringIndex(page.HTML, 5) {
			data, ok := decodeObjectAt(page.HTML, loc[1])
			if !ok {
				continue
			}
			if obj := findProductObject(data, 0); obj != nil {
				return productFromEmbedded(obj)
			}
		}
	}
	return nil
}

// decodeObjectAt decodes the single JSON object starting at offset. The
// decoder stops at the matching brace, so trailing script is ignored.
func decodeObjectAt(html string, offset int) (map[string]any, bool) {
	rest := strings.TrimLeft(html[offset:], " \t\r\n")
	if !strings.HasPrefix(rest, "{") {
		return nil, false
	}
	var obj map[string]any
	if err := json.NewDecoder(strings.NewReader(rest)).Decode(&obj); err != nil {
		return nil, false
	}
	return obj, true
}

func findProductObject(v any, depth int) map[string]any {
	if depth > maxEmbeddedDepth {
		return nil
	}
	switch t := v.(type) {
	case map[string]any:
		if firstString(t, nameKeys) != "" && firstPrice(t) > 0 {
			return t
		}
		// key order keeps the pick stable across runs
		for _, k := range slices.Sorted(maps.Keys(t)) {
			if found := findProductObject(t[k], depth+1); found != nil {
				return found
			}
		}
	case []any:
		for _, child := range t {
			if found := findProductObject(child, depth+1); found != nil {
				return found
			}
		}
	}
	return nil
}

func firstString(obj map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func firstPrice(obj map[string]any) float64 {
	for _, k := range priceKeys {
		if v, ok := obj[k]; ok {
			if f := toFloat(v); f > 0 {
				return f
			}
		}
	}
	return 0
}

func productFromEmbedded(obj map[string]any) *RawProduct {
	raw := &RawProduct{
		Name:        firstString(obj, nameKeys),
		Description: firstString(obj, []string{"description", "desc"}),
		Price:       firstPrice(obj),
		Currency:    firstString(obj, []string{"currency", "priceCurrency", "currencyCode"}),
		SellerName:  firstString(obj, []string{"seller_name", "sellerName", "shop_name", "storeName"}),
	}

	for _, k := range []string{"original_price", "originalPrice", "price_before_discount", "retail_price", "maxPrice"} {
		if f := toFloat(obj[k]); f > 0 {
			raw.OriginalPrice = f
			break
		}
	}
	for _, k := range []string{"images", "imageList", "image_list", "imagePathList", "image"} {
		if imgs := toStrings(obj[k]); len(imgs) > 0 {
			raw.Images = imgs
			break
		}
	}
	if f := toFloat(obj["rating"]); f > 0 && f <= 5 {
		raw.Rating = &f
	} else if f := toFloat(obj["averageStar"]); f > 0 && f <= 5 {
		raw.Rating = &f
	}
	for _, k := range []string{"review_count", "reviewCount", "totalValidNum", "cmt_count"} {
		if n := toInt(obj[k]); n > 0 {
			raw.ReviewCount = n
			break
		}
	}
	if stock, ok := obj["stock"].(float64); ok {
		n := int(stock)
		raw.Stock = &n
	}
	raw.Features = toStrings(obj["features"])

	raw.Raw, _ = json.Marshal(obj)
	return raw
}
