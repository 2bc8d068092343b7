package parser

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

const minViableName = 5

// RawProduct is what a single parsing tier managed to read from a page.
// Fields stay unvalidated until models.NewProduct sees them.
type RawProduct struct {
	Tier          string
	Name          string
	Description   string
	Price         float64
	OriginalPrice float64
	Currency      string
	Images        []string
	Features      []string
	Categories    []string
	Brand         string
	Rating        *float64
	ReviewCount   int
	SellerName    string
	Stock         *int
	Raw           json.RawMessage
}

// Viable reports whether the tier found enough to build a product on its own.
func (r *RawProduct) Viable() bool {
	return r != nil && utf8.RuneCountInString(strings.TrimSpace(r.Name)) >= minViableName && r.Price > 0
}

// Merge fills the fields r is missing from other. Fields r already has
// are never overwritten.
func (r *RawProduct) Merge(other *RawProduct) {
	if other == nil {
		return
	}
	if strings.TrimSpace(r.Name) == "" {
		r.Name = other.Name
	}
	if r.Description == "" {
		r.Description = other.Description
	}
	if r.Price <= 0 {
		r.Price = other.Price
	}
	if r.OriginalPrice <= 0 {
		r.OriginalPrice = other.OriginalPrice
	}
	if r.Currency == "" {
		r.Currency = other.Currency
	}
	if len(r.Images) == 0 {
		r.Images = other.Images
	}
	if len(r.Features) == 0 {
		r.Features = other.Features
	}
	if len(r.Categories) == 0 {
		r.Categories = other.Categories
	}
	if r.Brand == "" {
		r.Brand = other.Brand
	}
	if r.Rating == nil {
		r.Rating = other.Rating
	}
	if r.ReviewCount == 0 {
		r.ReviewCount = other.ReviewCount
	}
	if r.SellerName == "" {
		r.SellerName = other.SellerName
	}
	if r.Stock == nil {
		r.Stock = other.Stock
	}
	if len(r.Raw) == 0 {
		r.Raw = other.Raw
	}
	if r.Tier == "" {
		r.Tier = other.Tier
	}
}

// Page is a fetched document shared by all tiers.
type Page struct {
	HTML string
	URL  *url.URL
	Doc  *goquery.Document
}

func NewPage(html string, pageURL string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	u, err := url.Parse(pageURL)
	if err != nil {
		u = nil
	}

	return &Page{HTML: html, URL: u, Doc: doc}, nil
}

// Tier is one extraction strategy. It returns nil when it finds nothing.
type Tier interface {
	Name() string
	Extract(page *Page) *RawProduct
}

// Chain runs tiers in order. The first viable result stops the chain;
// otherwise later tiers fill in whatever earlier ones missed.
type Chain struct {
	tiers []Tier
}

func NewChain(tiers ...Tier) *Chain {
	return &Chain{tiers: tiers}
}

// DefaultChain is JSON-LD, then embedded script state, then meta tags.
func DefaultChain() *Chain {
	return NewChain(JSONLDTier{}, NewEmbeddedJSONTier(), MetaTier{})
}

// Prepend returns a new chain with tier run before the existing ones.
func (c *Chain) Prepend(tier Tier) *Chain {
	return NewChain(append([]Tier{tier}, c.tiers...)...)
}

func (c *Chain) Extract(page *Page) *RawProduct {
	result := &RawProduct{}
	for _, tier := range c.tiers {
		raw := tier.Extract(page)
		if raw == nil {
			continue
		}
		if raw.Tier == "" {
			raw.Tier = tier.Name()
		}
		result.Merge(raw)
		if result.Viable() {
			return result
		}
	}
	return result
}

func (c *Chain) Tiers() []string {
	names := make([]string, len(c.tiers))
	for i, t := range c.tiers {
		names[i] = t.Name()
	}
	return names
}
