package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

var ErrInvalidProduct = errors.New("invalid product")

type Marketplace string

const (
	MarketplaceShopee     Marketplace = "shopee"
	MarketplaceAliExpress Marketplace = "aliexpress"
	MarketplaceShein      Marketplace = "shein"
	MarketplaceAmazon     Marketplace = "amazon"
	MarketplaceCustom     Marketplace = "custom"
)

func (m Marketplace) Valid() bool {
	switch m {
	case MarketplaceShopee, MarketplaceAliExpress, MarketplaceShein, MarketplaceAmazon, MarketplaceCustom:
		return true
	}
	return false
}

const (
	MinNameLength        = 5
	MaxNameLength        = 500
	MaxDescriptionLength = 5000
	MaxImages            = 10
)

type Product struct {
	ID            string          `json:"id"`
	MarketplaceID string          `json:"marketplace_id"`
	Marketplace   Marketplace     `json:"marketplace"`
	SourceURL     string          `json:"source_url"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Price         Price           `json:"price"`
	Stock         *int            `json:"stock,omitempty"`
	IsAvailable   bool            `json:"is_available"`
	Images        []Image         `json:"images"`
	Attributes    []Attribute     `json:"attributes"`
	Features      []string        `json:"features"`
	Categories    []string        `json:"categories"`
	Rating        *float64        `json:"rating,omitempty"`
	ReviewCount   int             `json:"review_count"`
	SellerName    string          `json:"seller_name,omitempty"`
	SellerRating  *float64        `json:"seller_rating,omitempty"`
	ScrapedAt     time.Time       `json:"scrape_timestamp"`
	LastUpdated   time.Time       `json:"last_updated"`
	ContentHash   string          `json:"content_hash,omitempty"`
	RawData       json.RawMessage `json:"raw_data,omitempty"`
}

type Price struct {
	Amount             float64  `json:"amount"`
	Currency           string   `json:"currency"`
	OriginalAmount     *float64 `json:"original_amount,omitempty"`
	DiscountPercentage *float64 `json:"discount_percentage,omitempty"`
}

type Image struct {
	URL       string `json:"url"`
	AltText   string `json:"alt_text,omitempty"`
	IsPrimary bool   `json:"is_primary"`
	Position  int    `json:"position"`
}

type Attribute struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Category string `json:"category,omitempty"`
}

// DiscountAmount returns the difference to the original price, if discounted.
func (p Price) DiscountAmount() (float64, bool) {
	if p.OriginalAmount != nil && *p.OriginalAmount > p.Amount {
		return *p.OriginalAmount - p.Amount, true
	}
	return 0, false
}

// PricePolicyMode decides what happens with placeholder prices such as 0.01.
type PricePolicyMode string

const (
	PricePolicyReject      PricePolicyMode = "reject"
	PricePolicyUseOriginal PricePolicyMode = "use_original"
)

type PricePolicy struct {
	Mode          PricePolicyMode
	MinValidPrice float64
}

func DefaultPricePolicy() PricePolicy {
	return PricePolicy{Mode: PricePolicyReject, MinValidPrice: 0.05}
}

// ProductInput is the unvalidated material a scraper collects before
// NewProduct turns it into a Product.
type ProductInput struct {
	MarketplaceID  string
	Marketplace    Marketplace
	SourceURL      string
	Name           string
	Description    string
	Amount         float64
	Currency       string
	OriginalAmount *float64
	Stock          *int
	Available      *bool
	ImageURLs      []string
	Attributes     []Attribute
	Features       []string
	Categories     []string
	Rating         *float64
	ReviewCount    int
	SellerName     string
	SellerRating   *float64
	ContentHash    string
	RawData        json.RawMessage
}

// NewProduct validates the input and builds an immutable Product.
func NewProduct(in ProductInput, policy PricePolicy) (*Product, error) {
	name := strings.TrimSpace(in.Name)
	if n := utf8.RuneCountInString(name); n < MinNameLength || n > MaxNameLength {
		return nil, fmt.Errorf("%w: name length %d outside [%d,%d]", ErrInvalidProduct, n, MinNameLength, MaxNameLength)
	}
	if in.MarketplaceID == "" {
		return nil, fmt.Errorf("%w: marketplace id is required", ErrInvalidProduct)
	}
	if !in.Marketplace.Valid() {
		return nil, fmt.Errorf("%w: unknown marketplace %q", ErrInvalidProduct, in.Marketplace)
	}
	if in.SourceURL == "" {
		return nil, fmt.Errorf("%w: source url is required", ErrInvalidProduct)
	}

	price, err := buildPrice(in, policy)
	if err != nil {
		return nil, err
	}

	if in.Rating != nil && (*in.Rating < 0 || *in.Rating > 5) {
		return nil, fmt.Errorf("%w: rating %.2f outside [0,5]", ErrInvalidProduct, *in.Rating)
	}
	if in.SellerRating != nil && (*in.SellerRating < 0 || *in.SellerRating > 5) {
		return nil, fmt.Errorf("%w: seller rating %.2f outside [0,5]", ErrInvalidProduct, *in.SellerRating)
	}
	if in.ReviewCount < 0 {
		return nil, fmt.Errorf("%w: negative review count", ErrInvalidProduct)
	}
	if in.Stock != nil && *in.Stock < 0 {
		return nil, fmt.Errorf("%w: negative stock", ErrInvalidProduct)
	}

	description := strings.TrimSpace(in.Description)
	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		description = string([]rune(description)[:MaxDescriptionLength])
	}

	available := true
	if in.Available != nil {
		available = *in.Available
	} else if in.Stock != nil {
		available = *in.Stock > 0
	}

	now := time.Now().UTC()
	return &Product{
		ID:            in.MarketplaceID,
		MarketplaceID: in.MarketplaceID,
		Marketplace:   in.Marketplace,
		SourceURL:     in.SourceURL,
		Name:          name,
		Description:   description,
		Price:         price,
		Stock:         copyInt(in.Stock),
		IsAvailable:   available,
		Images:        buildImages(in.ImageURLs),
		Attributes:    append([]Attribute{}, in.Attributes...),
		Features:      nonEmpty(in.Features),
		Categories:    nonEmpty(in.Categories),
		Rating:        copyFloat(in.Rating),
		ReviewCount:   in.ReviewCount,
		SellerName:    strings.TrimSpace(in.SellerName),
		SellerRating:  copyFloat(in.SellerRating),
		ScrapedAt:     now,
		LastUpdated:   now,
		ContentHash:   in.ContentHash,
		RawData:       append(json.RawMessage(nil), in.RawData...),
	}, nil
}

func buildPrice(in ProductInput, policy PricePolicy) (Price, error) {
	amount := in.Amount
	original := copyFloat(in.OriginalAmount)

	if amount <= policy.MinValidPrice {
		if policy.Mode == PricePolicyUseOriginal && original != nil && *original > policy.MinValidPrice {
			amount = *original
			original = nil
		} else {
			return Price{}, fmt.Errorf("%w: price %.2f is not a valid amount", ErrInvalidProduct, in.Amount)
		}
	}
	if original != nil && *original < amount {
		return Price{}, fmt.Errorf("%w: original price %.2f below current price %.2f", ErrInvalidProduct, *original, amount)
	}

	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = "BRL"
	}

	price := Price{Amount: amount, Currency: currency, OriginalAmount: original}
	if original != nil && *original > amount {
		pct := (*original - amount) / *original * 100
		price.DiscountPercentage = &pct
	}
	return price, nil
}

func buildImages(urls []string) []Image {
	images := make([]Image, 0, len(urls))
	seen := make(map[string]bool)
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		images = append(images, Image{
			URL:       u,
			IsPrimary: len(images) == 0,
			Position:  len(images),
		})
		if len(images) == MaxImages {
			break
		}
	}
	return images
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// PrimaryImage returns the URL of the first image, or "".
func (p *Product) PrimaryImage() string {
	if len(p.Images) == 0 {
		return ""
	}
	return p.Images[0].URL
}

func (p *Product) DisplayName() string {
	r := []rune(p.Name)
	if len(r) > 100 {
		return string(r[:100]) + "..."
	}
	return p.Name
}

func (p *Product) CacheKey() string {
	return fmt.Sprintf("product:%s:%s", p.Marketplace, p.MarketplaceID)
}
