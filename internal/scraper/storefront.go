package scraper

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/maltedev/infinityad/internal/models"
	"github.com/maltedev/infinityad/internal/parser"
)

const maxFeatures = 10

var errNotViable = errors.New("no tier produced a name and price")

// Profile carries the per-marketplace request settings. It can be
// overridden from the marketplaces file.
type Profile struct {
	UserAgent      string        `yaml:"user_agent"`
	AcceptLanguage string        `yaml:"accept_language"`
	Referer        string        `yaml:"referer"`
	Timeout        time.Duration `yaml:"timeout"`
	Currency       string        `yaml:"currency"`
}

// Merge returns p with every non-zero field of override applied.
func (p Profile) Merge(override Profile) Profile {
	if override.UserAgent != "" {
		p.UserAgent = override.UserAgent
	}
	if override.AcceptLanguage != "" {
		p.AcceptLanguage = override.AcceptLanguage
	}
	if override.Referer != "" {
		p.Referer = override.Referer
	}
	if override.Timeout > 0 {
		p.Timeout = override.Timeout
	}
	if override.Currency != "" {
		p.Currency = override.Currency
	}
	return p
}

// Deps are the collaborators every storefront scraper shares.
type Deps struct {
	Fetcher     Fetcher
	PricePolicy models.PricePolicy
	Profiles    map[models.Marketplace]Profile
	Logger      *slog.Logger
}

func (d Deps) profile(m models.Marketplace, base Profile) Profile {
	if override, ok := d.Profiles[m]; ok {
		return base.Merge(override)
	}
	return base
}

// Storefront is a Scraper driven by tables: the domains it accepts, the
// id patterns it knows, and the parser tiers it runs.
type Storefront struct {
	marketplace models.Marketplace
	domains     []string
	idPatterns  []*regexp.Regexp
	chain       *parser.Chain
	profile     Profile
	currencyFor func(*url.URL) string
	fetcher     Fetcher
	policy      models.PricePolicy
	logger      *slog.Logger
}

func newStorefront(m models.Marketplace, deps Deps, base Profile) *Storefront {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Storefront{
		marketplace: m,
		chain:       parser.DefaultChain(),
		profile:     deps.profile(m, base),
		fetcher:     deps.Fetcher,
		policy:      deps.PricePolicy,
		logger:      logger.With("component", "scraper", "marketplace", string(m)),
	}
}

func (s *Storefront) Marketplace() models.Marketplace { return s.marketplace }

// ValidateURL accepts http(s) URLs whose host contains one of the
// storefront's domains. A storefront without domains accepts any host.
func (s *Storefront) ValidateURL(rawURL string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	if len(s.domains) == 0 {
		return true
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range s.domains {
		if strings.Contains(host, d) {
			return true
		}
	}
	return false
}

func (s *Storefront) ExtractIdentifier(rawURL string) string {
	for _, p := range s.idPatterns {
		if m := p.FindStringSubmatch(rawURL); len(m) > 1 && m[1] != "" {
			return m[1]
		}
	}
	return HashIdentifier(rawURL)
}

func (s *Storefront) Scrape(ctx context.Context, rawURL string) (*models.Product, error) {
	if !s.ValidateURL(rawURL) {
		return nil, s.fail(rawURL, "validate", fmt.Errorf("%w: url not handled by %s", ErrUnsupportedMarketplace, s.marketplace))
	}

	s.logger.Info("scraping product", "url", rawURL)

	html, err := s.fetcher.Fetch(ctx, rawURL, s.headers(), s.profile.Timeout)
	if err != nil {
		return nil, s.fail(rawURL, "fetch", err)
	}

	page, err := parser.NewPage(html, rawURL)
	if err != nil {
		return nil, s.fail(rawURL, "parse", err)
	}

	raw := s.chain.Extract(page)
	if !raw.Viable() {
		return nil, s.fail(rawURL, "extract", fmt.Errorf("%w (tiers %v)", errNotViable, s.chain.Tiers()))
	}

	product, err := models.NewProduct(s.input(rawURL, raw, html, page.URL), s.policy)
	if err != nil {
		return nil, s.fail(rawURL, "validate", err)
	}

	s.logger.Info("product extracted", "url", rawURL, "id", product.ID, "tier", raw.Tier, "name", product.DisplayName())
	return product, nil
}

func (s *Storefront) input(rawURL string, raw *parser.RawProduct, html string, pageURL *url.URL) models.ProductInput {
	currency := raw.Currency
	if currency == "" && s.currencyFor != nil && pageURL != nil {
		currency = s.currencyFor(pageURL)
	}
	if currency == "" {
		currency = s.profile.Currency
	}

	var original *float64
	if raw.OriginalPrice > raw.Price {
		v := raw.OriginalPrice
		original = &v
	}

	features := raw.Features
	if len(features) > maxFeatures {
		features = features[:maxFeatures]
	}

	var attributes []models.Attribute
	if raw.Brand != "" {
		attributes = append(attributes, models.Attribute{Name: "brand", Value: raw.Brand})
	}

	sum := sha256.Sum256([]byte(html))

	return models.ProductInput{
		MarketplaceID:  s.ExtractIdentifier(rawURL),
		Marketplace:    s.marketplace,
		SourceURL:      rawURL,
		Name:           raw.Name,
		Description:    raw.Description,
		Amount:         raw.Price,
		Currency:       currency,
		OriginalAmount: original,
		Stock:          raw.Stock,
		ImageURLs:      raw.Images,
		Attributes:     attributes,
		Features:       features,
		Categories:     raw.Categories,
		Rating:         raw.Rating,
		ReviewCount:    raw.ReviewCount,
		SellerName:     raw.SellerName,
		ContentHash:    hex.EncodeToString(sum[:]),
		RawData:        raw.Raw,
	}
}

func (s *Storefront) headers() http.Header {
	h := http.Header{}
	if s.profile.UserAgent != "" {
		h.Set("User-Agent", s.profile.UserAgent)
	}
	if s.profile.AcceptLanguage != "" {
		h.Set("Accept-Language", s.profile.AcceptLanguage)
	}
	if s.profile.Referer != "" {
		h.Set("Referer", s.profile.Referer)
	}
	return h
}

func (s *Storefront) fail(rawURL, stage string, err error) error {
	s.logger.Warn("scrape failed", "url", rawURL, "stage", stage, "error", err)
	return &ScrapeError{Marketplace: s.marketplace, URL: rawURL, Stage: stage, Err: err}
}
