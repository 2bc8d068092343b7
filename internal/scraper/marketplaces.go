package scraper

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/maltedev/infinityad/internal/models"
	"github.com/maltedev/infinityad/internal/parser"
)

const defaultScrapeTimeout = 20 * time.Second

// DefaultProfiles are the request settings each marketplace ships with.
func DefaultProfiles() map[models.Marketplace]Profile {
	return map[models.Marketplace]Profile{
		models.MarketplaceShopee: {
			AcceptLanguage: "pt-BR,pt;q=0.9",
			Timeout:        defaultScrapeTimeout,
			Currency:       "BRL",
		},
		models.MarketplaceAliExpress: {
			AcceptLanguage: "pt-BR,pt;q=0.9,en;q=0.8",
			Referer:        "https://www.aliexpress.com/",
			Timeout:        defaultScrapeTimeout,
			Currency:       "USD",
		},
		models.MarketplaceShein: {
			UserAgent:      "Mozilla/5.0 (Linux; Android 12) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Mobile Safari/537.36",
			AcceptLanguage: "pt-BR,pt;q=0.9",
			Timeout:        defaultScrapeTimeout,
			Currency:       "USD",
		},
		models.MarketplaceAmazon: {
			AcceptLanguage: "pt-BR,pt;q=0.9,en;q=0.8",
			Timeout:        defaultScrapeTimeout,
		},
		models.MarketplaceCustom: {
			AcceptLanguage: "pt-BR,pt;q=0.9,en;q=0.8",
			Timeout:        defaultScrapeTimeout,
			Currency:       "BRL",
		},
	}
}

func baseProfile(m models.Marketplace) Profile {
	return DefaultProfiles()[m]
}

func NewShopee(deps Deps) *Storefront {
	s := newStorefront(models.MarketplaceShopee, deps, baseProfile(models.MarketplaceShopee))
	s.domains = []string{"shopee.com", "shopee.co"}
	s.idPatterns = []*regexp.Regexp{
		regexp.MustCompile(`product/(\d+)`),
		regexp.MustCompile(`-i\.\d+\.(\d+)`),
	}
	return s
}

func NewAliExpress(deps Deps) *Storefront {
	s := newStorefront(models.MarketplaceAliExpress, deps, baseProfile(models.MarketplaceAliExpress))
	s.domains = []string{"aliexpress.com", "aliexpress.co", "m.aliexpress.com"}
	s.idPatterns = []*regexp.Regexp{
		regexp.MustCompile(`/item/(\d+)`),
		regexp.MustCompile(`product_id=(\d+)`),
	}
	// The embedded runParams blob is richer than the page's JSON-LD.
	s.chain = parser.NewChain(parser.NewEmbeddedJSONTier(), parser.JSONLDTier{}, parser.MetaTier{})
	return s
}

func NewShein(deps Deps) *Storefront {
	s := newStorefront(models.MarketplaceShein, deps, baseProfile(models.MarketplaceShein))
	s.domains = []string{"shein"}
	s.idPatterns = []*regexp.Regexp{
		regexp.MustCompile(`[?&]id=(\d+)`),
		regexp.MustCompile(`/p/(\d+)`),
		regexp.MustCompile(`-p-(\d+)`),
	}
	s.chain = parser.NewChain(parser.JSONLDTier{}, parser.SheinSelectors, parser.NewEmbeddedJSONTier(), parser.MetaTier{})
	return s
}

func NewAmazon(deps Deps) *Storefront {
	s := newStorefront(models.MarketplaceAmazon, deps, baseProfile(models.MarketplaceAmazon))
	s.domains = []string{"amazon.", "amzn."}
	s.idPatterns = []*regexp.Regexp{
		regexp.MustCompile(`/(?:dp|gp/product)/([A-Z0-9]{10})`),
	}
	s.chain = parser.DefaultChain().Prepend(parser.AmazonSelectors)
	s.currencyFor = amazonCurrency
	return s
}

// NewGeneric accepts any http(s) URL. It must be registered last.
func NewGeneric(deps Deps) *Storefront {
	return newStorefront(models.MarketplaceCustom, deps, baseProfile(models.MarketplaceCustom))
}

func amazonCurrency(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	switch {
	case strings.HasSuffix(host, ".com.br"):
		return "BRL"
	case strings.HasSuffix(host, ".co.uk"):
		return "GBP"
	case strings.HasSuffix(host, ".de"), strings.HasSuffix(host, ".fr"),
		strings.HasSuffix(host, ".es"), strings.HasSuffix(host, ".it"):
		return "EUR"
	case strings.HasSuffix(host, ".com"):
		return "USD"
	}
	return ""
}

// DefaultRegistry registers the built-in marketplaces with the generic
// scraper last.
func DefaultRegistry(deps Deps) *Registry {
	r := NewRegistry()
	r.Register(models.MarketplaceShopee, func() Scraper { return NewShopee(deps) })
	r.Register(models.MarketplaceAliExpress, func() Scraper { return NewAliExpress(deps) })
	r.Register(models.MarketplaceShein, func() Scraper { return NewShein(deps) })
	r.Register(models.MarketplaceAmazon, func() Scraper { return NewAmazon(deps) })
	r.Register(models.MarketplaceCustom, func() Scraper { return NewGeneric(deps) })
	return r
}
