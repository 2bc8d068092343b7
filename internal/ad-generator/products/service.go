package products

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maltedev/infinityad/internal/cache"
	"github.com/maltedev/infinityad/internal/metrics"
	"github.com/maltedev/infinityad/internal/models"
	"github.com/maltedev/infinityad/internal/scraper"
)

const MaxBatchSize = 10

var (
	ErrUnsupportedMarketplace = scraper.ErrUnsupportedMarketplace
	ErrBatchTooLarge          = fmt.Errorf("batch exceeds %d urls", MaxBatchSize)
	ErrEmptyBatch             = errors.New("batch has no urls")
)

type Options struct {
	Retry scraper.RetryPolicy
	// TTL applies to products from a known marketplace.
	TTL time.Duration
	// ScrapeTTL applies to products the generic scraper pieced together
	// from whatever the page exposed.
	ScrapeTTL time.Duration
	Metrics   *metrics.Metrics
}

// Service is the cache-augmented product lookup in front of the
// scraper registry.
type Service struct {
	registry *scraper.Registry
	cache    *cache.Cache
	retry    scraper.RetryPolicy
	ttl      time.Duration
	shortTTL time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewService(registry *scraper.Registry, c *cache.Cache, opts Options, logger *slog.Logger) *Service {
	if opts.TTL <= 0 {
		opts.TTL = cache.ProductTTL
	}
	if opts.ScrapeTTL <= 0 {
		opts.ScrapeTTL = cache.ScrapeTTL
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = scraper.DefaultRetryPolicy()
	}
	return &Service{
		registry: registry,
		cache:    c,
		retry:    opts.Retry,
		ttl:      opts.TTL,
		shortTTL: opts.ScrapeTTL,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "product_service"),
	}
}

// Lookup returns the product behind rawURL, from cache unless bypassCache
// is set. Cache failures behave like misses.
func (s *Service) Lookup(ctx context.Context, rawURL string, bypassCache bool) (*models.Product, error) {
	rawURL = strings.TrimSpace(rawURL)
	sc, ok := s.registry.Resolve(rawURL)
	if !ok {
		return nil, fmt.Errorf("%w: %s (available: %s)", ErrUnsupportedMarketplace, rawURL, s.available())
	}

	marketplace := string(sc.Marketplace())
	key := cache.ProductKey(marketplace, sc.ExtractIdentifier(rawURL))

	if !bypassCache {
		var cached models.Product
		hit := s.cache.Get(ctx, key, &cached)
		s.metrics.CacheLookup("product", hit)
		if hit {
			s.logger.Info("cache hit", "key", key)
			return &cached, nil
		}
	}

	start := time.Now()
	product, err := scraper.ScrapeWithRetry(ctx, sc, rawURL, s.retry)
	s.metrics.ObserveScrape(marketplace, err, time.Since(start))
	if err != nil {
		s.logger.Error("scrape failed", "url", rawURL, "error", err)
		return nil, err
	}

	ttl := s.ttlFor(product)
	if s.cache.Set(ctx, key, product, ttl) {
		s.logger.Info("cache set", "key", key, "ttl", ttl)
	}
	return product, nil
}

func (s *Service) ttlFor(p *models.Product) time.Duration {
	if p.Marketplace == models.MarketplaceCustom {
		return s.shortTTL
	}
	return s.ttl
}

// BatchLookup looks up at most MaxBatchSize URLs concurrently and returns
// the successes in input order. Individual failures are logged only.
func (s *Service) BatchLookup(ctx context.Context, urls []string, bypassCache bool) ([]*models.Product, error) {
	if len(urls) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(urls) > MaxBatchSize {
		return nil, ErrBatchTooLarge
	}

	results := make([]*models.Product, len(urls))
	var g errgroup.Group
	g.SetLimit(MaxBatchSize)

	for i, u := range urls {
		g.Go(func() error {
			p, err := s.Lookup(ctx, u, bypassCache)
			if err != nil {
				s.logger.Warn("batch item failed", "index", i, "url", u, "error", err)
				return nil
			}
			results[i] = p
			return nil
		})
	}
	_ = g.Wait()

	products := make([]*models.Product, 0, len(urls))
	for _, p := range results {
		if p != nil {
			products = append(products, p)
		}
	}
	return products, nil
}

// Invalidate clears cached products of one marketplace, or all of them
// for "" and "all". It returns the number of keys removed.
func (s *Service) Invalidate(ctx context.Context, marketplace string) (int, error) {
	marketplace = strings.ToLower(strings.TrimSpace(marketplace))
	if marketplace == "all" {
		marketplace = ""
	}
	if marketplace != "" && !models.Marketplace(marketplace).Valid() {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedMarketplace, marketplace)
	}

	count := s.cache.ClearByPrefix(ctx, cache.ProductPattern(marketplace))
	s.logger.Info("product cache invalidated", "marketplace", marketplace, "count", count)
	return count, nil
}

func (s *Service) Marketplaces() []models.Marketplace {
	return s.registry.ListMarketplaces()
}

func (s *Service) available() string {
	names := make([]string, 0)
	for _, m := range s.registry.ListMarketplaces() {
		names = append(names, string(m))
	}
	return strings.Join(names, ", ")
}
