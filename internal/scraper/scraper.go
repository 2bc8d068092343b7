package scraper

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/maltedev/infinityad/internal/models"
)

var (
	ErrScrapeFailure          = errors.New("scrape failed")
	ErrUnsupportedMarketplace = errors.New("unsupported marketplace")
)

// Scraper extracts one product from one marketplace. Implementations are
// safe for concurrent use.
type Scraper interface {
	Marketplace() models.Marketplace
	ValidateURL(rawURL string) bool
	// ExtractIdentifier is total: URLs without a recognizable id fall
	// back to a hash of the URL.
	ExtractIdentifier(rawURL string) string
	Scrape(ctx context.Context, rawURL string) (*models.Product, error)
}

// Factory builds a scraper at registration time.
type Factory func() Scraper

// ScrapeError is returned for every unrecoverable scraping failure. It
// matches ErrScrapeFailure and its cause with errors.Is.
type ScrapeError struct {
	Marketplace models.Marketplace
	URL         string
	Stage       string
	Err         error
}

func (e *ScrapeError) Error() string {
	return fmt.Sprintf("%s scrape of %s failed at %s: %v", e.Marketplace, e.URL, e.Stage, e.Err)
}

func (e *ScrapeError) Unwrap() []error {
	return []error{ErrScrapeFailure, e.Err}
}

// HashIdentifier is the fallback id: the first 12 hex chars of md5(url).
func HashIdentifier(rawURL string) string {
	sum := md5.Sum([]byte(rawURL))
	return hex.EncodeToString(sum[:])[:12]
}
