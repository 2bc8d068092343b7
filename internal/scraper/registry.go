package scraper

import (
	"sync"

	"github.com/maltedev/infinityad/internal/models"
)

type registration struct {
	marketplace models.Marketplace
	scraper     Scraper
}

// Registry resolves URLs to scrapers in registration order. It is built
// once at startup and passed to whoever needs it.
type Registry struct {
	mu      sync.RWMutex
	entries []registration
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a scraper. Registering a marketplace again replaces the
// earlier scraper but keeps its position.
func (r *Registry) Register(marketplace models.Marketplace, factory Factory) {
	s := factory()

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.marketplace == marketplace {
			r.entries[i].scraper = s
			return
		}
	}
	r.entries = append(r.entries, registration{marketplace: marketplace, scraper: s})
}

// Resolve returns the first scraper whose ValidateURL accepts rawURL.
func (r *Registry) Resolve(rawURL string) (Scraper, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		if e.scraper.ValidateURL(rawURL) {
			return e.scraper, true
		}
	}
	return nil, false
}

func (r *Registry) Get(marketplace models.Marketplace) (Scraper, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		if e.marketplace == marketplace {
			return e.scraper, true
		}
	}
	return nil, false
}

func (r *Registry) ListMarketplaces() []models.Marketplace {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Marketplace, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.marketplace
	}
	return out
}
