package search

import (
	"time"

	"github.com/Aman-CERP/tamizdat/internal/store"
	"github.com/Aman-CERP/tamizdat/internal/telemetry"
)

// Defaults applied by NewEngine.
const (
	DefaultPerPage    = 10
	DefaultMaxPerPage = 100
	DefaultCacheSize  = 256
	DefaultTimeout    = 5 * time.Second
)

// Page is one page of books matching a search term.
type Page struct {
	Term    string        `json:"term"`
	Terms   []string      `json:"terms"`
	Page    int           `json:"page"`
	PerPage int           `json:"per_page"`
	Total   int           `json:"total"`
	Books   []*store.Book `json:"books"`
}

// Pages returns how many pages Total spans at PerPage.
func (p *Page) Pages() int {
	if p.PerPage <= 0 || p.Total == 0 {
		return 0
	}
	return (p.Total + p.PerPage - 1) / p.PerPage
}

// HasNext reports whether a later page exists.
func (p *Page) HasNext() bool {
	return p.Page < p.Pages()
}

// Stats combines catalog counts with query telemetry.
type Stats struct {
	Catalog *store.CatalogStats             `json:"catalog"`
	Queries *telemetry.QueryMetricsSnapshot `json:"queries,omitempty"`
	Cache   CacheStats                      `json:"cache"`
}

// CacheStats describes the result page cache.
type CacheStats struct {
	Entries  int `json:"entries"`
	Capacity int `json:"capacity"`
}

// pageKey identifies a cached page by its normalised terms.
type pageKey struct {
	terms   string
	page    int
	perPage int
}
