// Package search answers catalog queries. Engine gates queries against
// imports, caches result pages and records query telemetry; matching and
// ranking live in the store.
package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/Aman-CERP/tamizdat/internal/catalog"
	tzerrors "github.com/Aman-CERP/tamizdat/internal/errors"
	"github.com/Aman-CERP/tamizdat/internal/store"
	"github.com/Aman-CERP/tamizdat/internal/telemetry"
)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// ErrImportInProgress is returned by Import while another import runs.
var ErrImportInProgress = errors.New("an import is already in progress")

// Engine serves searches over a catalog store. Queries share the read side
// of gate; an import holds the write side, so no query observes a partial
// catalog.
type Engine struct {
	store    store.CatalogStore
	importer *catalog.Importer
	metrics  *telemetry.QueryMetrics

	cache     *lru.Cache[pageKey, *Page]
	cacheSize int
	flights   singleflight.Group

	// cacheMu orders page inserts against purges; epoch counts purges so a
	// page read before one is never cached after it.
	cacheMu sync.Mutex
	epoch   uint64

	maxPerPage int
	timeout    time.Duration

	gate      sync.RWMutex
	importing atomic.Bool
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithCache sets how many result pages are cached. Zero disables caching.
func WithCache(size int) EngineOption {
	return func(e *Engine) {
		if size >= 0 {
			e.cacheSize = size
		}
	}
}

// WithMetrics records every search in m.
func WithMetrics(m *telemetry.QueryMetrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithImporter replaces the default importer.
func WithImporter(im *catalog.Importer) EngineOption {
	return func(e *Engine) {
		if im != nil {
			e.importer = im
		}
	}
}

// WithMaxPerPage caps the page size. Larger requests are clamped.
func WithMaxPerPage(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxPerPage = n
		}
	}
}

// WithTimeout bounds each search. Zero means no bound beyond the caller's ctx.
func WithTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d >= 0 {
			e.timeout = d
		}
	}
}

// NewEngine creates an engine over st.
func NewEngine(st store.CatalogStore, opts ...EngineOption) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: catalog store is required", ErrNilDependency)
	}
	e := &Engine{
		store:      st,
		cacheSize:  DefaultCacheSize,
		maxPerPage: DefaultMaxPerPage,
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.importer == nil {
		im, err := catalog.NewImporter(st)
		if err != nil {
			return nil, err
		}
		e.importer = im
	}
	if e.cacheSize > 0 {
		cache, err := lru.New[pageKey, *Page](e.cacheSize)
		if err != nil {
			return nil, fmt.Errorf("create page cache: %w", err)
		}
		e.cache = cache
	}
	return e, nil
}

// Search returns one page of distinct books matching every token of term.
// A term without letters or digits yields an empty page. Paging arguments
// below 1 are rejected; perPage above the cap is clamped.
func (e *Engine) Search(ctx context.Context, term string, page, perPage int) (*Page, error) {
	start := time.Now()

	if page < 1 || perPage < 1 {
		return nil, tzerrors.New(tzerrors.ErrCodeInvalidPage,
			fmt.Sprintf("invalid page %d or page size %d", page, perPage), nil).
			WithSuggestion("Page and page size start at 1")
	}
	perPage = min(perPage, e.maxPerPage)

	terms := store.DedupeTokens(store.Tokenize(term))
	if len(terms) == 0 {
		result := &Page{Term: term, Terms: terms, Page: page, PerPage: perPage, Books: []*store.Book{}}
		e.record(ctx, term, result, false, time.Since(start))
		return result, nil
	}

	e.gate.RLock()
	defer e.gate.RUnlock()

	if err := e.refresh(ctx); err != nil {
		return nil, asQueryError(err)
	}

	key := pageKey{terms: strings.Join(terms, " "), page: page, perPage: perPage}
	if e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			result := cached.clone(term)
			e.record(ctx, term, result, true, time.Since(start))
			return result, nil
		}
	}

	// The flight outlives any one caller: it runs detached from ctx under
	// the engine timeout, and each caller stops waiting on its own ctx.
	epoch := e.currentEpoch()
	ch := e.flights.DoChan(flightKey(key), func() (any, error) {
		fctx := context.WithoutCancel(ctx)
		if e.timeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(fctx, e.timeout)
			defer cancel()
		}
		bp, err := e.store.SearchBooks(fctx, terms, page, perPage)
		if err != nil {
			return nil, err
		}
		p := &Page{Terms: terms, Page: page, PerPage: perPage, Total: bp.Total, Books: bp.Books}
		e.cacheAdd(key, p, epoch)
		return p, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		slog.Debug("search_abandoned",
			slog.String("term", term),
			slog.String("error", ctx.Err().Error()))
		return nil, asQueryError(ctx.Err())
	case res = <-ch:
	}
	if res.Err != nil {
		slog.Error("search_failed",
			slog.String("term", term),
			slog.Int("page", page),
			slog.String("error", res.Err.Error()))
		return nil, asQueryError(res.Err)
	}

	result := res.Val.(*Page).clone(term)
	latency := time.Since(start)
	e.record(ctx, term, result, false, latency)
	slog.Debug("search_completed",
		slog.String("term", term),
		slog.Int("page", page),
		slog.Int("per_page", perPage),
		slog.Int("total", result.Total),
		slog.Bool("shared", res.Shared),
		slog.Duration("latency", latency))
	return result, nil
}

// clone deep-copies p for a caller who searched with term. Cached and
// shared pages are never handed out directly, so callers may modify
// what they get.
func (p *Page) clone(term string) *Page {
	cp := *p
	cp.Term = term
	cp.Terms = append([]string(nil), p.Terms...)
	cp.Books = make([]*store.Book, len(p.Books))
	for i, b := range p.Books {
		cp.Books[i] = b.Clone()
	}
	return &cp
}

func (e *Engine) currentEpoch() uint64 {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	return e.epoch
}

// cacheAdd stores p unless the cache was purged after epoch was taken.
func (e *Engine) cacheAdd(key pageKey, p *Page, epoch uint64) {
	if e.cache == nil {
		return
	}
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if e.epoch != epoch {
		return
	}
	e.cache.Add(key, p)
}

// refresh drops cached pages when another process has imported a catalog.
func (e *Engine) refresh(ctx context.Context) error {
	changed, err := e.store.Refresh(ctx)
	if err != nil {
		return err
	}
	if changed {
		e.purge()
	}
	return nil
}

func flightKey(k pageKey) string {
	return k.terms + "\x00" + strconv.Itoa(k.page) + "\x00" + strconv.Itoa(k.perPage)
}

func (e *Engine) record(ctx context.Context, term string, p *Page, hit bool, latency time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.Record(telemetry.QueryEvent{
		Query:     term,
		Terms:     p.Terms,
		Source:    telemetry.SourceFrom(ctx),
		Total:     p.Total,
		Page:      p.Page,
		CacheHit:  hit,
		Latency:   latency,
		Timestamp: time.Now(),
	})
}

// asQueryError marks storage failures during a query as ERR_503 so callers
// can tell "failed" from "no matches".
func asQueryError(err error) error {
	if tzerrors.HasCode(err, tzerrors.ErrCodeInvalidPage) {
		return err
	}
	qe := tzerrors.New(tzerrors.ErrCodeSearchFailed, "search failed", err)
	if errors.Is(err, context.DeadlineExceeded) {
		qe = qe.WithDetail("reason", "timeout")
	}
	return qe
}

// Get returns one book by id. A missing book is an ERR_404 error that
// matches store.ErrBookNotFound.
func (e *Engine) Get(ctx context.Context, bookID int64) (*store.Book, error) {
	e.gate.RLock()
	defer e.gate.RUnlock()

	book, err := e.store.GetBook(ctx, bookID)
	if err != nil {
		return nil, asQueryError(err)
	}
	if book == nil {
		return nil, bookNotFound(bookID)
	}
	return book, nil
}

func bookNotFound(bookID int64) error {
	return tzerrors.New(tzerrors.ErrCodeBookNotFound,
		fmt.Sprintf("book %d not found", bookID), store.ErrBookNotFound).
		WithDetail("book_id", strconv.FormatInt(bookID, 10))
}

// Import replaces the catalog with the one read from src. Queries wait until
// it finishes. A second concurrent call fails with ErrImportInProgress.
func (e *Engine) Import(ctx context.Context, src io.Reader, opts catalog.ImportOptions) (*catalog.ImportResult, error) {
	return e.importFrom(ctx, catalog.NewReader(src), opts)
}

// ImportLines is Import for a catalog held as a header line and a sequence
// of data lines rather than a file.
func (e *Engine) ImportLines(ctx context.Context, header string, lines iter.Seq[string], opts catalog.ImportOptions) (*catalog.ImportResult, error) {
	return e.importFrom(ctx, catalog.NewLineReader(header, lines), opts)
}

func (e *Engine) importFrom(ctx context.Context, r *catalog.Reader, opts catalog.ImportOptions) (*catalog.ImportResult, error) {
	if !e.importing.CompareAndSwap(false, true) {
		r.Close()
		return nil, tzerrors.New(tzerrors.ErrCodeLocked, "import already running", ErrImportInProgress)
	}
	defer e.importing.Store(false)

	e.gate.Lock()
	defer e.gate.Unlock()

	res, err := e.importer.ImportFrom(ctx, r, opts)
	// Even a failed import may have cleared a staged index; drop cached pages.
	e.purge()
	return res, err
}

// UpdateEnrichment stores enrichment fields on a book.
func (e *Engine) UpdateEnrichment(ctx context.Context, bookID int64, en store.Enrichment) error {
	e.gate.RLock()
	defer e.gate.RUnlock()

	err := e.store.UpdateEnrichment(ctx, bookID, en)
	if errors.Is(err, store.ErrBookNotFound) {
		return bookNotFound(bookID)
	}
	if err != nil {
		return err
	}
	e.purge()
	slog.Info("book_enriched", slog.Int64("book_id", bookID))
	return nil
}

// Stats reports catalog counts and, when metrics are enabled, query telemetry.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	e.gate.RLock()
	defer e.gate.RUnlock()

	if err := e.refresh(ctx); err != nil {
		return nil, asQueryError(err)
	}
	cs, err := e.store.Stats(ctx)
	if err != nil {
		return nil, asQueryError(err)
	}
	st := &Stats{Catalog: cs, Cache: CacheStats{Capacity: e.cacheSize}}
	if e.cache != nil {
		st.Cache.Entries = e.cache.Len()
	}
	if e.metrics != nil {
		st.Queries = e.metrics.Snapshot()
	}
	return st, nil
}

// Verify checks the stored catalog. With repair set, an inconsistent card
// index is rebuilt and the catalog verified again.
func (e *Engine) Verify(ctx context.Context, repair bool) (*store.ConsistencyReport, error) {
	e.gate.RLock()
	report, err := e.store.Verify(ctx)
	e.gate.RUnlock()
	if err != nil || report.OK() || !repair {
		return report, err
	}

	e.gate.Lock()
	defer e.gate.Unlock()

	slog.Warn("index_repair_started", slog.Any("problems", report.Problems))
	if err := e.store.RebuildIndex(ctx); err != nil {
		return report, err
	}
	e.purge()
	return e.store.Verify(ctx)
}

func (e *Engine) purge() {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	e.epoch++
	if e.cache != nil {
		e.cache.Purge()
	}
}

// Close flushes metrics and closes the store.
func (e *Engine) Close() error {
	e.gate.Lock()
	defer e.gate.Unlock()

	var errs []error
	if e.metrics != nil {
		if err := e.metrics.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
