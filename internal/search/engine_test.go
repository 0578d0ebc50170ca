package search

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/tamizdat/internal/catalog"
	tzerrors "github.com/Aman-CERP/tamizdat/internal/errors"
	"github.com/Aman-CERP/tamizdat/internal/store"
	"github.com/Aman-CERP/tamizdat/internal/telemetry"
)

const header = "Last Name;First Name;Middle Name;Title;Subtitle;Language;Year;Series;ID"

var strugatsky = []string{
	"Стругацкий;Аркадий;Натанович;Пикник на обочине;;ru;1972;;93857",
	"Стругацкий;Борис;Натанович;Пикник на обочине;;ru;1972;;93857",
	"Стругацкий;Аркадий;Натанович;Трудно быть богом;;ru;1964;;100",
	"Стругацкий;Борис;Натанович;Трудно быть богом;;ru;1964;;100",
	";;;Слово о полку Игореве;;ru;;;200",
}

func catalogText(rows ...string) string {
	return header + "\n" + strings.Join(rows, "\n") + "\n"
}

func newEngine(t *testing.T, opts ...EngineOption) (*Engine, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore("", store.DefaultStoreConfig())
	require.NoError(t, err)
	e, err := NewEngine(st, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, st
}

func importRows(t *testing.T, e *Engine, rows ...string) {
	t.Helper()
	_, err := e.Import(context.Background(), strings.NewReader(catalogText(rows...)), catalog.ImportOptions{})
	require.NoError(t, err)
}

func ids(p *Page) []int64 {
	out := make([]int64, 0, len(p.Books))
	for _, b := range p.Books {
		out = append(out, b.BookID)
	}
	return out
}

func TestNewEngine_NilStore(t *testing.T) {
	_, err := NewEngine(nil)
	assert.ErrorIs(t, err, ErrNilDependency)
}

func TestEngine_SearchCollapsesToBooks(t *testing.T) {
	// Given: a co-authored book with one card per author
	e, _ := newEngine(t)
	importRows(t, e, strugatsky...)

	// When: searching for its title
	page, err := e.Search(context.Background(), "Пикник", 1, 10)

	// Then: the book appears exactly once with both authors
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, []int64{93857}, ids(page))
	assert.Len(t, page.Books[0].Authors, 2)
	assert.Equal(t, "Пикник", page.Term)
	assert.Equal(t, []string{"пикник"}, page.Terms)
}

func TestEngine_SearchMatchesAllTokens(t *testing.T) {
	e, _ := newEngine(t)
	importRows(t, e, strugatsky...)

	page, err := e.Search(context.Background(), "стругацкий, богом!", 1, 10)

	require.NoError(t, err)
	assert.Equal(t, []int64{100}, ids(page))
}

func TestEngine_SearchPastLastPageIsEmpty(t *testing.T) {
	// Given: fewer than eleven matches
	e, _ := newEngine(t)
	importRows(t, e, strugatsky...)

	// When: asking for page two of ten
	page, err := e.Search(context.Background(), "Стругацкий", 2, 10)

	// Then: an empty page, not a fault
	require.NoError(t, err)
	assert.Empty(t, page.Books)
	assert.Equal(t, 2, page.Total)
	assert.False(t, page.HasNext())
}

func TestEngine_SearchPaging(t *testing.T) {
	var rows []string
	for i := 1; i <= 25; i++ {
		rows = append(rows, fmt.Sprintf("Автор;Имя;;Рассказ номер %d;;ru;2000;;%d", i, i))
	}
	e, _ := newEngine(t)
	importRows(t, e, rows...)

	first, err := e.Search(context.Background(), "рассказ", 1, 10)
	require.NoError(t, err)
	last, err := e.Search(context.Background(), "рассказ", 3, 10)
	require.NoError(t, err)

	assert.Equal(t, 25, first.Total)
	assert.Equal(t, 3, first.Pages())
	assert.True(t, first.HasNext())
	assert.Len(t, first.Books, 10)
	assert.Len(t, last.Books, 5)
	assert.False(t, last.HasNext())
}

func TestEngine_SearchInvalidPaging(t *testing.T) {
	e, _ := newEngine(t)

	for _, tc := range []struct{ page, perPage int }{{0, 10}, {1, 0}, {-1, -1}} {
		_, err := e.Search(context.Background(), "пикник", tc.page, tc.perPage)
		require.Error(t, err)
		assert.True(t, tzerrors.HasCode(err, tzerrors.ErrCodeInvalidPage), "page=%d per_page=%d", tc.page, tc.perPage)
	}
}

func TestEngine_SearchClampsPerPage(t *testing.T) {
	e, _ := newEngine(t, WithMaxPerPage(1))
	importRows(t, e, strugatsky...)

	page, err := e.Search(context.Background(), "стругацкий", 1, 50)

	require.NoError(t, err)
	assert.Equal(t, 1, page.PerPage)
	assert.Len(t, page.Books, 1)
	assert.Equal(t, 2, page.Total)
}

func TestEngine_SearchWithoutWordsIsEmpty(t *testing.T) {
	e, _ := newEngine(t)
	importRows(t, e, strugatsky...)

	for _, term := range []string{"", "   ", "?!…", "«»"} {
		page, err := e.Search(context.Background(), term, 1, 10)
		require.NoError(t, err, term)
		assert.Empty(t, page.Books, term)
		assert.Zero(t, page.Total, term)
	}
}

func TestEngine_SearchOnClosedStoreFails(t *testing.T) {
	// Given: a store that can no longer serve queries
	e, st := newEngine(t)
	importRows(t, e, strugatsky...)
	require.NoError(t, st.Close())

	// When: searching
	_, err := e.Search(context.Background(), "пикник", 1, 10)

	// Then: a query fault, distinguishable from zero matches
	require.Error(t, err)
	assert.True(t, tzerrors.HasCode(err, tzerrors.ErrCodeSearchFailed))
	assert.ErrorIs(t, err, store.ErrClosed)
}

func TestEngine_CacheServesRepeatsAndImportPurges(t *testing.T) {
	// Given: an engine with metrics
	m := telemetry.NewQueryMetrics(nil)
	e, _ := newEngine(t, WithMetrics(m))
	importRows(t, e, strugatsky...)

	// When: the same search runs twice with different punctuation
	_, err := e.Search(context.Background(), "Пикник", 1, 10)
	require.NoError(t, err)
	_, err = e.Search(context.Background(), "пикник!!", 1, 10)
	require.NoError(t, err)

	// Then: the second is served from cache
	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.TotalQueries)
	assert.Equal(t, int64(1), snap.CacheHits)

	// When: a new catalog is imported
	importRows(t, e, "Булгаков;Михаил;Афанасьевич;Мастер и Маргарита;;ru;1967;;555")
	page, err := e.Search(context.Background(), "пикник", 1, 10)

	// Then: stale pages are gone
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.Equal(t, int64(1), m.Snapshot().CacheHits)
}

func TestEngine_CacheDisabled(t *testing.T) {
	m := telemetry.NewQueryMetrics(nil)
	e, _ := newEngine(t, WithCache(0), WithMetrics(m))
	importRows(t, e, strugatsky...)

	for range 3 {
		_, err := e.Search(context.Background(), "пикник", 1, 10)
		require.NoError(t, err)
	}

	assert.Zero(t, m.Snapshot().CacheHits)
	st, err := e.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Cache.Entries)
}

func TestEngine_RecordsSource(t *testing.T) {
	m := telemetry.NewQueryMetrics(nil)
	e, _ := newEngine(t, WithMetrics(m))
	importRows(t, e, strugatsky...)

	ctx := telemetry.WithSource(context.Background(), telemetry.SourceMCP)
	_, err := e.Search(ctx, "ничего такого", 1, 10)
	require.NoError(t, err)

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.SourceCounts[telemetry.SourceMCP])
	assert.Equal(t, []string{"ничего такого"}, snap.ZeroResultQueries)
}

func TestEngine_Get(t *testing.T) {
	e, _ := newEngine(t)
	importRows(t, e, strugatsky...)

	book, err := e.Get(context.Background(), 200)
	require.NoError(t, err)
	assert.Equal(t, "Слово о полку Игореве", book.Title)

	_, err = e.Get(context.Background(), 42)
	require.Error(t, err)
	assert.True(t, tzerrors.HasCode(err, tzerrors.ErrCodeBookNotFound))
	assert.ErrorIs(t, err, store.ErrBookNotFound)
}

func TestEngine_UpdateEnrichment(t *testing.T) {
	// Given: a cached search page
	e, _ := newEngine(t)
	importRows(t, e, strugatsky...)
	_, err := e.Search(context.Background(), "пикник", 1, 10)
	require.NoError(t, err)

	// When: the book is enriched
	err = e.UpdateEnrichment(context.Background(), 93857, store.Enrichment{
		Annotation:    "Зона посещения",
		CoverImageURL: "https://example.org/cover.jpg",
	})
	require.NoError(t, err)

	// Then: both lookups and searches see the new fields
	book, err := e.Get(context.Background(), 93857)
	require.NoError(t, err)
	assert.True(t, book.Augmented)
	assert.Equal(t, "Зона посещения", book.Annotation)

	page, err := e.Search(context.Background(), "пикник", 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Books, 1)
	assert.True(t, page.Books[0].Augmented)

	// And: enriching a missing book is ERR_404
	err = e.UpdateEnrichment(context.Background(), 1, store.Enrichment{Annotation: "x"})
	assert.True(t, tzerrors.HasCode(err, tzerrors.ErrCodeBookNotFound))
}

func TestEngine_StatsAndVerify(t *testing.T) {
	e, _ := newEngine(t, WithMetrics(telemetry.NewQueryMetrics(nil)))
	importRows(t, e, strugatsky...)

	st, err := e.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, st.Catalog.Cards)
	assert.Equal(t, 3, st.Catalog.Books)
	assert.Equal(t, 3, st.Catalog.Authors)
	assert.NotNil(t, st.Queries)
	assert.Equal(t, DefaultCacheSize, st.Cache.Capacity)

	report, err := e.Verify(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, report.OK(), report.Problems)
}

func TestEngine_ImportSchemaMismatch(t *testing.T) {
	e, _ := newEngine(t)
	importRows(t, e, strugatsky...)

	_, err := e.Import(context.Background(), strings.NewReader("wrong;header\n"), catalog.ImportOptions{})

	assert.True(t, tzerrors.HasCode(err, tzerrors.ErrCodeSchemaMismatch))
	page, searchErr := e.Search(context.Background(), "пикник", 1, 10)
	require.NoError(t, searchErr)
	assert.Equal(t, 1, page.Total)
}

// gatedReader hands out its first chunk, then blocks until release is closed.
type gatedReader struct {
	first   string
	sent    bool
	started chan struct{}
	release chan struct{}
}

func (g *gatedReader) Read(p []byte) (int, error) {
	if !g.sent {
		g.sent = true
		return copy(p, g.first), nil
	}
	close(g.started)
	<-g.release
	return 0, io.EOF
}

func TestEngine_ImportBlocksQueries(t *testing.T) {
	// Given: an import stalled halfway through its input
	e, _ := newEngine(t)
	importRows(t, e, strugatsky...)

	src := &gatedReader{
		first:   catalogText("Булгаков;Михаил;Афанасьевич;Мастер и Маргарита;;ru;1967;;555"),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	importDone := make(chan error, 1)
	go func() {
		_, err := e.Import(context.Background(), src, catalog.ImportOptions{})
		importDone <- err
	}()
	<-src.started

	// When: a second import and a search arrive meanwhile
	_, err := e.Import(context.Background(), strings.NewReader(catalogText(strugatsky...)), catalog.ImportOptions{})
	assert.ErrorIs(t, err, ErrImportInProgress)

	var wg sync.WaitGroup
	var page *Page
	var searchErr error
	searched := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		page, searchErr = e.Search(context.Background(), "булгаков", 1, 10)
		close(searched)
	}()

	// Then: the search waits for the import and sees only the new catalog
	select {
	case <-searched:
		t.Fatal("search finished while an import was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(src.release)
	require.NoError(t, <-importDone)
	wg.Wait()

	require.NoError(t, searchErr)
	assert.Equal(t, []int64{555}, ids(page))
}

func TestEngine_ReturnedPagesAreCopies(t *testing.T) {
	// Given: a cached page for a search
	e, st := newEngine(t)
	importRows(t, e, strugatsky...)
	first, err := e.Search(context.Background(), "Пикник", 1, 10)
	require.NoError(t, err)
	require.Len(t, first.Books, 1)

	// When: the caller edits the books it got back
	first.Books[0].Title = "Другая книга"
	first.Books[0].Authors[0].LastName = "Другой"
	*first.Books[0].Year = 2000
	first.Books[0] = nil

	// Then: the next search, served from cache, still matches the store
	second, err := e.Search(context.Background(), "Пикник", 1, 10)
	require.NoError(t, err)
	require.Len(t, second.Books, 1)
	stored, err := st.GetBook(context.Background(), 93857)
	require.NoError(t, err)
	assert.Equal(t, stored, second.Books[0])
	assert.Equal(t, "Пикник на обочине", second.Books[0].Title)
	assert.Equal(t, 1972, *second.Books[0].Year)
}

// stalledStore holds the first SearchBooks call until release is closed.
// With readFirst set the store is read before stalling, so the stalled
// call returns what the store held when it began.
type stalledStore struct {
	store.CatalogStore
	readFirst bool
	calls     atomic.Int32
	entered   chan struct{}
	release   chan struct{}
}

func newStalledStore(t *testing.T, readFirst bool) *stalledStore {
	t.Helper()
	st, err := store.NewSQLiteStore("", store.DefaultStoreConfig())
	require.NoError(t, err)
	return &stalledStore{
		CatalogStore: st,
		readFirst:    readFirst,
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
}

func (s *stalledStore) SearchBooks(ctx context.Context, terms []string, page, perPage int) (*store.BookPage, error) {
	if s.calls.Add(1) > 1 {
		return s.CatalogStore.SearchBooks(ctx, terms, page, perPage)
	}
	var (
		bp  *store.BookPage
		err error
	)
	if s.readFirst {
		bp, err = s.CatalogStore.SearchBooks(ctx, terms, page, perPage)
	}
	close(s.entered)
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s.readFirst {
		return bp, err
	}
	return s.CatalogStore.SearchBooks(ctx, terms, page, perPage)
}

func TestEngine_PageReadBeforeEnrichmentIsNotCached(t *testing.T) {
	// Given: a search that has read the store but not yet returned
	st := newStalledStore(t, true)
	e, err := NewEngine(st)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	importRows(t, e, strugatsky...)

	done := make(chan error, 1)
	go func() {
		_, err := e.Search(context.Background(), "пикник", 1, 10)
		done <- err
	}()
	<-st.entered

	// When: the book is enriched before that search finishes
	require.NoError(t, e.UpdateEnrichment(context.Background(), 93857,
		store.Enrichment{Annotation: "Зона посещения"}))
	close(st.release)
	require.NoError(t, <-done)

	// Then: a later search sees the enrichment, not the page read before it
	page, err := e.Search(context.Background(), "пикник", 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Books, 1)
	assert.True(t, page.Books[0].Augmented)
	assert.Equal(t, "Зона посещения", page.Books[0].Annotation)
}

func TestEngine_CancelledCallerDoesNotFailSharedSearch(t *testing.T) {
	// Given: two callers waiting on the same search
	st := newStalledStore(t, false)
	e, err := NewEngine(st)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	importRows(t, e, strugatsky...)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := e.Search(ctxA, "пикник", 1, 10)
		errA <- err
	}()
	<-st.entered

	type outcome struct {
		page *Page
		err  error
	}
	resB := make(chan outcome, 1)
	go func() {
		p, err := e.Search(context.Background(), "пикник", 1, 10)
		resB <- outcome{p, err}
	}()
	time.Sleep(20 * time.Millisecond)

	// When: the first caller gives up
	cancelA()
	err = <-errA
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	close(st.release)

	// Then: the second caller still gets the page
	got := <-resB
	require.NoError(t, got.err)
	assert.Equal(t, []int64{93857}, ids(got.page))
	assert.Equal(t, int32(1), st.calls.Load())
}

func TestEngine_ImportLines(t *testing.T) {
	// Given: an engine with a cached search
	e, _ := newEngine(t)
	importRows(t, e, strugatsky...)
	_, err := e.Search(context.Background(), "пикник", 1, 10)
	require.NoError(t, err)

	// When: a catalog is imported from in-memory lines
	res, err := e.ImportLines(context.Background(), header, slices.Values([]string{
		"Булгаков;Михаил;Афанасьевич;Мастер и Маргарита;;ru;1967;;555",
		"broken",
	}), catalog.ImportOptions{Source: "lines"})

	// Then: it replaces the catalog and the cached page is dropped
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cards)
	assert.Equal(t, 1, res.Skipped)
	page, err := e.Search(context.Background(), "пикник", 1, 10)
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	page, err = e.Search(context.Background(), "мастер", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{555}, ids(page))
}

func TestEngine_SeesImportFromAnotherHandle(t *testing.T) {
	for _, backend := range []store.IndexBackend{store.IndexBackendFTS5, store.IndexBackendBleve} {
		t.Run(string(backend), func(t *testing.T) {
			// Given: a serving engine and a separate importer on one data directory
			dir := t.TempDir()
			cfg := store.DefaultStoreConfig()
			cfg.Backend = backend

			open := func() *Engine {
				st, err := store.OpenCatalog(dir, cfg)
				require.NoError(t, err)
				e, err := NewEngine(st)
				require.NoError(t, err)
				t.Cleanup(func() { _ = e.Close() })
				return e
			}
			server := open()
			importRows(t, server, strugatsky...)
			page, err := server.Search(context.Background(), "пикник", 1, 10)
			require.NoError(t, err)
			require.Equal(t, 1, page.Total)

			// When: the other handle imports a new catalog
			cli := open()
			importRows(t, cli, "Булгаков;Михаил;Афанасьевич;Мастер и Маргарита;;ru;1967;;555")

			// Then: the server answers from the new catalog
			page, err = server.Search(context.Background(), "пикник", 1, 10)
			require.NoError(t, err)
			assert.Zero(t, page.Total)

			page, err = server.Search(context.Background(), "мастер маргарита", 1, 10)
			require.NoError(t, err)
			assert.Equal(t, []int64{555}, ids(page))
			require.Len(t, page.Books, 1)
			assert.Equal(t, "Мастер и Маргарита", page.Books[0].Title)
		})
	}
}
