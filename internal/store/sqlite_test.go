package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tzerrors "github.com/Aman-CERP/tamizdat/internal/errors"
)

func strp(s string) *string { return &s }
func intp(i int) *int       { return &i }

// fixture is a pre-aggregated catalog for loading through ImportTx.
type fixture struct {
	cards   []Card
	authors []Author
	books   []Book
	links   []BookAuthor
}

func card(id int64, last, first, middle, title string, year int, bookID int64) Card {
	c := Card{CardID: id, Title: title, Language: strp("ru"), BookID: bookID}
	if last != "" {
		c.LastName = strp(last)
	}
	if first != "" {
		c.FirstName = strp(first)
	}
	if middle != "" {
		c.MiddleName = strp(middle)
	}
	if year != 0 {
		c.Year = intp(year)
	}
	return c
}

func strugatskyFixture() fixture {
	return fixture{
		cards: []Card{
			card(1, "Стругацкий", "Аркадий", "Натанович", "Пикник на обочине", 1972, 93857),
			card(2, "Стругацкий", "Борис", "Натанович", "Пикник на обочине", 1972, 93857),
			card(3, "Стругацкий", "Аркадий", "Натанович", "Трудно быть богом", 1964, 100),
			card(4, "", "", "", "Слово о полку Игореве", 0, 200),
		},
		authors: []Author{
			{AuthorID: 1, LastName: "Стругацкий", FirstName: "Аркадий", MiddleName: "Натанович"},
			{AuthorID: 2, LastName: "Стругацкий", FirstName: "Борис", MiddleName: "Натанович"},
			{AuthorID: 3},
		},
		books: []Book{
			{BookID: 93857, Title: "Пикник на обочине", Language: strp("ru"), Year: intp(1972)},
			{BookID: 100, Title: "Трудно быть богом", Language: strp("ru"), Year: intp(1964)},
			{BookID: 200, Title: "Слово о полку Игореве", Language: strp("ru")},
		},
		links: []BookAuthor{{93857, 1}, {93857, 2}, {100, 1}, {200, 3}},
	}
}

func loadFixture(t *testing.T, s CatalogStore, f fixture, runID string) {
	t.Helper()
	ctx := context.Background()

	tx, err := s.BeginImport(ctx, runID)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	require.NoError(t, tx.InsertCards(ctx, f.cards))
	require.NoError(t, tx.InsertAuthors(ctx, f.authors))
	require.NoError(t, tx.InsertBooks(ctx, f.books))
	require.NoError(t, tx.InsertBookAuthors(ctx, f.links))

	entries := make([]IndexEntry, 0, len(f.cards))
	for _, c := range f.cards {
		entries = append(entries, NewIndexEntry(c))
	}
	require.NoError(t, tx.InsertIndexEntries(ctx, entries))
	now := time.Now()
	require.NoError(t, tx.RecordImport(ctx, ImportRecord{
		RunID: runID, Source: "fixture", StartedAt: now, FinishedAt: now,
		Cards: len(f.cards), Books: len(f.books), Authors: len(f.authors), Links: len(f.links),
	}))
	require.NoError(t, tx.Commit())
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore("", DefaultStoreConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func bookIDs(page *BookPage) []int64 {
	ids := make([]int64, 0, len(page.Books))
	for _, b := range page.Books {
		ids = append(ids, b.BookID)
	}
	return ids
}

func TestSQLiteStore_SearchCollapsesCardsToBooks(t *testing.T) {
	// Given: a book with two authors, hence two cards
	s := newTestStore(t)
	loadFixture(t, s, strugatskyFixture(), "run-1")

	// When: searching its title
	page, err := s.SearchBooks(context.Background(), Tokenize("Пикник"), 1, 10)

	// Then: the book appears once, with both authors
	require.NoError(t, err)
	require.Len(t, page.Books, 1)
	assert.Equal(t, 1, page.Total)
	b := page.Books[0]
	assert.Equal(t, int64(93857), b.BookID)
	assert.Equal(t, "Пикник на обочине", b.Title)
	require.Len(t, b.Authors, 2)
	assert.Equal(t, "Аркадий", b.Authors[0].FirstName)
	assert.Equal(t, "Борис", b.Authors[1].FirstName)
}

func TestSQLiteStore_SearchMatchesAuthorCaseInsensitive(t *testing.T) {
	// Given: two books by the same surname
	s := newTestStore(t)
	loadFixture(t, s, strugatskyFixture(), "run-1")

	// When: searching the surname in upper case
	page, err := s.SearchBooks(context.Background(), Tokenize("СТРУГАЦКИЙ"), 1, 10)

	// Then: both books match
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.ElementsMatch(t, []int64{93857, 100}, bookIDs(page))
}

func TestSQLiteStore_SearchRequiresAllTerms(t *testing.T) {
	s := newTestStore(t)
	loadFixture(t, s, strugatskyFixture(), "run-1")

	page, err := s.SearchBooks(context.Background(), Tokenize("Стругацкий богом"), 1, 10)

	require.NoError(t, err)
	assert.Equal(t, []int64{100}, bookIDs(page))
}

func TestSQLiteStore_SearchPagination(t *testing.T) {
	// Given: two matching books
	s := newTestStore(t)
	loadFixture(t, s, strugatskyFixture(), "run-1")
	ctx := context.Background()
	terms := Tokenize("Стругацкий")

	// When: paging one book at a time
	p1, err := s.SearchBooks(ctx, terms, 1, 1)
	require.NoError(t, err)
	p2, err := s.SearchBooks(ctx, terms, 2, 1)
	require.NoError(t, err)
	p3, err := s.SearchBooks(ctx, terms, 3, 1)
	require.NoError(t, err)

	// Then: pages are disjoint and the page past the end is empty, not an error
	require.Len(t, p1.Books, 1)
	require.Len(t, p2.Books, 1)
	assert.NotEqual(t, p1.Books[0].BookID, p2.Books[0].BookID)
	assert.Empty(t, p3.Books)
	assert.Equal(t, 2, p3.Total)
}

func TestSQLiteStore_SearchPageBeyondResults(t *testing.T) {
	s := newTestStore(t)
	loadFixture(t, s, strugatskyFixture(), "run-1")

	page, err := s.SearchBooks(context.Background(), Tokenize("Пикник"), 2, 10)

	require.NoError(t, err)
	assert.Empty(t, page.Books)
}

func TestSQLiteStore_SearchTieBreaksByBookID(t *testing.T) {
	// Given: two books whose cards carry identical text
	s := newTestStore(t)
	f := fixture{
		cards: []Card{
			card(1, "Ефремов", "Иван", "", "Туманность Андромеды", 1957, 502),
			card(2, "Ефремов", "Иван", "", "Туманность Андромеды", 1957, 501),
		},
		authors: []Author{{AuthorID: 1, LastName: "Ефремов", FirstName: "Иван"}},
		books: []Book{
			{BookID: 502, Title: "Туманность Андромеды"},
			{BookID: 501, Title: "Туманность Андромеды"},
		},
		links: []BookAuthor{{502, 1}, {501, 1}},
	}
	loadFixture(t, s, f, "run-1")

	// When: searching the shared title
	page, err := s.SearchBooks(context.Background(), Tokenize("Андромеды"), 1, 10)

	// Then: equal scores are ordered by ascending book id
	require.NoError(t, err)
	assert.Equal(t, []int64{501, 502}, bookIDs(page))
}

func TestSQLiteStore_SearchEmptyTerms(t *testing.T) {
	s := newTestStore(t)
	loadFixture(t, s, strugatskyFixture(), "run-1")

	page, err := s.SearchBooks(context.Background(), nil, 1, 10)

	require.NoError(t, err)
	assert.Empty(t, page.Books)
	assert.Equal(t, 0, page.Total)
}

func TestSQLiteStore_SearchRejectsInvalidPage(t *testing.T) {
	s := newTestStore(t)

	_, err := s.SearchBooks(context.Background(), []string{"x"}, 0, 10)

	require.Error(t, err)
	assert.True(t, tzerrors.HasCode(err, tzerrors.ErrCodeInvalidPage))
}

func TestSQLiteStore_GetBook(t *testing.T) {
	s := newTestStore(t)
	loadFixture(t, s, strugatskyFixture(), "run-1")
	ctx := context.Background()

	// When: getting an existing and a missing book
	b, err := s.GetBook(ctx, 200)
	require.NoError(t, err)
	missing, err := s.GetBook(ctx, 999)
	require.NoError(t, err)

	// Then: the anonymous book carries the shared unknown author; missing is nil
	require.NotNil(t, b)
	assert.Nil(t, b.Year)
	require.Len(t, b.Authors, 1)
	assert.Equal(t, "", b.Authors[0].DisplayName())
	assert.Nil(t, missing)
}

func TestSQLiteStore_UpdateEnrichment(t *testing.T) {
	s := newTestStore(t)
	loadFixture(t, s, strugatskyFixture(), "run-1")
	ctx := context.Background()

	// Given: an annotation and then a cover
	require.NoError(t, s.UpdateEnrichment(ctx, 100, Enrichment{Annotation: "Роман о прогрессоре"}))
	require.NoError(t, s.UpdateEnrichment(ctx, 100, Enrichment{CoverImageURL: "https://example.org/c.jpg"}))

	// When: reading the book back
	b, err := s.GetBook(ctx, 100)
	require.NoError(t, err)

	// Then: both fields are kept and catalog fields are unchanged
	assert.True(t, b.Augmented)
	assert.Equal(t, "Роман о прогрессоре", b.Annotation)
	assert.Equal(t, "https://example.org/c.jpg", b.CoverImageURL)
	assert.Equal(t, "Трудно быть богом", b.Title)

	err = s.UpdateEnrichment(ctx, 999, Enrichment{Annotation: "x"})
	assert.ErrorIs(t, err, ErrBookNotFound)
}

func TestSQLiteStore_RollbackKeepsPreviousCatalog(t *testing.T) {
	// Given: a committed catalog
	s := newTestStore(t)
	loadFixture(t, s, strugatskyFixture(), "run-1")
	ctx := context.Background()

	// When: a second import writes cards and is rolled back
	tx, err := s.BeginImport(ctx, "run-2")
	require.NoError(t, err)
	require.NoError(t, tx.InsertCards(ctx, []Card{card(1, "Лем", "Станислав", "", "Солярис", 1961, 7)}))
	require.NoError(t, tx.Rollback())

	// Then: the old catalog is intact
	page, err := s.SearchBooks(ctx, Tokenize("Пикник"), 1, 10)
	require.NoError(t, err)
	assert.Len(t, page.Books, 1)
	page, err = s.SearchBooks(ctx, Tokenize("Солярис"), 1, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Books)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Cards)
	require.NotNil(t, stats.LastImport)
	assert.Equal(t, "run-1", stats.LastImport.RunID)
}

func TestSQLiteStore_ImportReplacesCatalog(t *testing.T) {
	s := newTestStore(t)
	loadFixture(t, s, strugatskyFixture(), "run-1")
	ctx := context.Background()

	// When: importing a different catalog
	loadFixture(t, s, fixture{
		cards:   []Card{card(1, "Лем", "Станислав", "", "Солярис", 1961, 7)},
		authors: []Author{{AuthorID: 1, LastName: "Лем", FirstName: "Станислав"}},
		books:   []Book{{BookID: 7, Title: "Солярис"}},
		links:   []BookAuthor{{7, 1}},
	}, "run-2")

	// Then: only the new catalog is visible
	old, err := s.GetBook(ctx, 93857)
	require.NoError(t, err)
	assert.Nil(t, old)
	page, err := s.SearchBooks(ctx, Tokenize("Солярис"), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, bookIDs(page))
}

func TestSQLiteStore_DuplicateLinkIsRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := strugatskyFixture()

	tx, err := s.BeginImport(ctx, "run-1")
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	require.NoError(t, tx.InsertAuthors(ctx, f.authors))
	require.NoError(t, tx.InsertBooks(ctx, f.books))

	err = tx.InsertBookAuthors(ctx, []BookAuthor{{100, 1}, {100, 1}})

	require.Error(t, err)
	assert.True(t, tzerrors.HasCode(err, tzerrors.ErrCodeStorageFault))
}

func TestSQLiteStore_DuplicateAuthorTripleIsRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginImport(ctx, "run-1")
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	err = tx.InsertAuthors(ctx, []Author{{AuthorID: 1}, {AuthorID: 2}})

	assert.Error(t, err)
}

func TestSQLiteStore_TxUnusableAfterCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginImport(ctx, "run-1")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.ErrorIs(t, tx.InsertCards(ctx, []Card{card(1, "", "", "", "x", 0, 1)}), ErrTxDone)
	assert.NoError(t, tx.Rollback())
}

func TestSQLiteStore_StatsAndVerify(t *testing.T) {
	s := newTestStore(t)
	loadFixture(t, s, strugatskyFixture(), "run-1")
	ctx := context.Background()

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Cards)
	assert.Equal(t, 3, stats.Authors)
	assert.Equal(t, 3, stats.Books)
	assert.Equal(t, 4, stats.Links)
	assert.Equal(t, 4, stats.IndexEntries)
	assert.Equal(t, string(IndexBackendFTS5), stats.Backend)

	report, err := s.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "problems: %v", report.Problems)
	assert.Equal(t, "run-1", report.StoredGeneration)
}

func TestSQLiteStore_RebuildIndexRepairsMissingEntries(t *testing.T) {
	// Given: a catalog whose card index lost an entry
	s := newTestStore(t)
	loadFixture(t, s, strugatskyFixture(), "run-1")
	ctx := context.Background()
	_, err := s.DB().Exec(`DELETE FROM card_index WHERE rowid = 3`)
	require.NoError(t, err)

	report, err := s.Verify(ctx)
	require.NoError(t, err)
	require.False(t, report.OK())

	// When: rebuilding
	require.NoError(t, s.RebuildIndex(ctx))

	// Then: verify passes and the book is searchable again
	report, err = s.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "problems: %v", report.Problems)
	page, err := s.SearchBooks(ctx, Tokenize("богом"), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{100}, bookIDs(page))
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	// Given: a catalog written to disk
	dir := t.TempDir()
	s, err := OpenCatalog(dir, DefaultStoreConfig())
	require.NoError(t, err)
	loadFixture(t, s, strugatskyFixture(), "run-1")
	require.NoError(t, s.Close())
	assert.True(t, CatalogExists(dir))

	// When: reopening
	s2, err := NewSQLiteStore(filepath.Join(dir, "catalog.db"), DefaultStoreConfig())
	require.NoError(t, err)
	defer s2.Close()

	// Then: the catalog is searchable
	page, err := s2.SearchBooks(context.Background(), Tokenize("Пикник"), 1, 10)
	require.NoError(t, err)
	assert.Len(t, page.Books, 1)
	assert.Equal(t, IndexBackendFTS5, s2.Backend())
}

func TestSQLiteStore_ClosedStore(t *testing.T) {
	s, err := NewSQLiteStore("", DefaultStoreConfig())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.GetBook(context.Background(), 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestParseIndexBackend(t *testing.T) {
	tests := []struct {
		in      string
		want    IndexBackend
		wantErr bool
	}{
		{"", "", false},
		{"fts5", IndexBackendFTS5, false},
		{"SQLite", IndexBackendFTS5, false},
		{"bleve", IndexBackendBleve, false},
		{"hnsw", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseIndexBackend(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
