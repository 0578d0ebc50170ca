// Package store persists the catalog (cards, authors, books and their links)
// in SQLite and serves full-text lookups over it through either the FTS5
// card_index table or a bleve card index.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors.
var (
	// ErrBookNotFound is returned by operations that require an existing book.
	ErrBookNotFound = errors.New("book not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store is closed")

	// ErrTxDone is returned when an import transaction is used after Commit or Rollback.
	ErrTxDone = errors.New("import transaction already finished")
)

// Meta keys kept in catalog_meta.
const (
	MetaKeyBackend    = "index_backend"
	MetaKeyGeneration = "index_generation"
	MetaKeyLastImport = "last_import"
)

// CurrentSchemaVersion is the current database schema version.
const CurrentSchemaVersion = 1

// Card is one catalog row. Absent fields are nil.
type Card struct {
	CardID     int64
	LastName   *string
	FirstName  *string
	MiddleName *string
	Title      string
	Subtitle   *string
	Language   *string
	Year       *int
	Series     *string
	BookID     int64
}

// Author is a distinct name triple. An empty part means the part was absent,
// so the all-empty triple is the shared unknown author.
type Author struct {
	AuthorID   int64  `json:"author_id"`
	LastName   string `json:"last_name,omitempty"`
	FirstName  string `json:"first_name,omitempty"`
	MiddleName string `json:"middle_name,omitempty"`
}

// DisplayName joins the present name parts, last name first.
func (a Author) DisplayName() string {
	name := ""
	for _, part := range []string{a.LastName, a.FirstName, a.MiddleName} {
		if part == "" {
			continue
		}
		if name != "" {
			name += " "
		}
		name += part
	}
	return name
}

// Book aggregates every card sharing a book id.
type Book struct {
	BookID   int64    `json:"book_id"`
	Title    string   `json:"title"`
	Subtitle *string  `json:"subtitle,omitempty"`
	Language *string  `json:"language,omitempty"`
	Year     *int     `json:"year,omitempty"`
	Series   *string  `json:"series,omitempty"`
	Authors  []Author `json:"authors"`

	// Enrichment is owned by external collaborators; import never sets it.
	Augmented     bool   `json:"augmented"`
	Annotation    string `json:"annotation,omitempty"`
	CoverImageURL string `json:"cover_image_url,omitempty"`
	EbookURL      string `json:"ebook_url,omitempty"`
}

// Clone returns a deep copy of b that shares no memory with it.
func (b *Book) Clone() *Book {
	if b == nil {
		return nil
	}
	cp := *b
	cp.Subtitle = cloneValue(b.Subtitle)
	cp.Language = cloneValue(b.Language)
	cp.Year = cloneValue(b.Year)
	cp.Series = cloneValue(b.Series)
	if b.Authors != nil {
		cp.Authors = append([]Author(nil), b.Authors...)
	}
	return &cp
}

func cloneValue[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// BookAuthor links a book to one of its authors.
type BookAuthor struct {
	BookID   int64
	AuthorID int64
}

// IndexEntry is the searchable text of one card.
type IndexEntry struct {
	CardID     int64
	BookID     int64
	LastName   string
	FirstName  string
	MiddleName string
	Title      string
	Subtitle   string
	Series     string
}

// Enrichment holds the fields an enrichment collaborator writes back onto a book.
type Enrichment struct {
	Annotation    string `json:"annotation,omitempty"`
	CoverImageURL string `json:"cover_image_url,omitempty"`
	EbookURL      string `json:"ebook_url,omitempty"`
}

// BookHit is one book-level match. Lower scores rank first.
type BookHit struct {
	BookID int64
	Score  float64
}

// BookPage is one page of search results.
type BookPage struct {
	Books []*Book `json:"books"`
	Total int     `json:"total"`
}

// ImportRecord describes one committed import run.
type ImportRecord struct {
	RunID      string    `json:"run_id"`
	Source     string    `json:"source"`
	Backend    string    `json:"backend"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Cards      int       `json:"cards"`
	Skipped    int       `json:"skipped"`
	Books      int       `json:"books"`
	Authors    int       `json:"authors"`
	Links      int       `json:"links"`
}

// CatalogStats summarises the stored catalog.
type CatalogStats struct {
	Cards        int           `json:"cards"`
	Authors      int           `json:"authors"`
	Books        int           `json:"books"`
	Links        int           `json:"links"`
	IndexEntries int           `json:"index_entries"`
	Augmented    int           `json:"augmented"`
	Backend      string        `json:"backend"`
	LastImport   *ImportRecord `json:"last_import,omitempty"`
}

// ConsistencyReport is the outcome of Verify.
type ConsistencyReport struct {
	Cards            int      `json:"cards"`
	IndexEntries     int      `json:"index_entries"`
	OrphanCards      int      `json:"orphan_cards"`
	UnlinkedBooks    int      `json:"unlinked_books"`
	StoredGeneration string   `json:"stored_generation,omitempty"`
	IndexGeneration  string   `json:"index_generation,omitempty"`
	Problems         []string `json:"problems,omitempty"`
}

// OK reports whether no problems were found.
func (r *ConsistencyReport) OK() bool {
	return len(r.Problems) == 0
}

// CatalogStore persists the catalog and answers queries over it.
type CatalogStore interface {
	// BeginImport opens one transaction that replaces the whole catalog.
	BeginImport(ctx context.Context, runID string) (ImportTx, error)

	// SearchBooks matches all terms and returns one page of distinct books.
	SearchBooks(ctx context.Context, terms []string, page, perPage int) (*BookPage, error)

	// GetBook returns nil, nil when the book does not exist.
	GetBook(ctx context.Context, bookID int64) (*Book, error)

	UpdateEnrichment(ctx context.Context, bookID int64, e Enrichment) error
	Stats(ctx context.Context) (*CatalogStats, error)
	Verify(ctx context.Context) (*ConsistencyReport, error)

	// RebuildIndex regenerates the card index from the cards relation.
	RebuildIndex(ctx context.Context) error

	// Refresh reports whether an import committed through another handle
	// on the same catalog has replaced it since the last call, and makes
	// that import visible to later queries.
	Refresh(ctx context.Context) (bool, error)

	Backend() IndexBackend
	Close() error
}

// ImportTx stages a full catalog replacement. Nothing is visible to readers
// until Commit returns nil.
type ImportTx interface {
	InsertCards(ctx context.Context, cards []Card) error
	InsertAuthors(ctx context.Context, authors []Author) error
	InsertBooks(ctx context.Context, books []Book) error
	InsertBookAuthors(ctx context.Context, links []BookAuthor) error
	InsertIndexEntries(ctx context.Context, entries []IndexEntry) error
	RecordImport(ctx context.Context, rec ImportRecord) error
	Commit() error
	Rollback() error
}

// StoreConfig configures a SQLiteStore.
type StoreConfig struct {
	// Backend selects the card index. Empty follows the backend recorded by
	// the last import, falling back to FTS5.
	Backend IndexBackend

	// BlevePath is the bleve index directory. Empty keeps it in memory.
	BlevePath string

	// MaxHits is how many card hits the bleve backend fetches in its first
	// request. Queries matching more cards cost one more request.
	MaxHits int

	// CacheMB is the SQLite page cache size.
	CacheMB int
}

// DefaultStoreConfig returns the default store configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxHits: 10000,
		CacheMB: 64,
	}
}

// NewIndexEntry builds the searchable text of a card. Absent fields index as empty.
func NewIndexEntry(c Card) IndexEntry {
	return IndexEntry{
		CardID:     c.CardID,
		BookID:     c.BookID,
		LastName:   deref(c.LastName),
		FirstName:  deref(c.FirstName),
		MiddleName: deref(c.MiddleName),
		Title:      c.Title,
		Subtitle:   deref(c.Subtitle),
		Series:     deref(c.Series),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
