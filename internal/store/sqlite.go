package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	tzerrors "github.com/Aman-CERP/tamizdat/internal/errors"
)

// SQLiteStore implements CatalogStore on SQLite. The whole catalog,
// including the FTS5 card index, lives in one database file so an import
// is a single transaction. WAL mode lets CLI readers in other processes see
// the previous catalog while an import is running.
type SQLiteStore struct {
	mu      sync.RWMutex
	db      *sql.DB
	path    string
	config  StoreConfig
	backend IndexBackend
	bleve   *BleveCardIndex
	closed  bool

	// seen tracks the last import this handle serves; see Refresh.
	seenMu      sync.Mutex
	seenImport  string
	indexBehind bool
	retryAt     time.Time
}

// refreshRetryInterval spaces out reopen attempts while the published
// bleve index lags the committed catalog.
const refreshRetryInterval = time.Second

// Verify interface implementation at compile time
var _ CatalogStore = (*SQLiteStore)(nil)

// validateSQLiteIntegrity checks if an existing catalog database is readable.
// Returns nil if valid or absent, an error describing corruption if not.
func validateSQLiteIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

// NewSQLiteStore opens or creates the catalog database at path.
// If path is empty, the catalog is kept in memory.
func NewSQLiteStore(path string, cfg StoreConfig) (*SQLiteStore, error) {
	if cfg.MaxHits <= 0 {
		cfg.MaxHits = DefaultStoreConfig().MaxHits
	}
	if cfg.CacheMB <= 0 {
		cfg.CacheMB = DefaultStoreConfig().CacheMB
	}

	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, tzerrors.IOError(fmt.Sprintf("failed to create directory %s", dir), err)
		}
		if validErr := validateSQLiteIntegrity(path); validErr != nil {
			slog.Error("catalog_db_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			return nil, tzerrors.New(tzerrors.ErrCodeCorruptIndex, "catalog database is corrupted", validErr).
				WithDetail("path", path).
				WithSuggestion(fmt.Sprintf("Remove %s and import the catalog again", path))
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, tzerrors.StorageError("failed to open database", err)
	}

	// One connection: the import transaction owns the database while it runs,
	// and an in-memory database only exists on its own connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// DSN params may be ignored by modernc.org/sqlite, so pragmas are also set directly.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA cache_size = -%d", cfg.CacheMB*1024),
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
	}
	err = tzerrors.Retry(context.Background(), tzerrors.BusyRetryConfig(), func() error {
		for _, pragma := range pragmas {
			if _, err := db.Exec(pragma); err != nil {
				return fmt.Errorf("failed to set pragma %q: %w", pragma, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, tzerrors.StorageError("failed to configure database", err)
	}

	s := &SQLiteStore{db: db, path: path, config: cfg}

	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, tzerrors.StorageError("failed to initialize schema", err)
	}

	backend := cfg.Backend
	if backend == "" {
		recorded, err := s.getMeta(context.Background(), s.db, MetaKeyBackend)
		if err != nil {
			_ = db.Close()
			return nil, tzerrors.StorageError("failed to read index backend", err)
		}
		backend = IndexBackend(recorded)
	}
	if backend == "" {
		backend = IndexBackendFTS5
	}
	s.backend = backend

	if backend == IndexBackendBleve {
		s.bleve, err = NewBleveCardIndex(cfg.BlevePath)
		if err != nil {
			_ = db.Close()
			return nil, tzerrors.New(tzerrors.ErrCodeIndexFailed, "failed to open bleve card index", err)
		}
	}

	if err := s.initSeen(context.Background()); err != nil {
		_ = s.Close()
		return nil, tzerrors.StorageError("failed to read catalog meta", err)
	}

	return s, nil
}

// initSeen records the import this handle starts with. A bleve index that
// does not carry that import's generation is retried by the first Refresh.
func (s *SQLiteStore) initSeen(ctx context.Context) error {
	last, err := s.getMeta(ctx, s.db, MetaKeyLastImport)
	if err != nil {
		return err
	}
	s.seenImport = last
	if s.backend != IndexBackendBleve {
		return nil
	}
	want, err := s.getMeta(ctx, s.db, MetaKeyGeneration)
	if err != nil {
		return err
	}
	got, err := s.bleve.Generation()
	if err != nil {
		return err
	}
	s.indexBehind = got != want
	return nil
}

// Refresh compares the last committed import with the one this handle
// serves. A server and a CLI import are separate handles on one catalog;
// the SQL side sees a commit immediately, but the bleve index must be
// reopened to follow the directory published by the other process.
func (s *SQLiteStore) Refresh(ctx context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, ErrClosed
	}
	last, err := s.getMeta(ctx, s.db, MetaKeyLastImport)
	if err != nil {
		return false, tzerrors.StorageError("failed to read last import", err)
	}

	s.seenMu.Lock()
	defer s.seenMu.Unlock()

	changed := last != s.seenImport
	retry := s.indexBehind && !time.Now().Before(s.retryAt)
	if !changed && !retry {
		return false, nil
	}
	s.seenImport = last
	s.indexBehind = false

	if s.backend == IndexBackendBleve {
		want, err := s.getMeta(ctx, s.db, MetaKeyGeneration)
		if err != nil {
			return false, tzerrors.StorageError("failed to read index generation", err)
		}
		got, err := s.bleve.Reopen(want)
		if err != nil || got != want {
			// The other process may not have published its index yet.
			s.indexBehind = true
			s.retryAt = time.Now().Add(refreshRetryInterval)
			attrs := []any{slog.String("want", want), slog.String("got", got)}
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
			}
			slog.Warn("card_index_behind_catalog", attrs...)
		}
	}
	if changed {
		slog.Info("catalog_changed", slog.String("last_import", last))
	}
	return true, nil
}

func (s *SQLiteStore) markSeen(runID string) {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	s.seenImport = runID
}

// initSchema creates the catalog relations, the FTS5 card index and the
// bookkeeping tables.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS cards (
		card_id     INTEGER PRIMARY KEY,
		last_name   TEXT,
		first_name  TEXT,
		middle_name TEXT,
		title       TEXT NOT NULL,
		subtitle    TEXT,
		language    TEXT,
		year        INTEGER,
		series      TEXT,
		book_id     INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cards_book ON cards(book_id);

	-- Absent name parts are stored as '' so the unique constraint also
	-- covers the shared unknown author.
	CREATE TABLE IF NOT EXISTS authors (
		author_id   INTEGER PRIMARY KEY,
		last_name   TEXT NOT NULL DEFAULT '',
		first_name  TEXT NOT NULL DEFAULT '',
		middle_name TEXT NOT NULL DEFAULT '',
		UNIQUE (last_name, first_name, middle_name)
	);

	CREATE TABLE IF NOT EXISTS books (
		book_id         INTEGER PRIMARY KEY,
		title           TEXT NOT NULL,
		subtitle        TEXT,
		language        TEXT,
		year            INTEGER,
		series          TEXT,
		augmented       INTEGER NOT NULL DEFAULT 0,
		annotation      TEXT NOT NULL DEFAULT '',
		cover_image_url TEXT NOT NULL DEFAULT '',
		ebook_url       TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS book_authors (
		book_id   INTEGER NOT NULL REFERENCES books(book_id) ON DELETE CASCADE,
		author_id INTEGER NOT NULL REFERENCES authors(author_id) ON DELETE CASCADE,
		PRIMARY KEY (book_id, author_id)
	);
	CREATE INDEX IF NOT EXISTS idx_book_authors_author ON book_authors(author_id);

	-- One row per card, rowid = card_id.
	CREATE VIRTUAL TABLE IF NOT EXISTS card_index USING fts5(
		last_name, first_name, middle_name, title, subtitle, series,
		tokenize='unicode61 remove_diacritics 2'
	);

	CREATE TABLE IF NOT EXISTS imports (
		run_id      TEXT PRIMARY KEY,
		source      TEXT NOT NULL,
		backend     TEXT NOT NULL,
		started_at  TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		cards       INTEGER NOT NULL,
		skipped     INTEGER NOT NULL,
		books       INTEGER NOT NULL,
		authors     INTEGER NOT NULL,
		links       INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS catalog_meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, CurrentSchemaVersion)
	return err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) getMeta(ctx context.Context, q querier, key string) (string, error) {
	var v string
	err := q.QueryRowContext(ctx, `SELECT value FROM catalog_meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

func setMeta(ctx context.Context, q querier, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO catalog_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// Backend returns the card index backend in use.
func (s *SQLiteStore) Backend() IndexBackend {
	return s.backend
}

// BeginImport opens the import transaction and clears the current catalog
// inside it. Readers keep seeing the old catalog until Commit.
func (s *SQLiteStore) BeginImport(ctx context.Context, runID string) (ImportTx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	tx, err := tzerrors.RetryWithResult(ctx, tzerrors.BusyRetryConfig(), func() (*sql.Tx, error) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		// book_authors first: it references books and authors.
		for _, table := range []string{"book_authors", "books", "authors", "cards", "card_index"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				_ = tx.Rollback()
				return nil, fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return tx, nil
	})
	if err != nil {
		if tzerrors.IsBusy(err) {
			return nil, tzerrors.New(tzerrors.ErrCodeStorageBusy, "catalog database is busy", err)
		}
		return nil, tzerrors.StorageError("failed to begin import", err)
	}

	itx := &sqliteImportTx{store: s, tx: tx, runID: runID}
	if s.backend == IndexBackendBleve {
		build, err := s.bleve.BeginBuild(runID)
		if err != nil {
			_ = tx.Rollback()
			return nil, tzerrors.New(tzerrors.ErrCodeIndexFailed, "failed to start card index build", err)
		}
		itx.build = build
	}

	slog.Debug("import_tx_begin",
		slog.String("run_id", runID),
		slog.String("backend", string(s.backend)))
	return itx, nil
}

// sqliteImportTx stages one import inside a SQL transaction and, for the
// bleve backend, a staging index build.
type sqliteImportTx struct {
	store    *SQLiteStore
	tx       *sql.Tx
	build    *BleveBuild
	runID    string
	recorded string
	done     bool
}

func (t *sqliteImportTx) execBatch(ctx context.Context, query string, n int, args func(i int) []any) error {
	if t.done {
		return ErrTxDone
	}
	if n == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if _, err := stmt.ExecContext(ctx, args(i)...); err != nil {
			return err
		}
	}
	return nil
}

// InsertCards stores card rows verbatim.
func (t *sqliteImportTx) InsertCards(ctx context.Context, cards []Card) error {
	err := t.execBatch(ctx, `
		INSERT INTO cards (card_id, last_name, first_name, middle_name, title, subtitle, language, year, series, book_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, len(cards), func(i int) []any {
		c := cards[i]
		return []any{c.CardID, nullable(c.LastName), nullable(c.FirstName), nullable(c.MiddleName),
			c.Title, nullable(c.Subtitle), nullable(c.Language), nullableInt(c.Year), nullable(c.Series), c.BookID}
	})
	if err != nil {
		return tzerrors.StorageError("failed to insert cards", err)
	}
	return nil
}

// InsertAuthors stores distinct authors.
func (t *sqliteImportTx) InsertAuthors(ctx context.Context, authors []Author) error {
	err := t.execBatch(ctx, `
		INSERT INTO authors (author_id, last_name, first_name, middle_name) VALUES (?, ?, ?, ?)
	`, len(authors), func(i int) []any {
		a := authors[i]
		return []any{a.AuthorID, a.LastName, a.FirstName, a.MiddleName}
	})
	if err != nil {
		return tzerrors.StorageError("failed to insert authors", err)
	}
	return nil
}

// InsertBooks stores books without enrichment.
func (t *sqliteImportTx) InsertBooks(ctx context.Context, books []Book) error {
	err := t.execBatch(ctx, `
		INSERT INTO books (book_id, title, subtitle, language, year, series) VALUES (?, ?, ?, ?, ?, ?)
	`, len(books), func(i int) []any {
		b := books[i]
		return []any{b.BookID, b.Title, nullable(b.Subtitle), nullable(b.Language), nullableInt(b.Year), nullable(b.Series)}
	})
	if err != nil {
		return tzerrors.StorageError("failed to insert books", err)
	}
	return nil
}

// InsertBookAuthors stores links. A repeated pair violates the primary key.
func (t *sqliteImportTx) InsertBookAuthors(ctx context.Context, links []BookAuthor) error {
	err := t.execBatch(ctx, `
		INSERT INTO book_authors (book_id, author_id) VALUES (?, ?)
	`, len(links), func(i int) []any {
		return []any{links[i].BookID, links[i].AuthorID}
	})
	if err != nil {
		return tzerrors.StorageError("failed to insert book authors", err)
	}
	return nil
}

// InsertIndexEntries writes to card_index or to the staging bleve build.
func (t *sqliteImportTx) InsertIndexEntries(ctx context.Context, entries []IndexEntry) error {
	if t.done {
		return ErrTxDone
	}
	if t.build != nil {
		if err := t.build.Add(ctx, entries); err != nil {
			return tzerrors.New(tzerrors.ErrCodeIndexFailed, "failed to index cards", err)
		}
		return nil
	}
	err := t.execBatch(ctx, `
		INSERT INTO card_index (rowid, last_name, first_name, middle_name, title, subtitle, series)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, len(entries), func(i int) []any {
		e := entries[i]
		return []any{e.CardID, e.LastName, e.FirstName, e.MiddleName, e.Title, e.Subtitle, e.Series}
	})
	if err != nil {
		return tzerrors.StorageError("failed to insert index entries", err)
	}
	return nil
}

// RecordImport writes the import history row and the catalog meta that
// ties the card index to this run.
func (t *sqliteImportTx) RecordImport(ctx context.Context, rec ImportRecord) error {
	if t.done {
		return ErrTxDone
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO imports (run_id, source, backend, started_at, finished_at, cards, skipped, books, authors, links)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.RunID, rec.Source, string(t.store.backend),
		rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.FinishedAt.UTC().Format(time.RFC3339Nano),
		rec.Cards, rec.Skipped, rec.Books, rec.Authors, rec.Links)
	if err != nil {
		return tzerrors.StorageError("failed to record import", err)
	}

	meta := map[string]string{
		MetaKeyBackend:    string(t.store.backend),
		MetaKeyGeneration: t.runID,
		MetaKeyLastImport: rec.RunID,
	}
	for k, v := range meta {
		if err := setMeta(ctx, t.tx, k, v); err != nil {
			return tzerrors.StorageError("failed to update catalog meta", err)
		}
	}
	t.recorded = rec.RunID
	return nil
}

// Commit flushes the staging index, commits the catalog and then publishes
// the index. A publish failure leaves the committed catalog with a stale
// bleve index, which Verify reports and RebuildIndex repairs.
func (t *sqliteImportTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true

	if t.build != nil {
		if err := t.build.Finish(); err != nil {
			_ = t.tx.Rollback()
			_ = t.build.Discard()
			return tzerrors.New(tzerrors.ErrCodeIndexFailed, "failed to flush card index", err)
		}
	}

	if err := t.tx.Commit(); err != nil {
		if t.build != nil {
			_ = t.build.Discard()
		}
		return tzerrors.StorageError("failed to commit import", err)
	}
	if t.recorded != "" {
		t.store.markSeen(t.recorded)
	}

	if t.build != nil {
		if err := t.build.Publish(); err != nil {
			slog.Error("card_index_publish_failed",
				slog.String("run_id", t.runID),
				slog.String("error", err.Error()))
			_ = t.build.Discard()
			return tzerrors.New(tzerrors.ErrCodeIndexFailed, "catalog committed but card index was not published", err).
				WithSuggestion("Run 'tamizdat verify --repair' to rebuild the card index")
		}
	}
	return nil
}

// Rollback abandons the import. Safe to call after Commit.
func (t *sqliteImportTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true

	var buildErr error
	if t.build != nil {
		buildErr = t.build.Discard()
	}
	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("failed to roll back import: %w", err)
	}
	return buildErr
}

// SearchBooks matches every term and returns one page of distinct books.
// A book's score is the best rank among its cards; ties go to the lower book id.
func (s *SQLiteStore) SearchBooks(ctx context.Context, terms []string, page, perPage int) (*BookPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if page < 1 || perPage < 1 {
		return nil, tzerrors.New(tzerrors.ErrCodeInvalidPage,
			fmt.Sprintf("invalid page %d / per page %d", page, perPage), nil)
	}
	if len(terms) == 0 {
		return &BookPage{Books: []*Book{}}, nil
	}

	offset := (page - 1) * perPage

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin read: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var ids []int64
	var total int
	if s.backend == IndexBackendBleve {
		hits, err := s.bleve.SearchBooks(ctx, terms, s.config.MaxHits)
		if err != nil {
			return nil, err
		}
		total = len(hits)
		for i := offset; i < len(hits) && i < offset+perPage; i++ {
			ids = append(ids, hits[i].BookID)
		}
	} else {
		ids, total, err = searchFTS(ctx, tx, ftsMatchExpression(terms), perPage, offset)
		if err != nil {
			return nil, err
		}
	}

	books, err := loadBooks(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	return &BookPage{Books: books, Total: total}, nil
}

// searchFTS ranks books by their best card. The hits CTE is materialized so
// rank is computed once per matching card, outside the aggregate.
func searchFTS(ctx context.Context, q querier, match string, limit, offset int) ([]int64, int, error) {
	var total int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT c.book_id)
		FROM card_index JOIN cards c ON c.card_id = card_index.rowid
		WHERE card_index MATCH ?
	`, match).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count matches: %w", err)
	}
	if total == 0 || offset >= total {
		return nil, total, nil
	}

	rows, err := q.QueryContext(ctx, `
		WITH hits AS MATERIALIZED (
			SELECT rowid AS card_id, rank AS score
			FROM card_index
			WHERE card_index MATCH ?
		)
		SELECT c.book_id, MIN(h.score) AS best
		FROM hits h JOIN cards c ON c.card_id = h.card_id
		GROUP BY c.book_id
		ORDER BY best, c.book_id
		LIMIT ? OFFSET ?
	`, match, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("search failed: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, 0, fmt.Errorf("failed to scan result: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, total, rows.Err()
}

// GetBook returns the book with its authors, or nil, nil if absent.
func (s *SQLiteStore) GetBook(ctx context.Context, bookID int64) (*Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	books, err := loadBooks(ctx, s.db, []int64{bookID})
	if err != nil {
		return nil, err
	}
	if len(books) == 0 {
		return nil, nil
	}
	return books[0], nil
}

// loadBooks fetches books with authors, in the order of ids. Ids without a
// book are skipped.
func loadBooks(ctx context.Context, q querier, ids []int64) ([]*Book, error) {
	if len(ids) == 0 {
		return []*Book{}, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	inClause := strings.Join(placeholders, ",")

	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT book_id, title, subtitle, language, year, series,
		       augmented, annotation, cover_image_url, ebook_url
		FROM books WHERE book_id IN (%s)
	`, inClause), args...)
	if err != nil {
		return nil, fmt.Errorf("query books: %w", err)
	}
	byID := make(map[int64]*Book, len(ids))
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		byID[b.BookID] = b
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	arows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT ba.book_id, a.author_id, a.last_name, a.first_name, a.middle_name
		FROM book_authors ba JOIN authors a ON a.author_id = ba.author_id
		WHERE ba.book_id IN (%s)
		ORDER BY ba.book_id, a.author_id
	`, inClause), args...)
	if err != nil {
		return nil, fmt.Errorf("query authors: %w", err)
	}
	defer arows.Close()
	for arows.Next() {
		var bookID int64
		var a Author
		if err := arows.Scan(&bookID, &a.AuthorID, &a.LastName, &a.FirstName, &a.MiddleName); err != nil {
			return nil, fmt.Errorf("failed to scan author: %w", err)
		}
		if b, ok := byID[bookID]; ok {
			b.Authors = append(b.Authors, a)
		}
	}
	if err := arows.Err(); err != nil {
		return nil, err
	}

	books := make([]*Book, 0, len(ids))
	for _, id := range ids {
		if b, ok := byID[id]; ok {
			books = append(books, b)
		}
	}
	return books, nil
}

func scanBook(rows *sql.Rows) (*Book, error) {
	var (
		b                          Book
		subtitle, language, series sql.NullString
		year                       sql.NullInt64
		augmented                  int
	)
	err := rows.Scan(&b.BookID, &b.Title, &subtitle, &language, &year, &series,
		&augmented, &b.Annotation, &b.CoverImageURL, &b.EbookURL)
	if err != nil {
		return nil, fmt.Errorf("failed to scan book: %w", err)
	}
	b.Subtitle = nullString(subtitle)
	b.Language = nullString(language)
	b.Series = nullString(series)
	if year.Valid {
		y := int(year.Int64)
		b.Year = &y
	}
	b.Augmented = augmented != 0
	b.Authors = []Author{}
	return &b, nil
}

// nullable maps an absent field to SQL NULL.
func nullable(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// UpdateEnrichment stores enrichment fields on a book and marks it augmented.
// Empty fields keep their current value. Catalog fields are never touched.
func (s *SQLiteStore) UpdateEnrichment(ctx context.Context, bookID int64, e Enrichment) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE books SET
			annotation      = COALESCE(NULLIF(?, ''), annotation),
			cover_image_url = COALESCE(NULLIF(?, ''), cover_image_url),
			ebook_url       = COALESCE(NULLIF(?, ''), ebook_url),
			augmented       = 1
		WHERE book_id = ?
	`, e.Annotation, e.CoverImageURL, e.EbookURL, bookID)
	if err != nil {
		return tzerrors.StorageError("failed to update enrichment", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return tzerrors.StorageError("failed to update enrichment", err)
	}
	if n == 0 {
		return ErrBookNotFound
	}
	return nil
}

// Stats returns catalog counts and the last import.
func (s *SQLiteStore) Stats(ctx context.Context) (*CatalogStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	st := &CatalogStats{Backend: string(s.backend)}
	counts := []struct {
		dst   *int
		query string
	}{
		{&st.Cards, `SELECT COUNT(*) FROM cards`},
		{&st.Authors, `SELECT COUNT(*) FROM authors`},
		{&st.Books, `SELECT COUNT(*) FROM books`},
		{&st.Links, `SELECT COUNT(*) FROM book_authors`},
		{&st.Augmented, `SELECT COUNT(*) FROM books WHERE augmented = 1`},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
	}

	entries, err := s.indexEntryCount(ctx)
	if err != nil {
		return nil, err
	}
	st.IndexEntries = entries

	last, err := s.lastImport(ctx)
	if err != nil {
		return nil, err
	}
	st.LastImport = last
	return st, nil
}

func (s *SQLiteStore) indexEntryCount(ctx context.Context) (int, error) {
	if s.backend == IndexBackendBleve {
		return s.bleve.DocCount()
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM card_index`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count index entries: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) lastImport(ctx context.Context) (*ImportRecord, error) {
	var rec ImportRecord
	var started, finished string
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, source, backend, started_at, finished_at, cards, skipped, books, authors, links
		FROM imports ORDER BY finished_at DESC LIMIT 1
	`).Scan(&rec.RunID, &rec.Source, &rec.Backend, &started, &finished,
		&rec.Cards, &rec.Skipped, &rec.Books, &rec.Authors, &rec.Links)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last import: %w", err)
	}
	rec.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
	return &rec, nil
}

// Verify checks that the card index covers exactly the stored cards, that
// every card has a book and every book an author link, and that the card
// index belongs to the committed import.
func (s *SQLiteStore) Verify(ctx context.Context) (*ConsistencyReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	r := &ConsistencyReport{}
	counts := []struct {
		dst   *int
		query string
	}{
		{&r.Cards, `SELECT COUNT(*) FROM cards`},
		{&r.OrphanCards, `SELECT COUNT(*) FROM cards c LEFT JOIN books b ON b.book_id = c.book_id WHERE b.book_id IS NULL`},
		{&r.UnlinkedBooks, `SELECT COUNT(*) FROM books b WHERE NOT EXISTS (SELECT 1 FROM book_authors ba WHERE ba.book_id = b.book_id)`},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("verify: %w", err)
		}
	}

	entries, err := s.indexEntryCount(ctx)
	if err != nil {
		return nil, err
	}
	r.IndexEntries = entries

	r.StoredGeneration, err = s.getMeta(ctx, s.db, MetaKeyGeneration)
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	if s.backend == IndexBackendBleve {
		r.IndexGeneration, err = s.bleve.Generation()
		if err != nil {
			return nil, err
		}
	} else {
		r.IndexGeneration = r.StoredGeneration
		var missing int
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM cards WHERE card_id NOT IN (SELECT rowid FROM card_index)
		`).Scan(&missing)
		if err != nil {
			return nil, fmt.Errorf("verify: %w", err)
		}
		if missing > 0 {
			r.Problems = append(r.Problems, fmt.Sprintf("%d cards have no index entry", missing))
		}
	}

	if r.IndexEntries != r.Cards {
		r.Problems = append(r.Problems, fmt.Sprintf("card index has %d entries for %d cards", r.IndexEntries, r.Cards))
	}
	if r.OrphanCards > 0 {
		r.Problems = append(r.Problems, fmt.Sprintf("%d cards reference a missing book", r.OrphanCards))
	}
	if r.UnlinkedBooks > 0 {
		r.Problems = append(r.Problems, fmt.Sprintf("%d books have no author link", r.UnlinkedBooks))
	}
	if r.IndexGeneration != r.StoredGeneration {
		r.Problems = append(r.Problems, fmt.Sprintf("card index generation %q does not match import %q",
			r.IndexGeneration, r.StoredGeneration))
	}
	return r, nil
}

// RebuildIndex regenerates the card index from the cards relation and tags
// it with the committed import generation.
func (s *SQLiteStore) RebuildIndex(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	if s.backend != IndexBackendBleve {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return tzerrors.StorageError("failed to begin rebuild", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM card_index`); err != nil {
			return tzerrors.StorageError("failed to clear card index", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO card_index (rowid, last_name, first_name, middle_name, title, subtitle, series)
			SELECT card_id, COALESCE(last_name, ''), COALESCE(first_name, ''), COALESCE(middle_name, ''),
			       title, COALESCE(subtitle, ''), COALESCE(series, '')
			FROM cards
		`)
		if err != nil {
			return tzerrors.StorageError("failed to rebuild card index", err)
		}
		if err := tx.Commit(); err != nil {
			return tzerrors.StorageError("failed to commit rebuild", err)
		}
		return nil
	}

	generation, err := s.getMeta(ctx, s.db, MetaKeyGeneration)
	if err != nil {
		return tzerrors.StorageError("failed to read index generation", err)
	}
	build, err := s.bleve.BeginBuild(generation)
	if err != nil {
		return tzerrors.New(tzerrors.ErrCodeIndexFailed, "failed to start card index build", err)
	}
	if err := s.streamIndexEntries(ctx, func(batch []IndexEntry) error {
		return build.Add(ctx, batch)
	}); err != nil {
		_ = build.Discard()
		return tzerrors.New(tzerrors.ErrCodeIndexFailed, "failed to rebuild card index", err)
	}
	if err := build.Finish(); err != nil {
		_ = build.Discard()
		return tzerrors.New(tzerrors.ErrCodeIndexFailed, "failed to flush card index", err)
	}
	if err := build.Publish(); err != nil {
		_ = build.Discard()
		return tzerrors.New(tzerrors.ErrCodeIndexFailed, "failed to publish card index", err)
	}
	slog.Info("card_index_rebuilt",
		slog.String("backend", string(s.backend)),
		slog.String("generation", generation))
	return nil
}

const rebuildBatchSize = 1000

// streamIndexEntries reads cards in id order and hands them to fn in batches.
func (s *SQLiteStore) streamIndexEntries(ctx context.Context, fn func([]IndexEntry) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT card_id, book_id,
		       COALESCE(last_name, ''), COALESCE(first_name, ''), COALESCE(middle_name, ''),
		       title, COALESCE(subtitle, ''), COALESCE(series, '')
		FROM cards ORDER BY card_id
	`)
	if err != nil {
		return fmt.Errorf("query cards: %w", err)
	}
	defer rows.Close()

	batch := make([]IndexEntry, 0, rebuildBatchSize)
	for rows.Next() {
		var e IndexEntry
		if err := rows.Scan(&e.CardID, &e.BookID, &e.LastName, &e.FirstName, &e.MiddleName,
			&e.Title, &e.Subtitle, &e.Series); err != nil {
			return fmt.Errorf("failed to scan card: %w", err)
		}
		batch = append(batch, e)
		if len(batch) == rebuildBatchSize {
			if err := fn(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}

// DB exposes the database handle for auxiliary tables such as telemetry.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close checkpoints the WAL and closes the database and card index.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var bleveErr error
	if s.bleve != nil {
		bleveErr = s.bleve.Close()
	}
	if s.db != nil {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		if err := s.db.Close(); err != nil {
			return err
		}
	}
	return bleveErr
}
