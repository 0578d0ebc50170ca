package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	tzerrors "github.com/Aman-CERP/tamizdat/internal/errors"
	"github.com/Aman-CERP/tamizdat/internal/store"
)

// DefaultBatchSize is the number of rows written per statement batch.
const DefaultBatchSize = 1000

// Stage identifies a step of an import.
type Stage int

const (
	// StageReading parses rows and writes cards.
	StageReading Stage = iota
	// StageAuthors writes distinct authors.
	StageAuthors
	// StageBooks writes distinct books.
	StageBooks
	// StageLinks writes book-author links.
	StageLinks
	// StageIndexing writes card index entries.
	StageIndexing
	// StageCommitting commits the transaction.
	StageCommitting
	// StageComplete indicates the import is visible.
	StageComplete
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageReading:
		return "Reading"
	case StageAuthors:
		return "Authors"
	case StageBooks:
		return "Books"
	case StageLinks:
		return "Links"
	case StageIndexing:
		return "Indexing"
	case StageCommitting:
		return "Committing"
	case StageComplete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// Progress is reported after every batch. Total is 0 while reading, since
// the row count is unknown until the end of the input.
type Progress struct {
	Stage   Stage
	Current int
	Total   int
}

// ProgressFunc receives import progress.
type ProgressFunc func(Progress)

// ImportOptions configures one import.
type ImportOptions struct {
	// Source names the catalog in import history (usually its path).
	Source string

	// Progress, when set, receives per-batch updates.
	Progress ProgressFunc
}

// ImportResult reports what an import committed.
type ImportResult struct {
	RunID        string        `json:"run_id"`
	Cards        int           `json:"cards"`
	Skipped      int           `json:"skipped"`
	Authors      int           `json:"authors"`
	Books        int           `json:"books"`
	Links        int           `json:"links"`
	IndexEntries int           `json:"index_entries"`
	Duration     time.Duration `json:"duration"`
}

// Importer loads catalogs into a store.
type Importer struct {
	store     store.CatalogStore
	batchSize int
	newRunID  func() string
}

// ImporterOption configures an Importer.
type ImporterOption func(*Importer)

// WithBatchSize sets the rows per batch. Values below 1 are ignored.
func WithBatchSize(n int) ImporterOption {
	return func(im *Importer) {
		if n > 0 {
			im.batchSize = n
		}
	}
}

// WithRunIDGenerator replaces the uuid run id generator.
func WithRunIDGenerator(fn func() string) ImporterOption {
	return func(im *Importer) {
		if fn != nil {
			im.newRunID = fn
		}
	}
}

// NewImporter creates an importer writing to st.
func NewImporter(st store.CatalogStore, opts ...ImporterOption) (*Importer, error) {
	if st == nil {
		return nil, fmt.Errorf("catalog store is required")
	}
	im := &Importer{
		store:     st,
		batchSize: DefaultBatchSize,
		newRunID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(im)
	}
	return im, nil
}

// Import replaces the stored catalog with the one read from src.
// The header is validated before storage is touched. Everything else runs in
// one import transaction, so on any error the previous catalog stays intact.
func (im *Importer) Import(ctx context.Context, src io.Reader, opts ImportOptions) (*ImportResult, error) {
	return im.ImportFrom(ctx, NewReader(src), opts)
}

// ImportFrom is Import over an existing Reader.
func (im *Importer) ImportFrom(ctx context.Context, r *Reader, opts ImportOptions) (*ImportResult, error) {
	defer r.Close()
	start := time.Now()

	if err := r.Header(); err != nil {
		if errors.Is(err, ErrSchemaMismatch) {
			return nil, tzerrors.SchemaError("catalog header does not match the expected columns", err).
				WithDetail("expected", fmt.Sprint(Columns)).
				WithSuggestion("The first line must be: Last Name;First Name;Middle Name;Title;Subtitle;Language;Year;Series;ID")
		}
		return nil, tzerrors.IOError("failed to read catalog header", err)
	}

	runID := im.newRunID()
	slog.Info("import_started",
		slog.String("run_id", runID),
		slog.String("source", opts.Source),
		slog.String("backend", string(im.store.Backend())))

	tx, err := im.store.BeginImport(ctx, runID)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil {
				slog.Warn("import_rollback_failed",
					slog.String("run_id", runID),
					slog.String("error", rbErr.Error()))
			}
		}
	}()

	result, err := im.load(ctx, r, tx, opts.Progress)
	if err != nil {
		slog.Error("import_failed",
			slog.String("run_id", runID),
			slog.String("error", err.Error()))
		return nil, asImportError(err)
	}
	result.RunID = runID

	report(opts.Progress, StageCommitting, 0, 0)
	finished := time.Now()
	err = tx.RecordImport(ctx, store.ImportRecord{
		RunID:      runID,
		Source:     opts.Source,
		StartedAt:  start,
		FinishedAt: finished,
		Cards:      result.Cards,
		Skipped:    result.Skipped,
		Books:      result.Books,
		Authors:    result.Authors,
		Links:      result.Links,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		committed = true // Commit has already finished the transaction either way.
		slog.Error("import_commit_failed",
			slog.String("run_id", runID),
			slog.String("error", err.Error()))
		return nil, err
	}
	committed = true

	result.Duration = time.Since(start)
	report(opts.Progress, StageComplete, result.Cards, result.Cards)
	slog.Info("import_completed",
		slog.String("run_id", runID),
		slog.Int("cards", result.Cards),
		slog.Int("skipped", result.Skipped),
		slog.Int("authors", result.Authors),
		slog.Int("books", result.Books),
		slog.Int("links", result.Links),
		slog.Duration("duration", result.Duration))
	return result, nil
}

// load runs the staged pipeline inside tx: cards, authors, books, links,
// then index entries.
func (im *Importer) load(ctx context.Context, r *Reader, tx store.ImportTx, progress ProgressFunc) (*ImportResult, error) {
	agg := NewAggregator()
	var cards []store.Card
	batch := make([]store.Card, 0, im.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := tx.InsertCards(ctx, batch); err != nil {
			return err
		}
		cards = append(cards, batch...)
		slog.Debug("import_batch_written",
			slog.String("stage", StageReading.String()),
			slog.Int("rows", len(batch)),
			slog.Int("total", len(cards)))
		report(progress, StageReading, len(cards), 0)
		batch = batch[:0]
		return nil
	}

	for {
		c, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, tzerrors.IOError("failed to read catalog", err)
		}
		if err := agg.Add(c); err != nil {
			return nil, err
		}
		batch = append(batch, c)
		if len(batch) >= im.batchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	if err := writeBatches(ctx, im.batchSize, StageAuthors, agg.Authors(), tx.InsertAuthors, progress); err != nil {
		return nil, err
	}
	if err := writeBatches(ctx, im.batchSize, StageBooks, agg.Books(), tx.InsertBooks, progress); err != nil {
		return nil, err
	}
	if err := writeBatches(ctx, im.batchSize, StageLinks, agg.Links(), tx.InsertBookAuthors, progress); err != nil {
		return nil, err
	}
	if err := writeBatches(ctx, im.batchSize, StageIndexing, BuildIndexEntries(cards), tx.InsertIndexEntries, progress); err != nil {
		return nil, err
	}

	return &ImportResult{
		Cards:        len(cards),
		Skipped:      r.Skipped(),
		Authors:      len(agg.Authors()),
		Books:        len(agg.Books()),
		Links:        len(agg.Links()),
		IndexEntries: len(cards),
	}, nil
}

// writeBatches hands items to write in slices of at most size.
func writeBatches[T any](ctx context.Context, size int, stage Stage, items []T,
	write func(context.Context, []T) error, progress ProgressFunc) error {
	for start := 0; start < len(items); start += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+size, len(items))
		if err := write(ctx, items[start:end]); err != nil {
			return err
		}
		report(progress, stage, end, len(items))
	}
	return nil
}

func report(fn ProgressFunc, stage Stage, current, total int) {
	if fn != nil {
		fn(Progress{Stage: stage, Current: current, Total: total})
	}
}

// asImportError maps pipeline failures onto error codes. Errors that already
// carry a code pass through.
func asImportError(err error) error {
	if tzerrors.GetCode(err) != "" {
		return err
	}
	switch {
	case errors.Is(err, ErrUnresolved):
		return tzerrors.New(tzerrors.ErrCodeConsistency, "catalog aggregation is inconsistent", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return tzerrors.New(tzerrors.ErrCodeImportFailed, "catalog import failed", err)
	}
}
