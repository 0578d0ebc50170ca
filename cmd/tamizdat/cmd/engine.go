package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/Aman-CERP/tamizdat/internal/catalog"
	tzerrors "github.com/Aman-CERP/tamizdat/internal/errors"
	"github.com/Aman-CERP/tamizdat/internal/lock"
	"github.com/Aman-CERP/tamizdat/internal/output"
	"github.com/Aman-CERP/tamizdat/internal/search"
	"github.com/Aman-CERP/tamizdat/internal/store"
	"github.com/Aman-CERP/tamizdat/internal/telemetry"
)

// lockWait bounds how long a query waits for a running import.
const lockWait = 30 * time.Second

// lockMode says how a command holds the data directory lock.
type lockMode int

const (
	lockNone lockMode = iota
	lockShared
	lockExclusive
)

// engineOptions adjusts how a command opens the engine.
type engineOptions struct {
	lock     lockMode
	create   bool   // allow a missing catalog (import)
	backend  string // overrides search.backend
	batch    int    // overrides catalog.batch_size
	tracking bool   // record query telemetry
}

// openEngine opens the catalog under the configured data directory and
// returns an engine plus a release func that closes it and drops the lock.
func (a *app) openEngine(ctx context.Context, opts engineOptions) (*search.Engine, func(), error) {
	dataDir := a.cfg.Paths.DataDir
	if !opts.create && !store.CatalogExists(dataDir) {
		return nil, nil, tzerrors.New(tzerrors.ErrCodeFileNotFound,
			fmt.Sprintf("no catalog in %s", dataDir), nil).
			WithSuggestion("Run 'tamizdat import <catalog>' first")
	}

	fl := lock.New(dataDir)
	switch opts.lock {
	case lockExclusive:
		if err := fl.TryLock(); err != nil {
			return nil, nil, err
		}
	case lockShared:
		waitCtx, cancel := context.WithTimeout(ctx, lockWait)
		err := fl.RLock(waitCtx)
		cancel()
		if err != nil {
			return nil, nil, tzerrors.New(tzerrors.ErrCodeLocked, "catalog is being imported", err).
				WithDetail("lock_file", fl.Path()).
				WithSuggestion("Retry when the running import finishes")
		}
	}
	unlock := func() {
		if err := fl.Unlock(); err != nil {
			slog.Warn("unlock_failed", slog.String("error", err.Error()))
		}
	}

	storeCfg := a.cfg.StoreConfig()
	if opts.backend != "" {
		b, err := store.ParseIndexBackend(opts.backend)
		if err != nil {
			unlock()
			return nil, nil, tzerrors.ConfigError(err.Error(), nil)
		}
		storeCfg.Backend = b
	}
	st, err := store.OpenCatalog(dataDir, storeCfg)
	if err != nil {
		unlock()
		return nil, nil, err
	}

	var metrics *telemetry.QueryMetrics
	if opts.tracking && a.cfg.TelemetryEnabled() {
		ms, err := telemetry.NewSQLiteMetricsStore(st.DB())
		if err != nil {
			slog.Warn("telemetry_disabled", slog.String("error", err.Error()))
		} else {
			mc := telemetry.DefaultQueryMetricsConfig()
			mc.FlushInterval = a.cfg.FlushInterval()
			metrics = telemetry.NewQueryMetricsWithConfig(ms, mc)
		}
	}

	batch := a.cfg.Catalog.BatchSize
	if opts.batch > 0 {
		batch = opts.batch
	}
	im, err := catalog.NewImporter(st, catalog.WithBatchSize(batch))
	if err != nil {
		_ = st.Close()
		unlock()
		return nil, nil, err
	}

	engOpts := []search.EngineOption{
		search.WithCache(a.cfg.Search.CacheSize),
		search.WithImporter(im),
		search.WithMaxPerPage(a.cfg.Search.MaxPerPage),
		search.WithTimeout(a.cfg.SearchTimeout()),
	}
	if metrics != nil {
		engOpts = append(engOpts, search.WithMetrics(metrics))
	}
	eng, err := search.NewEngine(st, engOpts...)
	if err != nil {
		_ = st.Close()
		unlock()
		return nil, nil, err
	}

	release := func() {
		if err := eng.Close(); err != nil {
			slog.Warn("engine_close_failed", slog.String("error", err.Error()))
		}
		unlock()
	}
	return eng, release, nil
}

// Output formats accepted by --format.
const (
	formatText     = "text"
	formatMarkdown = "markdown"
	formatJSON     = "json"
)

// render writes v in the requested format. text and markdown go through the
// template formatter; json is written as-is.
func render(w io.Writer, format string, v any) error {
	switch strings.ToLower(format) {
	case formatJSON:
		return output.WriteJSON(w, v)
	case formatText, "":
		return renderWith(w, output.StyleText, v)
	case formatMarkdown, "md":
		return renderWith(w, output.StyleMarkdown, v)
	default:
		return tzerrors.New(tzerrors.ErrCodeInvalidInput, fmt.Sprintf("unknown format %q", format), nil).
			WithSuggestion("Use text, markdown or json")
	}
}

func renderWith(w io.Writer, style output.Style, v any) error {
	f, err := output.NewFormatter(style)
	if err != nil {
		return err
	}
	switch v := v.(type) {
	case *search.Page:
		return f.Page(w, v)
	case *store.Book:
		return f.Book(w, v)
	case *search.Stats:
		return f.Stats(w, v)
	case *catalog.ImportResult:
		return f.Import(w, v)
	case *store.ConsistencyReport:
		return f.Verify(w, v)
	default:
		return fmt.Errorf("no template for %T", v)
	}
}
