package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/tamizdat/internal/catalog"
	tzerrors "github.com/Aman-CERP/tamizdat/internal/errors"
	"github.com/Aman-CERP/tamizdat/internal/preflight"
	"github.com/Aman-CERP/tamizdat/internal/profiling"
	"github.com/Aman-CERP/tamizdat/internal/search"
	"github.com/Aman-CERP/tamizdat/internal/ui"
	"github.com/Aman-CERP/tamizdat/internal/watcher"
)

type importOptions struct {
	encoding  string
	batchSize int
	backend   string
	watch     bool
	noTUI     bool
	format    string
}

func newImportCmd(a *app) *cobra.Command {
	var opts importOptions

	cmd := &cobra.Command{
		Use:   "import <catalog>",
		Short: "Replace the stored catalog with a catalog file",
		Long: `Import reads a semicolon-delimited catalog with the header

  Last Name;First Name;Middle Name;Title;Subtitle;Language;Year;Series;ID

derives authors, books and their links, and rebuilds the search index.
The previous catalog stays visible until the import commits.

Examples:
  tamizdat import catalog.txt
  tamizdat import catalog.txt --encoding windows-1251
  tamizdat import catalog.txt --backend bleve --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runImport(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.encoding, "encoding", "e", "", "Catalog encoding: utf-8, windows-1251, koi8-r (default from config)")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 0, "Rows per write batch (default from config)")
	cmd.Flags().StringVar(&opts.backend, "backend", "", "Card index backend: fts5 or bleve")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "Re-import whenever the catalog file changes")
	cmd.Flags().BoolVar(&opts.noTUI, "no-tui", false, "Plain progress lines instead of the interactive view")
	cmd.Flags().StringVarP(&opts.format, "format", "f", formatText, "Summary format: text, json")

	return cmd
}

func (a *app) runImport(cmd *cobra.Command, path string, opts importOptions) error {
	ctx := cmd.Context()
	if opts.encoding == "" {
		opts.encoding = a.cfg.Catalog.Encoding
	}
	if !catalog.IsSupportedEncoding(opts.encoding) {
		_, err := catalog.DecodeReader(nil, opts.encoding)
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := checkDataDir(a.cfg.Paths.DataDir); err != nil {
		return err
	}

	eng, release, err := a.openEngine(ctx, engineOptions{
		lock:    lockExclusive,
		create:  true,
		backend: opts.backend,
		batch:   opts.batchSize,
	})
	if err != nil {
		return err
	}
	defer release()

	res, err := a.importOnce(ctx, cmd, eng, abs, opts)
	if err != nil {
		return err
	}
	if opts.format == formatJSON {
		if err := render(cmd.OutOrStdout(), formatJSON, res); err != nil {
			return err
		}
	}
	if !opts.watch {
		return nil
	}

	w, err := watcher.New(abs, watcher.WithDebounce(a.cfg.WatchDebounce()))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Watching %s for changes (Ctrl+C to stop)\n", abs)
	return w.Run(ctx, func(ctx context.Context, p string) error {
		// Later runs print plain lines under the watch banner.
		opts.noTUI = true
		_, err := a.importOnce(ctx, cmd, eng, p, opts)
		if err != nil {
			fmt.Fprint(cmd.ErrOrStderr(), tzerrors.FormatForCLI(err))
		}
		return err
	})
}

// checkDataDir refuses to import into a data directory that is full or not
// writable.
func checkDataDir(dir string) error {
	checker := preflight.New()
	checks := []struct {
		result preflight.CheckResult
		code   string
	}{
		{checker.CheckWritePermissions(dir), tzerrors.ErrCodeFilePermission},
		{checker.CheckDiskSpace(dir), tzerrors.ErrCodeDiskFull},
	}
	for _, c := range checks {
		if c.result.IsCritical() {
			return tzerrors.New(c.code, fmt.Sprintf("data directory %s: %s", dir, c.result.Message), nil).
				WithSuggestion("Run 'tamizdat doctor' for details")
		}
	}
	return nil
}

// importOnce runs one import of path into eng with a progress display.
func (a *app) importOnce(ctx context.Context, cmd *cobra.Command, eng *search.Engine, path string, opts importOptions) (*catalog.ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, tzerrors.New(tzerrors.ErrCodeFileNotFound, fmt.Sprintf("catalog %s not found", path), err)
		}
		return nil, tzerrors.IOError(fmt.Sprintf("failed to open catalog %s", path), err)
	}
	defer func() { _ = f.Close() }()

	src, err := catalog.DecodeReader(f, opts.encoding)
	if err != nil {
		return nil, err
	}

	out := cmd.OutOrStdout()
	if opts.format == formatJSON {
		out = cmd.ErrOrStderr()
	}
	r := ui.NewRenderer(ui.NewConfig(out,
		ui.WithForcePlain(opts.noTUI),
		ui.WithNoColor(ui.DetectNoColor()),
		ui.WithSource(path)))
	if err := r.Start(ctx); err != nil {
		return nil, err
	}
	defer func() { _ = r.Stop() }()

	res, err := eng.Import(ctx, src, catalog.ImportOptions{
		Source:   path,
		Progress: ui.ProgressFunc(r),
	})
	if err != nil {
		return nil, err
	}
	if res.Skipped > 0 {
		r.Warn(fmt.Sprintf("%d malformed row(s) skipped, see the log for line numbers", res.Skipped))
	}
	r.Complete(res)

	slog.Info("import_memory", profiling.MemAttrs()...)
	return res, nil
}
