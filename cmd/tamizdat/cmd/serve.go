package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/tamizdat/internal/api"
	"github.com/Aman-CERP/tamizdat/internal/catalog"
	"github.com/Aman-CERP/tamizdat/internal/lock"
	"github.com/Aman-CERP/tamizdat/internal/logging"
	"github.com/Aman-CERP/tamizdat/internal/mcp"
	"github.com/Aman-CERP/tamizdat/internal/output"
	"github.com/Aman-CERP/tamizdat/internal/search"
	"github.com/Aman-CERP/tamizdat/internal/watcher"
)

type serveOptions struct {
	transport string
	addr      string
	watch     string
}

func newServeCmd(a *app) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the catalog to MCP clients or over HTTP",
		Long: `Serve answers searches until interrupted.

  --transport stdio  MCP over stdin/stdout, for AI clients
  --transport http   JSON API under /api plus MCP at /mcp

With --watch the given catalog file is re-imported whenever it changes.
Logs go to ~/.tamizdat/logs/tamizdat.log only.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.transport == "" {
				opts.transport = a.cfg.Server.Transport
			}
			if opts.addr == "" {
				opts.addr = a.cfg.Server.Addr
			}
			return a.runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.transport, "transport", "t", "", "stdio or http (default from config)")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "HTTP listen address (default from config)")
	cmd.Flags().StringVarP(&opts.watch, "watch", "w", "", "Catalog file to re-import on change")

	return cmd
}

func (a *app) runServe(ctx context.Context, opts serveOptions) error {
	transport := strings.ToLower(opts.transport)
	if transport != "stdio" && transport != "http" {
		return fmt.Errorf("unknown transport: %s (supported: stdio, http)", opts.transport)
	}

	cleanup, err := logging.SetupServeMode(a.level())
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	a.logCleanup = cleanup

	eng, release, err := a.openEngine(ctx, engineOptions{
		lock:     lockNone,
		create:   opts.watch != "",
		tracking: true,
	})
	if err != nil {
		return err
	}
	defer release()

	if opts.watch != "" && !hasBooks(ctx, eng) {
		if err := a.reimport(ctx, eng, opts.watch); err != nil {
			return err
		}
	}

	f, err := output.NewFormatter(output.StyleMarkdown)
	if err != nil {
		return err
	}
	mcpSrv, err := mcp.NewServer(eng, f, mcp.WithDefaultPerPage(a.cfg.Search.PerPage))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	// Whichever server stops first takes the watcher down with it.
	switch transport {
	case "stdio":
		g.Go(func() error {
			defer cancel()
			return mcpSrv.Serve(gctx, "stdio")
		})
	case "http":
		apiSrv, err := api.NewServer(eng,
			api.WithDefaultPerPage(a.cfg.Search.PerPage),
			api.WithMCP(mcpSrv.Handler()))
		if err != nil {
			return err
		}
		g.Go(func() error {
			defer cancel()
			return apiSrv.Run(gctx, opts.addr)
		})
	}

	if opts.watch != "" {
		w, err := watcher.New(opts.watch, watcher.WithDebounce(a.cfg.WatchDebounce()))
		if err != nil {
			return err
		}
		g.Go(func() error {
			return w.Run(gctx, func(ctx context.Context, path string) error {
				return a.reimport(ctx, eng, path)
			})
		})
	}

	slog.Info("serve_started",
		slog.String("transport", transport),
		slog.String("data_dir", a.cfg.Paths.DataDir),
		slog.String("watch", opts.watch))
	return g.Wait()
}

// reimport imports path into a running server's engine. The data directory
// lock keeps CLI imports out while it runs; queries wait on the engine.
func (a *app) reimport(ctx context.Context, eng *search.Engine, path string) error {
	fl := lock.New(a.cfg.Paths.DataDir)
	if err := fl.TryLock(); err != nil {
		return err
	}
	defer func() { _ = fl.Unlock() }()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer func() { _ = f.Close() }()

	src, err := catalog.DecodeReader(f, a.cfg.Catalog.Encoding)
	if err != nil {
		return err
	}
	res, err := eng.Import(ctx, src, catalog.ImportOptions{Source: abs})
	if err != nil {
		return err
	}
	slog.Info("serve_reimport_complete",
		slog.Int("books", res.Books),
		slog.Int("skipped", res.Skipped),
		slog.Duration("duration", res.Duration))
	return nil
}

func hasBooks(ctx context.Context, eng *search.Engine) bool {
	st, err := eng.Stats(ctx)
	return err == nil && st.Catalog != nil && st.Catalog.Books > 0
}
