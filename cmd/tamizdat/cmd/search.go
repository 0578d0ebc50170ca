package cmd

import (
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/tamizdat/internal/telemetry"
)

type searchOptions struct {
	page    int
	perPage int
	format  string
}

func newSearchCmd(a *app) *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <term...>",
		Short: "Search books by title, subtitle, series or author",
		Long: `Search returns distinct books whose cards match every word of the term,
best matches first. Punctuation is ignored and case does not matter.

Examples:
  tamizdat search пикник на обочине
  tamizdat search Стругацкий --page 2 --per-page 20
  tamizdat search "Мир Полудня" --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			term := strings.Join(args, " ")
			if opts.perPage == 0 {
				opts.perPage = a.cfg.Search.PerPage
			}

			eng, release, err := a.openEngine(cmd.Context(), engineOptions{lock: lockShared, tracking: true})
			if err != nil {
				return err
			}
			defer release()

			ctx := telemetry.WithSource(cmd.Context(), telemetry.SourceCLI)
			page, err := eng.Search(ctx, term, opts.page, opts.perPage)
			if err != nil {
				return err
			}
			slog.Info("search_complete",
				slog.String("term", term),
				slog.Int("page", page.Page),
				slog.Int("total", page.Total))
			return render(cmd.OutOrStdout(), opts.format, page)
		},
	}

	cmd.Flags().IntVarP(&opts.page, "page", "p", 1, "Page number, starting at 1")
	cmd.Flags().IntVarP(&opts.perPage, "per-page", "n", 0, "Books per page (default from config)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", formatText, "Output format: text, markdown, json")

	return cmd
}
