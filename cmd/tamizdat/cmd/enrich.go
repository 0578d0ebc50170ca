package cmd

import (
	"github.com/spf13/cobra"

	tzerrors "github.com/Aman-CERP/tamizdat/internal/errors"
	"github.com/Aman-CERP/tamizdat/internal/store"
)

func newEnrichCmd(a *app) *cobra.Command {
	var (
		en     store.Enrichment
		format string
	)

	cmd := &cobra.Command{
		Use:   "enrich <book_id>",
		Short: "Attach an annotation, cover or ebook link to a book",
		Long: `Enrich stores fields that do not come from the catalog on a book.
They are kept until the next import replaces the book.

Example:
  tamizdat enrich 93857 --annotation "..." --cover https://example.org/c.jpg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBookID(args[0])
			if err != nil {
				return err
			}
			if en == (store.Enrichment{}) {
				return tzerrors.New(tzerrors.ErrCodeInvalidInput, "nothing to store", nil).
					WithSuggestion("Pass at least one of --annotation, --cover, --ebook")
			}

			// Enrichment writes to the catalog, so it excludes imports.
			eng, release, err := a.openEngine(cmd.Context(), engineOptions{lock: lockExclusive})
			if err != nil {
				return err
			}
			defer release()

			ctx := cmd.Context()
			if err := eng.UpdateEnrichment(ctx, id, en); err != nil {
				return err
			}
			book, err := eng.Get(ctx, id)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), format, book)
		},
	}

	cmd.Flags().StringVar(&en.Annotation, "annotation", "", "Book annotation text")
	cmd.Flags().StringVar(&en.CoverImageURL, "cover", "", "Cover image URL")
	cmd.Flags().StringVar(&en.EbookURL, "ebook", "", "Ebook file URL")
	cmd.Flags().StringVarP(&format, "format", "f", formatText, "Output format: text, markdown, json")
	return cmd
}
