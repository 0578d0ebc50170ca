package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	tzerrors "github.com/Aman-CERP/tamizdat/internal/errors"
)

func newVerifyCmd(a *app) *cobra.Command {
	var (
		repair bool
		format string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that the stored catalog and its index agree",
		Long: `Verify counts cards, index entries, orphaned cards and books without
authors, and compares index generations. With --repair an inconsistent
index is rebuilt from the stored cards.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mode := lockShared
			if repair {
				mode = lockExclusive
			}
			eng, release, err := a.openEngine(cmd.Context(), engineOptions{lock: mode})
			if err != nil {
				return err
			}
			defer release()

			report, err := eng.Verify(cmd.Context(), repair)
			if err != nil {
				return err
			}
			if err := render(cmd.OutOrStdout(), format, report); err != nil {
				return err
			}
			if !report.OK() {
				e := tzerrors.New(tzerrors.ErrCodeConsistency,
					fmt.Sprintf("catalog is inconsistent (%d problem(s))", len(report.Problems)), nil)
				if !repair {
					e = e.WithSuggestion("Run 'tamizdat verify --repair' or re-import the catalog")
				}
				return e
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "Rebuild the index when it does not match the cards")
	cmd.Flags().StringVarP(&format, "format", "f", formatText, "Output format: text, markdown, json")
	return cmd
}
