package cmd

import (
	"github.com/spf13/cobra"
)

func newStatsCmd(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show catalog counts, the last import and query statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, release, err := a.openEngine(cmd.Context(), engineOptions{lock: lockShared, tracking: true})
			if err != nil {
				return err
			}
			defer release()

			st, err := eng.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), format, st)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", formatText, "Output format: text, markdown, json")
	return cmd
}
