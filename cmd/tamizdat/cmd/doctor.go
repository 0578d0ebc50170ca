package cmd

import (
	"github.com/spf13/cobra"

	tzerrors "github.com/Aman-CERP/tamizdat/internal/errors"
	"github.com/Aman-CERP/tamizdat/internal/output"
	"github.com/Aman-CERP/tamizdat/internal/preflight"
)

func newDoctorCmd(a *app) *cobra.Command {
	var (
		jsonOutput bool
		verbose    bool
		encoding   string
	)

	cmd := &cobra.Command{
		Use:   "doctor [catalog]",
		Short: "Check the system and optionally a catalog file before importing",
		Long: `Doctor checks free disk space and write access for the data directory,
the open file limit, and, when a catalog file is given, that it decodes with
the configured encoding and carries the expected header.`,
		Example: `  tamizdat doctor
  tamizdat doctor catalog.txt --encoding windows-1251`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if encoding == "" {
				encoding = a.cfg.Catalog.Encoding
			}
			var path string
			if len(args) == 1 {
				path = args[0]
			}

			checker := preflight.New(
				preflight.WithEncoding(encoding),
				preflight.WithVerbose(verbose),
				preflight.WithOutput(cmd.OutOrStdout()))
			results := checker.RunAll(cmd.Context(), a.cfg.Paths.DataDir, path)

			if jsonOutput {
				if err := output.WriteJSON(cmd.OutOrStdout(), map[string]any{
					"status": checker.SummaryStatus(results),
					"checks": results,
				}); err != nil {
					return err
				}
			} else {
				checker.PrintResults(results)
			}

			if checker.HasCriticalFailures(results) {
				return tzerrors.New(tzerrors.ErrCodeInvalidInput, "system check failed", nil).
					WithSuggestion("Fix the failed checks above and run 'tamizdat doctor' again")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show details for each check")
	cmd.Flags().StringVarP(&encoding, "encoding", "e", "", "Catalog encoding (default from config)")
	return cmd
}
