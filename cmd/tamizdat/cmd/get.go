package cmd

import (
	"strconv"

	"github.com/spf13/cobra"

	tzerrors "github.com/Aman-CERP/tamizdat/internal/errors"
)

func newGetCmd(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "get <book_id>",
		Short: "Show one book with its authors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBookID(args[0])
			if err != nil {
				return err
			}
			eng, release, err := a.openEngine(cmd.Context(), engineOptions{lock: lockShared})
			if err != nil {
				return err
			}
			defer release()

			book, err := eng.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), format, book)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", formatText, "Output format: text, markdown, json")
	return cmd
}

func parseBookID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, tzerrors.New(tzerrors.ErrCodeInvalidInput, "book id must be a positive integer", err).
			WithDetail("book_id", s)
	}
	return id, nil
}
