package cmd

import (
	"fmt"
	"regexp"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/tamizdat/internal/logging"
	"github.com/Aman-CERP/tamizdat/internal/ui"
)

type logsOptions struct {
	lines   int
	level   string
	grep    string
	follow  bool
	noColor bool
	file    string
}

func newLogsCmd() *cobra.Command {
	opts := &logsOptions{}

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View tamizdat logs",
		Long: `Print recent entries from ~/.tamizdat/logs/tamizdat.log.

Logs are JSON lines written by every command and by 'tamizdat serve'.`,
		Example: `  tamizdat logs
  tamizdat logs -n 200 --level warn
  tamizdat logs --grep catalog_reimport -f`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLogs(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.IntVarP(&opts.lines, "lines", "n", 50, "Number of lines to show")
	f.StringVar(&opts.level, "level", "", "Minimum level: debug, info, warn, error")
	f.StringVar(&opts.grep, "grep", "", "Only show lines matching this regular expression")
	f.BoolVarP(&opts.follow, "follow", "f", false, "Follow new entries")
	f.BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	f.StringVar(&opts.file, "file", "", "Read this log file instead of the default")
	return cmd
}

func runLogs(cmd *cobra.Command, opts *logsOptions) error {
	path, err := logging.FindLogFile(opts.file)
	if err != nil {
		return err
	}

	vcfg := logging.ViewerConfig{
		Level:   opts.level,
		NoColor: opts.noColor || ui.DetectNoColor(),
	}
	if opts.grep != "" {
		re, err := regexp.Compile(opts.grep)
		if err != nil {
			return fmt.Errorf("invalid --grep pattern: %w", err)
		}
		vcfg.Pattern = re
	}

	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()
	viewer := logging.NewViewer(vcfg, out)

	fmt.Fprintf(errOut, "Log file: %s\n---\n", path)

	entries, err := viewer.Tail(path, opts.lines)
	if err != nil {
		return err
	}
	viewer.Print(entries)
	if !opts.follow {
		return nil
	}

	ctx := cmd.Context()
	ch := make(chan logging.LogEntry, 100)
	errCh := make(chan error, 1)
	go func() {
		errCh <- viewer.Follow(ctx, path, ch)
	}()

	for {
		select {
		case entry := <-ch:
			fmt.Fprintln(out, viewer.FormatEntry(entry))
		case err := <-errCh:
			return err
		case <-ctx.Done():
			fmt.Fprintln(errOut, "\n---\nStopped.")
			return nil
		}
	}
}
