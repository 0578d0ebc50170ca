// Package ui displays catalog import progress in the terminal.
//
// Interactive terminals get a bubbletea view; pipes, CI runs and --no-tui
// get one plain line per batch.
package ui

import (
	"context"
	"io"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/Aman-CERP/tamizdat/internal/catalog"
)

// Renderer displays the progress of one import.
type Renderer interface {
	// Start prepares the display. Progress may arrive right after.
	Start(ctx context.Context) error

	// UpdateProgress shows a per-batch update from the importer.
	UpdateProgress(p catalog.Progress)

	// Warn shows a non-fatal problem, such as skipped rows.
	Warn(msg string)

	// Complete shows the import summary.
	Complete(result *catalog.ImportResult)

	// Stop tears the display down. It is safe to call more than once.
	Stop() error
}

// Config configures a Renderer.
type Config struct {
	Output     io.Writer
	ForcePlain bool
	NoColor    bool
	// Source is the catalog path shown in the header.
	Source string
}

// ConfigOption modifies a Config.
type ConfigOption func(*Config)

// WithForcePlain forces the plain renderer.
func WithForcePlain(force bool) ConfigOption {
	return func(c *Config) { c.ForcePlain = force }
}

// WithNoColor disables colors.
func WithNoColor(noColor bool) ConfigOption {
	return func(c *Config) { c.NoColor = noColor }
}

// WithSource sets the catalog path shown in the header.
func WithSource(path string) ConfigOption {
	return func(c *Config) { c.Source = path }
}

// NewConfig creates a Config writing to output.
func NewConfig(output io.Writer, opts ...ConfigOption) Config {
	cfg := Config{Output: output}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// NewRenderer picks the TUI for interactive terminals and the plain renderer
// everywhere else.
func NewRenderer(cfg Config) Renderer {
	if cfg.ForcePlain || !IsTTY(cfg.Output) || DetectCI() {
		return NewPlainRenderer(cfg)
	}
	tui, err := NewTUIRenderer(cfg)
	if err != nil {
		return NewPlainRenderer(cfg)
	}
	return tui
}

// ProgressFunc adapts r to the importer's progress callback.
func ProgressFunc(r Renderer) catalog.ProgressFunc {
	return func(p catalog.Progress) {
		r.UpdateProgress(p)
	}
}

// IsTTY reports whether w is a terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || f == nil {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// DetectNoColor reports whether NO_COLOR is set.
func DetectNoColor() bool {
	_, exists := os.LookupEnv("NO_COLOR")
	return exists
}

// DetectCI reports whether a common CI variable is set.
func DetectCI() bool {
	for _, v := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "TRAVIS"} {
		if _, exists := os.LookupEnv(v); exists {
			return true
		}
	}
	return false
}

// stageLabel is the short tag used by the plain renderer.
func stageLabel(s catalog.Stage) string {
	switch s {
	case catalog.StageReading:
		return "READ"
	case catalog.StageAuthors:
		return "AUTHORS"
	case catalog.StageBooks:
		return "BOOKS"
	case catalog.StageLinks:
		return "LINKS"
	case catalog.StageIndexing:
		return "INDEX"
	case catalog.StageCommitting:
		return "COMMIT"
	case catalog.StageComplete:
		return "DONE"
	default:
		return "???"
	}
}

// unitOf names what a stage counts.
func unitOf(s catalog.Stage) string {
	switch s {
	case catalog.StageReading:
		return "cards"
	case catalog.StageAuthors:
		return "authors"
	case catalog.StageBooks:
		return "books"
	case catalog.StageLinks:
		return "links"
	case catalog.StageIndexing:
		return "entries"
	default:
		return "rows"
	}
}
