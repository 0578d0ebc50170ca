package ui

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Aman-CERP/tamizdat/internal/catalog"
)

// PlainRenderer prints one line per update, without escape codes.
type PlainRenderer struct {
	mu       sync.Mutex
	out      io.Writer
	source   string
	warnings int
}

// NewPlainRenderer creates a plain renderer on cfg.Output.
func NewPlainRenderer(cfg Config) *PlainRenderer {
	return &PlainRenderer{out: cfg.Output, source: cfg.Source}
}

// Start implements Renderer.
func (r *PlainRenderer) Start(ctx context.Context) error {
	if r.source != "" {
		r.printf("Importing %s\n", r.source)
	}
	return nil
}

// UpdateProgress implements Renderer. The complete stage is left to Complete.
func (r *PlainRenderer) UpdateProgress(p catalog.Progress) {
	switch {
	case p.Stage == catalog.StageComplete:
	case p.Total > 0:
		r.printf("[%s] %d/%d %s\n", stageLabel(p.Stage), p.Current, p.Total, unitOf(p.Stage))
	case p.Stage == catalog.StageReading:
		r.printf("[%s] %d %s\n", stageLabel(p.Stage), p.Current, unitOf(p.Stage))
	default:
		r.printf("[%s] %s\n", stageLabel(p.Stage), p.Stage)
	}
}

// Warn implements Renderer.
func (r *PlainRenderer) Warn(msg string) {
	r.mu.Lock()
	r.warnings++
	r.mu.Unlock()
	r.printf("WARN: %s\n", msg)
}

// Complete implements Renderer.
func (r *PlainRenderer) Complete(result *catalog.ImportResult) {
	r.printf("Complete: %d cards, %d books, %d authors in %s",
		result.Cards, result.Books, result.Authors, result.Duration.Round(100*time.Millisecond))
	if result.Skipped > 0 {
		r.printf(" (%d rows skipped)", result.Skipped)
	}
	r.printf("\n")
}

// Stop implements Renderer.
func (r *PlainRenderer) Stop() error {
	return nil
}

func (r *PlainRenderer) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = fmt.Fprintf(r.out, format, args...)
}

var _ Renderer = (*PlainRenderer)(nil)
