package preflight

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Aman-CERP/tamizdat/internal/catalog"
)

// DefaultSampleRows is how many rows CheckCatalogFile parses by default.
const DefaultSampleRows = 10000

// CheckCatalogFile decodes the catalog with the configured encoding, checks
// the header and parses up to the sample size of rows. A bad header fails;
// malformed rows warn, since import skips them.
func (c *Checker) CheckCatalogFile(ctx context.Context, path string) CheckResult {
	result := CheckResult{
		Name:     "catalog_file",
		Required: true,
	}
	fail := func(format string, args ...any) CheckResult {
		result.Status = StatusFail
		result.Message = fmt.Sprintf(format, args...)
		return result
	}

	f, err := os.Open(path)
	if err != nil {
		return fail("cannot open %s: %v", path, err)
	}
	defer func() { _ = f.Close() }()

	src, err := catalog.DecodeReader(f, c.encoding)
	if err != nil {
		return fail("%v", err)
	}
	r := catalog.NewReader(src)
	defer r.Close()
	if err := r.Header(); err != nil {
		result.Details = fmt.Sprintf("expected header: %v", catalog.Columns)
		return fail("%v", err)
	}

	cards := 0
	for c.sampleRows <= 0 || cards < c.sampleRows {
		if err := ctx.Err(); err != nil {
			return fail("check cancelled: %v", err)
		}
		_, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail("%v", err)
		}
		cards++
	}

	result.Message = fmt.Sprintf("%d card(s) read (%s)", cards, c.encoding)
	if cards == 0 {
		result.Status = StatusWarn
		result.Message = "catalog has a header but no cards"
		return result
	}
	if skipped := r.Skipped(); skipped > 0 {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("%d card(s) read, %d malformed row(s) will be skipped", cards, skipped)
		result.Details = "Run with --debug and check 'tamizdat logs --grep catalog_row_skipped' for line numbers"
		return result
	}
	result.Status = StatusPass
	return result
}
