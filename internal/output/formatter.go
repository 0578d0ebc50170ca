package output

import (
	"bytes"
	"embed"
	"fmt"
	"io"
	"strings"
	"text/template"

	"github.com/Aman-CERP/tamizdat/internal/catalog"
	"github.com/Aman-CERP/tamizdat/internal/search"
	"github.com/Aman-CERP/tamizdat/internal/store"
	"github.com/Aman-CERP/tamizdat/internal/telemetry"
)

//go:embed templates
var templateFS embed.FS

// Style selects a template set.
type Style string

const (
	// StyleText is plain terminal output.
	StyleText Style = "text"
	// StyleMarkdown is used for MCP tool results.
	StyleMarkdown Style = "markdown"
)

// Template names, one file per name in each style directory.
const (
	tmplPage   = "page.tmpl"
	tmplBook   = "book.tmpl"
	tmplStats  = "stats.tmpl"
	tmplImport = "import.tmpl"
	tmplVerify = "verify.tmpl"
)

// unknownAuthor is shown for the author with no name parts.
const unknownAuthor = "Unknown author"

var latencyOrder = []telemetry.LatencyBucket{
	telemetry.BucketP10,
	telemetry.BucketP50,
	telemetry.BucketP100,
	telemetry.BucketP500,
	telemetry.BucketP1000,
}

// Formatter renders results through parsed templates. Build one per process
// and pass it to whatever needs it; it is safe for concurrent use.
type Formatter struct {
	style Style
	tmpl  *template.Template
}

// NewFormatter parses the templates of style.
func NewFormatter(style Style) (*Formatter, error) {
	switch style {
	case StyleText, StyleMarkdown:
	default:
		return nil, fmt.Errorf("unknown output style: %q", style)
	}

	tmpl, err := template.New(string(style)).
		Funcs(funcs()).
		ParseFS(templateFS, "templates/"+string(style)+"/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse %s templates: %w", style, err)
	}
	return &Formatter{style: style, tmpl: tmpl}, nil
}

// Style returns the template set in use.
func (f *Formatter) Style() Style {
	return f.style
}

// Page renders one page of search results.
func (f *Formatter) Page(w io.Writer, p *search.Page) error {
	return f.render(w, tmplPage, p)
}

// Book renders a single book with its authors and enrichment.
func (f *Formatter) Book(w io.Writer, b *store.Book) error {
	return f.render(w, tmplBook, b)
}

// Stats renders catalog statistics and query telemetry.
func (f *Formatter) Stats(w io.Writer, s *search.Stats) error {
	return f.render(w, tmplStats, s)
}

// Import renders the summary of a finished import.
func (f *Formatter) Import(w io.Writer, r *catalog.ImportResult) error {
	return f.render(w, tmplImport, r)
}

// Verify renders a consistency report.
func (f *Formatter) Verify(w io.Writer, r *store.ConsistencyReport) error {
	return f.render(w, tmplVerify, r)
}

// String renders the named template into a string.
func (f *Formatter) String(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := f.render(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (f *Formatter) render(w io.Writer, name string, data any) error {
	if err := f.tmpl.ExecuteTemplate(w, name, data); err != nil {
		return fmt.Errorf("render %s: %w", name, err)
	}
	return nil
}

func funcs() template.FuncMap {
	return template.FuncMap{
		"authors": formatAuthors,
		"rank": func(page, perPage, i int) int {
			return (page-1)*perPage + i + 1
		},
		"add": func(a, b int) int { return a + b },
		"pct": func(v float64) string { return fmt.Sprintf("%.1f%%", v) },
		"latency": func(dist map[telemetry.LatencyBucket]int64) []bucketCount {
			out := make([]bucketCount, 0, len(latencyOrder))
			for _, b := range latencyOrder {
				out = append(out, bucketCount{Bucket: string(b), Count: dist[b]})
			}
			return out
		},
		"indent": func(n int, s string) string {
			pad := strings.Repeat(" ", n)
			return pad + strings.ReplaceAll(strings.TrimSpace(s), "\n", "\n"+pad)
		},
	}
}

type bucketCount struct {
	Bucket string
	Count  int64
}

func formatAuthors(authors []store.Author) string {
	if len(authors) == 0 {
		return unknownAuthor
	}
	names := make([]string, 0, len(authors))
	for _, a := range authors {
		name := a.DisplayName()
		if name == "" {
			name = unknownAuthor
		}
		names = append(names, name)
	}
	return strings.Join(names, ", ")
}
