// Package telemetry records local search telemetry: which surfaces query the
// catalog, which terms people look for, which searches find nothing and how
// long they take. Nothing leaves the machine.
package telemetry

import "context"

// Source names the surface a search came through.
type Source string

const (
	SourceCLI  Source = "cli"
	SourceMCP  Source = "mcp"
	SourceHTTP Source = "http"
)

type sourceKey struct{}

// WithSource tags ctx with the surface issuing the search.
func WithSource(ctx context.Context, src Source) context.Context {
	return context.WithValue(ctx, sourceKey{}, src)
}

// SourceFrom returns the surface tagged on ctx, or SourceCLI.
func SourceFrom(ctx context.Context) Source {
	if src, ok := ctx.Value(sourceKey{}).(Source); ok && src != "" {
		return src
	}
	return SourceCLI
}
