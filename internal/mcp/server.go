package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Aman-CERP/tamizdat/internal/output"
	"github.com/Aman-CERP/tamizdat/internal/search"
	"github.com/Aman-CERP/tamizdat/internal/store"
	"github.com/Aman-CERP/tamizdat/internal/telemetry"
	"github.com/Aman-CERP/tamizdat/pkg/version"
)

// Catalog is the part of search.Engine the server needs.
type Catalog interface {
	Search(ctx context.Context, term string, page, perPage int) (*search.Page, error)
	Get(ctx context.Context, bookID int64) (*store.Book, error)
	Stats(ctx context.Context) (*search.Stats, error)
}

// Server bridges MCP clients to the catalog.
type Server struct {
	mcp       *mcp.Server
	catalog   Catalog
	formatter *output.Formatter
	perPage   int
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithDefaultPerPage sets the page size used when a client omits per_page.
func WithDefaultPerPage(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.perPage = n
		}
	}
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates an MCP server over cat. Results are rendered with f,
// normally a markdown formatter.
func NewServer(cat Catalog, f *output.Formatter, opts ...Option) (*Server, error) {
	if cat == nil {
		return nil, errors.New("catalog is required")
	}
	if f == nil {
		return nil, errors.New("formatter is required")
	}

	s := &Server{
		catalog:   cat,
		formatter: f,
		perPage:   search.DefaultPerPage,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcp = mcp.NewServer(&mcp.Implementation{
		Name:    version.Name,
		Version: version.Short(),
	}, nil)

	s.registerTools()
	s.registerResources()
	return s, nil
}

// MCPServer returns the underlying SDK server.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// ListTools returns the registered tools.
func (s *Server) ListTools() []ToolInfo {
	out := make([]ToolInfo, len(toolInfos))
	copy(out, toolInfos)
	return out
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{Name: ToolSearchBooks, Description: toolInfos[0].Description}, s.handleSearchBooks)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: ToolGetBook, Description: toolInfos[1].Description}, s.handleGetBook)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: ToolCatalogStats, Description: toolInfos[2].Description}, s.handleCatalogStats)
	s.logger.Debug("mcp_tools_registered", slog.Int("count", len(toolInfos)))
}

func (s *Server) handleSearchBooks(ctx context.Context, _ *mcp.CallToolRequest, in SearchBooksInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(in.Query) == "" {
		return nil, nil, NewInvalidParamsError("query parameter is required")
	}
	page, perPage := in.Page, in.PerPage
	if page == 0 {
		page = 1
	}
	if perPage == 0 {
		perPage = s.perPage
	}

	done := s.trace(ToolSearchBooks, slog.String("query", in.Query), slog.Int("page", page))
	res, err := s.catalog.Search(telemetry.WithSource(ctx, telemetry.SourceMCP), in.Query, page, perPage)
	if err != nil {
		done(err)
		return nil, nil, MapError(err)
	}
	done(nil, slog.Int("total", res.Total))
	return s.render(func(b *bytes.Buffer) error { return s.formatter.Page(b, res) })
}

func (s *Server) handleGetBook(ctx context.Context, _ *mcp.CallToolRequest, in GetBookInput) (*mcp.CallToolResult, any, error) {
	if in.BookID <= 0 {
		return nil, nil, NewInvalidParamsError("book_id must be a positive integer")
	}
	done := s.trace(ToolGetBook, slog.Int64("book_id", in.BookID))
	book, err := s.catalog.Get(ctx, in.BookID)
	done(err)
	if err != nil {
		return nil, nil, MapError(err)
	}
	return s.render(func(b *bytes.Buffer) error { return s.formatter.Book(b, book) })
}

func (s *Server) handleCatalogStats(ctx context.Context, _ *mcp.CallToolRequest, _ CatalogStatsInput) (*mcp.CallToolResult, any, error) {
	done := s.trace(ToolCatalogStats)
	st, err := s.catalog.Stats(ctx)
	done(err)
	if err != nil {
		return nil, nil, MapError(err)
	}
	return s.render(func(b *bytes.Buffer) error { return s.formatter.Stats(b, st) })
}

func (s *Server) render(fn func(*bytes.Buffer) error) (*mcp.CallToolResult, any, error) {
	var buf bytes.Buffer
	if err := fn(&buf); err != nil {
		return nil, nil, &MCPError{Code: ErrCodeInternalError, Message: "failed to render result"}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: buf.String()}},
	}, nil, nil
}

// trace logs a tool call and returns a func that logs its outcome.
func (s *Server) trace(tool string, attrs ...slog.Attr) func(error, ...slog.Attr) {
	start := time.Now()
	reqID := uuid.NewString()[:8]
	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "mcp_tool_call",
		append([]slog.Attr{slog.String("tool", tool), slog.String("request_id", reqID)}, attrs...)...)

	return func(err error, more ...slog.Attr) {
		base := []slog.Attr{
			slog.String("tool", tool),
			slog.String("request_id", reqID),
			slog.Duration("duration", time.Since(start)),
		}
		if err != nil {
			s.logger.LogAttrs(context.Background(), slog.LevelWarn, "mcp_tool_failed",
				append(base, slog.String("error", err.Error()))...)
			return
		}
		s.logger.LogAttrs(context.Background(), slog.LevelInfo, "mcp_tool_done", append(base, more...)...)
	}
}

// Serve runs the server over stdio until ctx is cancelled. Streamable HTTP
// is exposed through Handler instead.
func (s *Server) Serve(ctx context.Context, transport string) error {
	switch transport {
	case "stdio", "":
		s.logger.Info("mcp_server_starting", slog.String("transport", "stdio"))
		err := s.mcp.Run(ctx, &mcp.StdioTransport{})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("mcp_server_stopped", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("mcp_server_stopped")
		return nil
	default:
		return fmt.Errorf("unknown MCP transport: %s (supported: stdio)", transport)
	}
}

// Handler serves MCP over streamable HTTP, for mounting next to the JSON API.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
}
