package mcp

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	tzerrors "github.com/Aman-CERP/tamizdat/internal/errors"
)

// Resource URIs.
const (
	StatsURI        = "tamizdat://stats"
	BookURITemplate = "tamizdat://books/{book_id}"

	bookURIPrefix = "tamizdat://books/"
	jsonMIME      = "application/json"
)

func (s *Server) registerResources() {
	s.mcp.AddResource(&mcp.Resource{
		Name:        "catalog_stats",
		URI:         StatsURI,
		Description: "Catalog counts, last import and query statistics as JSON",
		MIMEType:    jsonMIME,
	}, s.readStats)

	s.mcp.AddResourceTemplate(&mcp.ResourceTemplate{
		Name:        "book",
		URITemplate: BookURITemplate,
		Description: "One catalog book as JSON",
		MIMEType:    jsonMIME,
	}, s.readBook)
}

func (s *Server) readStats(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	st, err := s.catalog.Stats(ctx)
	if err != nil {
		return nil, MapError(err)
	}
	return jsonResource(req.Params.URI, st)
}

func (s *Server) readBook(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := req.Params.URI
	id, err := strconv.ParseInt(strings.TrimPrefix(uri, bookURIPrefix), 10, 64)
	if err != nil || id <= 0 || !strings.HasPrefix(uri, bookURIPrefix) {
		return nil, mcp.ResourceNotFoundError(uri)
	}
	book, err := s.catalog.Get(ctx, id)
	if tzerrors.HasCode(err, tzerrors.ErrCodeBookNotFound) {
		return nil, mcp.ResourceNotFoundError(uri)
	}
	if err != nil {
		return nil, MapError(err)
	}
	return jsonResource(uri, book)
}

func jsonResource(uri string, v any) (*mcp.ReadResourceResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, &MCPError{Code: ErrCodeInternalError, Message: "failed to encode resource"}
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{URI: uri, MIMEType: jsonMIME, Text: string(data)}},
	}, nil
}
