// Package api serves the catalog as a JSON HTTP API.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/Aman-CERP/tamizdat/internal/search"
	"github.com/Aman-CERP/tamizdat/internal/store"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = "127.0.0.1:8642"

const shutdownTimeout = 10 * time.Second

// Catalog is the part of search.Engine the API needs.
type Catalog interface {
	Search(ctx context.Context, term string, page, perPage int) (*search.Page, error)
	Get(ctx context.Context, bookID int64) (*store.Book, error)
	UpdateEnrichment(ctx context.Context, bookID int64, en store.Enrichment) error
	Stats(ctx context.Context) (*search.Stats, error)
}

// Server is the HTTP front end.
type Server struct {
	catalog Catalog
	perPage int
	mcp     http.Handler
	origins []string
	logger  *slog.Logger
	router  *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithDefaultPerPage sets the page size used when per_page is absent.
func WithDefaultPerPage(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.perPage = n
		}
	}
}

// WithMCP mounts an MCP streamable HTTP handler at /mcp.
func WithMCP(h http.Handler) Option {
	return func(s *Server) { s.mcp = h }
}

// WithAllowedOrigins restricts CORS. The default allows any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.origins = origins
		}
	}
}

// WithLogger sets the access and error logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer builds the router over cat.
func NewServer(cat Catalog, opts ...Option) (*Server, error) {
	if cat == nil {
		return nil, errors.New("catalog is required")
	}
	s := &Server{
		catalog: cat,
		perPage: search.DefaultPerPage,
		origins: []string{"*"},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRouter()
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(accessLog(s.logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  s.origins,
		AllowMethods:  []string{"GET", "PATCH", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Length", "Content-Type", "Accept", "Mcp-Session-Id"},
		ExposeHeaders: []string{"Content-Length", "X-Request-ID", "Mcp-Session-Id"},
		MaxAge:        12 * time.Hour,
	}))

	r.GET("/health", s.health)

	api := r.Group("/api")
	api.GET("/books", s.searchBooks)
	api.GET("/books/:id", s.getBook)
	api.PATCH("/books/:id", s.enrichBook)
	api.GET("/stats", s.stats)

	if s.mcp != nil {
		r.Any("/mcp", gin.WrapH(s.mcp))
	}
	return r
}

// Run listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http_server_starting", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http_server_stopped")
	return <-errCh
}
