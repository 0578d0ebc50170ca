package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Aman-CERP/tamizdat/internal/store"
	"github.com/Aman-CERP/tamizdat/internal/telemetry"
	"github.com/Aman-CERP/tamizdat/pkg/version"
)

// EnrichRequest is the body of PATCH /api/books/:id.
type EnrichRequest struct {
	Annotation    string `json:"annotation"`
	CoverImageURL string `json:"cover_image_url" binding:"omitempty,url"`
	EbookURL      string `json:"ebook_url" binding:"omitempty,url"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "UP",
		"version": version.Short(),
		"time":    time.Now().UTC(),
	})
}

// searchBooks handles GET /api/books?q=&page=&per_page=.
func (s *Server) searchBooks(c *gin.Context) {
	page, ok := intQuery(c, "page", 1)
	if !ok {
		return
	}
	perPage, ok := intQuery(c, "per_page", s.perPage)
	if !ok {
		return
	}

	ctx := telemetry.WithSource(c.Request.Context(), telemetry.SourceHTTP)
	res, err := s.catalog.Search(ctx, c.Query("q"), page, perPage)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "success",
		"data":     res,
		"pages":    res.Pages(),
		"has_next": res.HasNext(),
	})
}

func (s *Server) getBook(c *gin.Context) {
	id, ok := bookID(c)
	if !ok {
		return
	}
	book, err := s.catalog.Get(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": book})
}

func (s *Server) enrichBook(c *gin.Context) {
	id, ok := bookID(c)
	if !ok {
		return
	}
	var req EnrichRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid enrichment JSON: "+err.Error())
		return
	}
	if req == (EnrichRequest{}) {
		badRequest(c, "at least one of annotation, cover_image_url, ebook_url is required")
		return
	}

	ctx := c.Request.Context()
	if err := s.catalog.UpdateEnrichment(ctx, id, store.Enrichment(req)); err != nil {
		abortWithError(c, err)
		return
	}
	book, err := s.catalog.Get(ctx, id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": book})
}

func (s *Server) stats(c *gin.Context) {
	st, err := s.catalog.Stats(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": st})
}

// intQuery reads an integer query parameter. Malformed values are rejected
// here; range checks belong to the engine.
func intQuery(c *gin.Context, name string, def int) (int, bool) {
	raw, present := c.GetQuery(name)
	if !present || raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		badRequest(c, name+" must be an integer")
		return 0, false
	}
	return n, true
}

func bookID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "book id must be a positive integer")
		return 0, false
	}
	return id, true
}
