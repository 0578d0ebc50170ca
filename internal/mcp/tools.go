package mcp

// Tool names.
const (
	ToolSearchBooks  = "search_books"
	ToolGetBook      = "get_book"
	ToolCatalogStats = "catalog_stats"
)

// SearchBooksInput is the input of search_books.
type SearchBooksInput struct {
	Query   string `json:"query" jsonschema:"words to look for in titles, subtitles, series and author names"`
	Page    int    `json:"page,omitempty" jsonschema:"1-based page number, default 1"`
	PerPage int    `json:"per_page,omitempty" jsonschema:"books per page, default 10"`
}

// GetBookInput is the input of get_book.
type GetBookInput struct {
	BookID int64 `json:"book_id" jsonschema:"catalog book id as returned by search_books"`
}

// CatalogStatsInput takes no parameters.
type CatalogStatsInput struct{}

// ToolInfo describes a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

var toolInfos = []ToolInfo{
	{
		Name:        ToolSearchBooks,
		Description: "Search the book catalog by title, subtitle, series or author. Every word must match. Results are distinct books, best matches first, one page at a time.",
	},
	{
		Name:        ToolGetBook,
		Description: "Fetch one book by id with all its authors and any annotation, cover or ebook links.",
	},
	{
		Name:        ToolCatalogStats,
		Description: "Report catalog size, the last import and query statistics.",
	},
}
