package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/bleve/v2/search/query"
)

const (
	// CardTokenizerName is the name of the letter/digit tokenizer.
	CardTokenizerName = "card_tokenizer"

	// CardAnalyzerName is the name of the card text analyzer.
	CardAnalyzerName = "card_analyzer"

	generationKey = "generation"
	stagingSuffix = ".staging"

	// liveOpenTimeout bounds the wait for another process's exclusive
	// lock on a published index.
	liveOpenTimeout = "2s"
)

func init() {
	_ = registry.RegisterTokenizer(CardTokenizerName, cardTokenizerConstructor)
}

// cardTextFields are the searchable card fields, shared with the FTS5 schema.
var cardTextFields = []string{"last_name", "first_name", "middle_name", "title", "subtitle", "series"}

// BleveCardIndex holds card index entries in a bleve index. Each document is
// keyed by card id and stores its book id.
type BleveCardIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

type bleveCardDocument struct {
	BookID     float64 `json:"book_id"`
	LastName   string  `json:"last_name"`
	FirstName  string  `json:"first_name"`
	MiddleName string  `json:"middle_name"`
	Title      string  `json:"title"`
	Subtitle   string  `json:"subtitle"`
	Series     string  `json:"series"`
}

func newBleveCardDocument(e IndexEntry) bleveCardDocument {
	return bleveCardDocument{
		BookID:     float64(e.BookID),
		LastName:   e.LastName,
		FirstName:  e.FirstName,
		MiddleName: e.MiddleName,
		Title:      e.Title,
		Subtitle:   e.Subtitle,
		Series:     e.Series,
	}
}

// validateBleveIntegrity checks if a bleve index directory is usable before opening.
// Returns nil if valid or absent, an error describing the damage otherwise.
func validateBleveIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing (corrupted index)")
	}
	if err != nil {
		return fmt.Errorf("cannot stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty (corrupted)")
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

// isCorruptionError checks if an error indicates bleve index corruption.
func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "unexpected end of JSON") ||
		strings.Contains(errStr, "error parsing mapping JSON") ||
		strings.Contains(errStr, "failed to load segment") ||
		strings.Contains(errStr, "error opening bolt") ||
		err == bleve.ErrorIndexMetaCorrupt
}

// NewBleveCardIndex opens or creates the card index at path.
// An empty path keeps the index in memory. A damaged index is cleared and
// recreated empty; Verify then reports it stale until the next rebuild.
func NewBleveCardIndex(path string) (*BleveCardIndex, error) {
	if path == "" {
		idx, err := newBleveIndex("")
		if err != nil {
			return nil, err
		}
		return &BleveCardIndex{index: idx}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
	}
	// A staging directory left by an interrupted import is never valid.
	_ = os.RemoveAll(path + stagingSuffix)

	if validErr := validateBleveIntegrity(path); validErr != nil {
		slog.Warn("card_index_corrupted",
			slog.String("path", path),
			slog.String("error", validErr.Error()))
		if removeErr := os.RemoveAll(path); removeErr != nil {
			return nil, fmt.Errorf("card index corrupted at %s and cannot remove: %w (original error: %v)", path, removeErr, validErr)
		}
	}

	idx, err := openLiveIndex(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = createLiveIndex(path)
	} else if err != nil && isCorruptionError(err) {
		slog.Warn("card_index_open_failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
		if removeErr := os.RemoveAll(path); removeErr != nil {
			return nil, fmt.Errorf("card index corrupted, cannot clear: %w (original: %v)", removeErr, err)
		}
		idx, err = createLiveIndex(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create/open card index: %w", err)
	}

	return &BleveCardIndex{index: idx, path: path}, nil
}

// openLiveIndex opens a published index read-only. Builds are written to
// a staging directory, so the live index is never written in place and
// any number of processes can hold it open at once.
func openLiveIndex(path string) (bleve.Index, error) {
	return bleve.OpenUsing(path, map[string]interface{}{
		"read_only":    true,
		"bolt_timeout": liveOpenTimeout,
	})
}

// createLiveIndex writes an empty index at path and reopens it read-only.
func createLiveIndex(path string) (bleve.Index, error) {
	idx, err := newBleveIndex(path)
	if err != nil {
		return nil, err
	}
	if err := idx.Close(); err != nil {
		return nil, err
	}
	return openLiveIndex(path)
}

func newBleveIndex(path string) (bleve.Index, error) {
	m, err := createCardMapping()
	if err != nil {
		return nil, fmt.Errorf("failed to create index mapping: %w", err)
	}
	if path == "" {
		return bleve.NewMemOnly(m)
	}
	return bleve.New(path, m)
}

// createCardMapping maps the text fields through the card analyzer and
// stores book_id so hits can be collapsed without a SQL round trip.
func createCardMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()

	err := indexMapping.AddCustomAnalyzer(CardAnalyzerName, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     CardTokenizerName,
		"token_filters": []string{lowercase.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add custom analyzer: %w", err)
	}
	indexMapping.DefaultAnalyzer = CardAnalyzerName

	doc := bleve.NewDocumentMapping()
	for _, field := range cardTextFields {
		fm := bleve.NewTextFieldMapping()
		fm.Analyzer = CardAnalyzerName
		fm.Store = false
		doc.AddFieldMappingsAt(field, fm)
	}
	bookID := bleve.NewNumericFieldMapping()
	bookID.Store = true
	bookID.IncludeInAll = false
	doc.AddFieldMappingsAt("book_id", bookID)

	indexMapping.DefaultMapping = doc
	return indexMapping, nil
}

// BleveBuild is a card index under construction. It becomes visible only
// through Publish.
type BleveBuild struct {
	parent     *BleveCardIndex
	index      bleve.Index
	path       string
	generation string
	finished   bool
}

// BeginBuild starts an empty index tagged with generation.
func (b *BleveCardIndex) BeginBuild(generation string) (*BleveBuild, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrClosed
	}

	staging := ""
	if b.path != "" {
		staging = b.path + stagingSuffix
		if err := os.RemoveAll(staging); err != nil {
			return nil, fmt.Errorf("failed to clear staging index: %w", err)
		}
	}
	idx, err := newBleveIndex(staging)
	if err != nil {
		return nil, fmt.Errorf("failed to create staging index: %w", err)
	}
	return &BleveBuild{parent: b, index: idx, path: staging, generation: generation}, nil
}

// Add indexes one batch of entries.
func (bb *BleveBuild) Add(ctx context.Context, entries []IndexEntry) error {
	if bb.finished {
		return fmt.Errorf("card index build already finished")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	batch := bb.index.NewBatch()
	for _, e := range entries {
		if err := batch.Index(strconv.FormatInt(e.CardID, 10), newBleveCardDocument(e)); err != nil {
			return fmt.Errorf("failed to index card %d: %w", e.CardID, err)
		}
	}
	if err := bb.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}
	return nil
}

// Finish records the generation and flushes the staging index to disk.
func (bb *BleveBuild) Finish() error {
	if bb.finished {
		return nil
	}
	if err := bb.index.SetInternal([]byte(generationKey), []byte(bb.generation)); err != nil {
		return fmt.Errorf("failed to record index generation: %w", err)
	}
	if bb.path != "" {
		if err := bb.index.Close(); err != nil {
			return fmt.Errorf("failed to flush staging index: %w", err)
		}
		bb.index = nil
	}
	bb.finished = true
	return nil
}

// Publish replaces the live index with the finished build.
func (bb *BleveBuild) Publish() error {
	if !bb.finished {
		return fmt.Errorf("card index build not finished")
	}
	b := bb.parent
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	if b.path == "" {
		old := b.index
		b.index = bb.index
		bb.index = nil
		if old != nil {
			_ = old.Close()
		}
		return nil
	}

	if b.index != nil {
		_ = b.index.Close()
		b.index = nil
	}
	if err := os.RemoveAll(b.path); err != nil {
		return fmt.Errorf("failed to remove previous card index: %w", err)
	}
	if err := os.Rename(bb.path, b.path); err != nil {
		return fmt.Errorf("failed to publish card index: %w", err)
	}
	idx, err := openLiveIndex(b.path)
	if err != nil {
		return fmt.Errorf("failed to open published card index: %w", err)
	}
	b.index = idx
	return nil
}

// Reopen reloads the published index from disk unless the open one already
// carries generation want. It returns the generation served afterwards.
// Another process publishing a build replaces the directory, so an index
// opened earlier keeps answering from the files it had open.
func (b *BleveCardIndex) Reopen(want string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrClosed
	}
	current, err := b.generation()
	if err == nil && current == want {
		return current, nil
	}
	if b.path == "" {
		return current, err
	}

	idx, err := openLiveIndex(b.path)
	if err != nil {
		return current, fmt.Errorf("failed to reopen card index: %w", err)
	}
	if b.index != nil {
		_ = b.index.Close()
	}
	b.index = idx
	slog.Debug("card_index_reopened", slog.String("path", b.path))
	return b.generation()
}

// Discard drops an unpublished build.
func (bb *BleveBuild) Discard() error {
	if bb.index != nil {
		_ = bb.index.Close()
		bb.index = nil
	}
	if bb.path != "" {
		return os.RemoveAll(bb.path)
	}
	return nil
}

// Generation returns the generation tag of the live index, empty when the
// index was never built.
func (b *BleveCardIndex) Generation() (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return "", ErrClosed
	}
	return b.generation()
}

// generation reads the tag of the open index. Callers hold mu.
func (b *BleveCardIndex) generation() (string, error) {
	if b.index == nil {
		return "", nil
	}
	v, err := b.index.GetInternal([]byte(generationKey))
	if err != nil {
		return "", fmt.Errorf("failed to read index generation: %w", err)
	}
	return string(v), nil
}

// DocCount returns the number of indexed cards.
func (b *BleveCardIndex) DocCount() (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, ErrClosed
	}
	if b.index == nil {
		return 0, nil
	}
	n, err := b.index.DocCount()
	if err != nil {
		return 0, fmt.Errorf("failed to count index documents: %w", err)
	}
	return int(n), nil
}

// SearchBooks matches every term against the card fields and collapses card
// hits to one hit per book, keeping the book's best score. The first request
// fetches up to batch card hits; when more cards match, the full set is
// fetched again so no matching book is dropped. Hits are ordered best first,
// then by book id.
func (b *BleveCardIndex) SearchBooks(ctx context.Context, terms []string, batch int) ([]BookHit, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrClosed
	}
	if len(terms) == 0 || b.index == nil {
		return []BookHit{}, nil
	}
	if batch < 1 {
		batch = DefaultStoreConfig().MaxHits
	}

	mq := bleve.NewMatchQuery(strings.Join(terms, " "))
	mq.SetOperator(query.MatchQueryOperatorAnd)

	req := bleve.NewSearchRequest(mq)
	req.Size = batch
	req.Fields = []string{"book_id"}

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	if result.Total > uint64(len(result.Hits)) {
		slog.Debug("card_hits_refetched",
			slog.Int("batch", batch),
			slog.Uint64("total", result.Total))
		req.Size = int(result.Total)
		result, err = b.index.SearchInContext(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("search failed: %w", err)
		}
	}

	best := make(map[int64]float64)
	for _, hit := range result.Hits {
		raw, ok := hit.Fields["book_id"].(float64)
		if !ok {
			return nil, fmt.Errorf("card %s has no stored book_id", hit.ID)
		}
		id := int64(raw)
		// bleve scores grow with relevance; BookHit scores shrink with it.
		score := -hit.Score
		if cur, seen := best[id]; !seen || score < cur {
			best[id] = score
		}
	}

	hits := make([]BookHit, 0, len(best))
	for id, score := range best {
		hits = append(hits, BookHit{BookID: id, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score < hits[j].Score
		}
		return hits[i].BookID < hits[j].BookID
	})
	return hits, nil
}

// Close closes the index.
func (b *BleveCardIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if b.index != nil {
		return b.index.Close()
	}
	return nil
}

// cardTokenizerConstructor creates the card tokenizer for bleve.
func cardTokenizerConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.Tokenizer, error) {
	return &bleveCardTokenizer{}, nil
}

// bleveCardTokenizer splits text the same way Tokenize does so both
// backends see the same terms.
type bleveCardTokenizer struct{}

// Tokenize implements analysis.Tokenizer.
func (t *bleveCardTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := string(input)
	spans := tokenSpans(text)

	result := make(analysis.TokenStream, 0, len(spans))
	for i, span := range spans {
		result = append(result, &analysis.Token{
			Term:     []byte(text[span[0]:span[1]]),
			Start:    span[0],
			End:      span[1],
			Position: i + 1,
			Type:     analysis.AlphaNumeric,
		})
	}
	return result
}
