package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IndexBackend names the engine that holds card index entries.
type IndexBackend string

const (
	// IndexBackendFTS5 keeps entries in the card_index FTS5 table inside the
	// catalog database (default). Imports are atomic with the catalog.
	IndexBackendFTS5 IndexBackend = "fts5"

	// IndexBackendBleve keeps entries in a bleve index directory next to the
	// catalog database. The index is built in staging and published after the
	// catalog commit.
	IndexBackendBleve IndexBackend = "bleve"
)

// ParseIndexBackend validates a backend name. Empty means auto.
func ParseIndexBackend(s string) (IndexBackend, error) {
	switch IndexBackend(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return "", nil
	case IndexBackendFTS5, "sqlite":
		return IndexBackendFTS5, nil
	case IndexBackendBleve:
		return IndexBackendBleve, nil
	default:
		return "", fmt.Errorf("unknown index backend: %s (valid options: fts5, bleve)", s)
	}
}

// CatalogDBPath returns the catalog database path inside dataDir.
func CatalogDBPath(dataDir string) string {
	return filepath.Join(dataDir, "catalog.db")
}

// BleveIndexPath returns the bleve card index directory inside dataDir.
func BleveIndexPath(dataDir string) string {
	return filepath.Join(dataDir, "cards.bleve")
}

// OpenCatalog opens the catalog store under dataDir, creating the directory
// if needed. cfg.BlevePath defaults to BleveIndexPath(dataDir).
func OpenCatalog(dataDir string, cfg StoreConfig) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	if cfg.BlevePath == "" {
		cfg.BlevePath = BleveIndexPath(dataDir)
	}
	return NewSQLiteStore(CatalogDBPath(dataDir), cfg)
}

// CatalogExists reports whether dataDir holds a catalog database.
func CatalogExists(dataDir string) bool {
	return fileExists(CatalogDBPath(dataDir))
}

// fileExists checks if a file exists at the given path.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
