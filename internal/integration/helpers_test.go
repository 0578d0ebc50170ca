// Package integration exercises tamizdat end to end: catalog files on disk,
// the SQLite store with each card index backend, the search engine, query
// telemetry and the catalog watcher.
package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/tamizdat/internal/catalog"
	"github.com/Aman-CERP/tamizdat/internal/search"
	"github.com/Aman-CERP/tamizdat/internal/store"
)

const header = "Last Name;First Name;Middle Name;Title;Subtitle;Language;Year;Series;ID"

var library = []string{
	"Стругацкий;Аркадий;Натанович;Пикник на обочине;;ru;1972;;93857",
	"Стругацкий;Борис;Натанович;Пикник на обочине;;ru;1972;;93857",
	"Стругацкий;Аркадий;Натанович;Трудно быть богом;;ru;1964;Мир Полудня;10",
	"Стругацкий;Борис;Натанович;Трудно быть богом;;ru;1964;Мир Полудня;10",
	"Лем;Станислав;;Солярис;;ru;1961;;77",
	"Булгаков;Михаил;Афанасьевич;Мастер и Маргарита;Роман;ru;1967;;501",
	";;;Слово о полку Игореве;;ru;;;200",
}

var backends = []store.IndexBackend{store.IndexBackendFTS5, store.IndexBackendBleve}

func catalogText(rows ...string) string {
	return header + "\n" + strings.Join(rows, "\n") + "\n"
}

func writeCatalog(t *testing.T, path string, rows ...string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(catalogText(rows...)), 0644))
}

// openEngine opens the catalog under dataDir with backend and closes it at
// the end of the test.
func openEngine(t *testing.T, dataDir string, backend store.IndexBackend, opts ...search.EngineOption) *search.Engine {
	t.Helper()
	cfg := store.DefaultStoreConfig()
	cfg.Backend = backend
	st, err := store.OpenCatalog(dataDir, cfg)
	require.NoError(t, err)
	eng, err := search.NewEngine(st, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func importFile(t *testing.T, eng *search.Engine, path, encoding string) *catalog.ImportResult {
	t.Helper()
	res, err := reimport(context.Background(), eng, path, encoding)
	require.NoError(t, err)
	return res
}

// reimport is safe to call from watcher goroutines.
func reimport(ctx context.Context, eng *search.Engine, path, encoding string) (*catalog.ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	src, err := catalog.DecodeReader(f, encoding)
	if err != nil {
		return nil, err
	}
	return eng.Import(ctx, src, catalog.ImportOptions{Source: filepath.Base(path)})
}

func titles(p *search.Page) []string {
	out := make([]string, 0, len(p.Books))
	for _, b := range p.Books {
		out = append(out, b.Title)
	}
	return out
}
