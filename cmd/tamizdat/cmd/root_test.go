package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tzerrors "github.com/Aman-CERP/tamizdat/internal/errors"
	"github.com/Aman-CERP/tamizdat/internal/search"
	"github.com/Aman-CERP/tamizdat/internal/store"
)

const sampleCatalog = `Last Name;First Name;Middle Name;Title;Subtitle;Language;Year;Series;ID
Стругацкий;Аркадий;Натанович;Пикник на обочине;;ru;1972;;93857
Стругацкий;Борис;Натанович;Пикник на обочине;;ru;1972;;93857
Стругацкий;Аркадий;Натанович;Трудно быть богом;;ru;1964;Мир Полудня;10
Лем;Станислав;;Солярис;;ru;1961;;77
`

// env isolates HOME, the user config and the data directory for one test.
type env struct {
	t       *testing.T
	dataDir string
	catalog string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("NO_COLOR", "1")
	for _, v := range []string{"TAMIZDAT_DATA_DIR", "TAMIZDAT_BACKEND", "TAMIZDAT_ENCODING", "TAMIZDAT_TELEMETRY"} {
		t.Setenv(v, "")
	}
	t.Chdir(t.TempDir())

	catalogPath := filepath.Join(t.TempDir(), "catalog.txt")
	require.NoError(t, os.WriteFile(catalogPath, []byte(sampleCatalog), 0644))
	return &env{t: t, dataDir: filepath.Join(home, "data"), catalog: catalogPath}
}

// run executes the CLI with the env's data dir and returns stdout.
func (e *env) run(args ...string) (string, error) {
	e.t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--data-dir", e.dataDir}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func (e *env) mustRun(args ...string) string {
	e.t.Helper()
	out, err := e.run(args...)
	require.NoError(e.t, err, "tamizdat %v", args)
	return out
}

func (e *env) imported() *env {
	e.t.Helper()
	e.mustRun("import", e.catalog, "--no-tui")
	return e
}

func (e *env) searchJSON(args ...string) search.Page {
	e.t.Helper()
	out := e.mustRun(append([]string{"search", "--format", "json"}, args...)...)
	var page search.Page
	require.NoError(e.t, json.Unmarshal([]byte(out), &page))
	return page
}

func TestImport_ThenSearch(t *testing.T) {
	// Given: an imported catalog
	e := newEnv(t).imported()

	// When: searching by author surname
	page := e.searchJSON("стругацкий")

	// Then: both Strugatsky books come back once each
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Books, 2)
	titles := []string{page.Books[0].Title, page.Books[1].Title}
	assert.ElementsMatch(t, []string{"Пикник на обочине", "Трудно быть богом"}, titles)
}

func TestImport_JSONSummary(t *testing.T) {
	e := newEnv(t)

	out := e.mustRun("import", e.catalog, "--no-tui", "--format", "json")

	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.EqualValues(t, 4, res["cards"])
	assert.EqualValues(t, 3, res["books"])
	assert.EqualValues(t, 3, res["authors"])
}

func TestImport_MissingFile(t *testing.T) {
	e := newEnv(t)

	_, err := e.run("import", filepath.Join(t.TempDir(), "absent.txt"), "--no-tui")

	require.Error(t, err)
	assert.True(t, tzerrors.HasCode(err, tzerrors.ErrCodeFileNotFound))
}

func TestImport_UnknownEncoding(t *testing.T) {
	e := newEnv(t)

	_, err := e.run("import", e.catalog, "--no-tui", "--encoding", "latin-9")

	require.Error(t, err)
	assert.True(t, tzerrors.HasCode(err, tzerrors.ErrCodeEncoding))
}

func TestImport_BleveBackend(t *testing.T) {
	e := newEnv(t)
	e.mustRun("import", e.catalog, "--no-tui", "--backend", "bleve")

	page := e.searchJSON("солярис")

	require.Len(t, page.Books, 1)
	assert.Equal(t, "Солярис", page.Books[0].Title)
}

func TestSearch_WithoutCatalog(t *testing.T) {
	// Given: nothing imported yet
	e := newEnv(t)

	// When: searching
	_, err := e.run("search", "пикник")

	// Then: the user is told to import first
	require.Error(t, err)
	assert.True(t, tzerrors.HasCode(err, tzerrors.ErrCodeFileNotFound))
	assert.Contains(t, tzerrors.FormatForCLI(err), "tamizdat import")
}

func TestSearch_Paging(t *testing.T) {
	e := newEnv(t).imported()

	first := e.searchJSON("стругацкий", "--per-page", "1")
	second := e.searchJSON("стругацкий", "--per-page", "1", "--page", "2")

	require.Len(t, first.Books, 1)
	require.Len(t, second.Books, 1)
	assert.Equal(t, 2, first.Total)
	assert.NotEqual(t, first.Books[0].BookID, second.Books[0].BookID)
}

func TestSearch_InvalidPage(t *testing.T) {
	e := newEnv(t).imported()

	_, err := e.run("search", "стругацкий", "--page", "0")

	require.Error(t, err)
	assert.True(t, tzerrors.HasCode(err, tzerrors.ErrCodeInvalidPage))
}

func TestSearch_TextOutput(t *testing.T) {
	e := newEnv(t).imported()

	out := e.mustRun("search", "пикник", "на", "обочине")

	assert.Contains(t, out, "Пикник на обочине")
	assert.NotContains(t, out, "Солярис")
}

func TestGet_And_Enrich(t *testing.T) {
	// Given: the id of an imported book
	e := newEnv(t).imported()
	page := e.searchJSON("солярис")
	require.Len(t, page.Books, 1)
	id := page.Books[0].BookID
	idArg := strconv.FormatInt(id, 10)

	// When: enriching it
	e.mustRun("enrich", idArg, "--annotation", "Океан думает", "--ebook", "https://example.org/solaris.epub")

	// Then: get returns the enrichment
	out := e.mustRun("get", idArg, "--format", "json")
	var book store.Book
	require.NoError(t, json.Unmarshal([]byte(out), &book))
	assert.Equal(t, "Солярис", book.Title)
	assert.True(t, book.Augmented)
	assert.Equal(t, "Океан думает", book.Annotation)
	assert.Equal(t, "https://example.org/solaris.epub", book.EbookURL)
}

func TestGet_Rejects(t *testing.T) {
	e := newEnv(t).imported()

	tests := []struct {
		name string
		arg  string
		code string
	}{
		{"zero id", "0", tzerrors.ErrCodeInvalidInput},
		{"not a number", "abc", tzerrors.ErrCodeInvalidInput},
		{"unknown id", "999999", tzerrors.ErrCodeBookNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.run("get", tt.arg)

			require.Error(t, err)
			assert.True(t, tzerrors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestEnrich_RequiresAField(t *testing.T) {
	e := newEnv(t).imported()

	_, err := e.run("enrich", "1")

	require.Error(t, err)
	assert.True(t, tzerrors.HasCode(err, tzerrors.ErrCodeInvalidInput))
}

func TestStats_AfterImport(t *testing.T) {
	e := newEnv(t).imported()
	e.mustRun("search", "пикник")

	out := e.mustRun("stats", "--format", "json")

	var stats search.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.NotNil(t, stats.Catalog)
	assert.Equal(t, 3, stats.Catalog.Books)
	assert.Equal(t, 3, stats.Catalog.Authors)
}

func TestVerify_CleanCatalog(t *testing.T) {
	e := newEnv(t).imported()

	_, err := e.run("verify")

	assert.NoError(t, err)
}

func TestReimport_ReplacesCatalog(t *testing.T) {
	// Given: a first import, then a catalog without Lem
	e := newEnv(t).imported()
	smaller := "Last Name;First Name;Middle Name;Title;Subtitle;Language;Year;Series;ID\n" +
		"Стругацкий;Аркадий;Натанович;Пикник на обочине;;ru;1972;;93857\n"
	require.NoError(t, os.WriteFile(e.catalog, []byte(smaller), 0644))

	// When: importing again
	e.mustRun("import", e.catalog, "--no-tui")

	// Then: the old books are gone
	assert.Empty(t, e.searchJSON("солярис").Books)
	assert.Len(t, e.searchJSON("пикник").Books, 1)
}

func TestConfig_InitShowPath(t *testing.T) {
	e := newEnv(t)
	path := filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "tamizdat", "config.yaml")

	assert.Equal(t, path+"\n", e.mustRun("config", "path"))

	out := e.mustRun("config", "init")
	assert.Contains(t, out, "Created user configuration")
	assert.FileExists(t, path)

	out = e.mustRun("config", "init")
	assert.Contains(t, out, "already exists")

	out = e.mustRun("config", "init", "--force")
	assert.Contains(t, out, "Configuration upgraded")

	out = e.mustRun("config", "show", "--json")
	var shown map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	paths := shown["paths"].(map[string]any)
	assert.Equal(t, e.dataDir, paths["data_dir"])
}

func TestConfig_ShowRejectsUnknownSource(t *testing.T) {
	e := newEnv(t)

	_, err := e.run("config", "show", "--source", "project")

	assert.Error(t, err)
}

func TestConfig_RestoreNewestBackup(t *testing.T) {
	// Given: a user config that was upgraded and then broken by hand
	e := newEnv(t)
	path := filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "tamizdat", "config.yaml")
	e.mustRun("config", "init")
	original, err := os.ReadFile(path)
	require.NoError(t, err)
	e.mustRun("config", "init", "--force")
	require.NoError(t, os.WriteFile(path, []byte("search: [broken\n"), 0644))

	// When: listing and restoring
	listed := e.mustRun("config", "restore", "--list")
	out := e.mustRun("config", "restore")

	// Then: the pre-upgrade file is back
	assert.Contains(t, listed, "config.yaml.bak.")
	assert.Contains(t, out, "Configuration restored")
	restored, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(original), string(restored))
}

func TestConfig_RestoreWithoutBackups(t *testing.T) {
	e := newEnv(t)

	_, err := e.run("config", "restore")

	require.Error(t, err)
	assert.True(t, tzerrors.HasCode(err, tzerrors.ErrCodeConfigNotFound))
}

func TestVersion(t *testing.T) {
	e := newEnv(t)

	assert.Contains(t, e.mustRun("version"), "tamizdat")

	var info map[string]any
	require.NoError(t, json.Unmarshal([]byte(e.mustRun("version", "--json")), &info))
	assert.Contains(t, info, "go_version")
}

func TestLogs_PrintsEntries(t *testing.T) {
	// Given: a command that wrote to the log
	e := newEnv(t).imported()

	// When: viewing logs filtered to the import
	out := e.mustRun("logs", "--grep", "import", "--no-color", "-n", "500")

	// Then: the import is there
	assert.Contains(t, out, "import")
}

func TestServe_RejectsUnknownTransport(t *testing.T) {
	e := newEnv(t).imported()

	_, err := e.run("serve", "--transport", "sse")

	assert.Error(t, err)
}

func TestDoctor_WithCatalog(t *testing.T) {
	e := newEnv(t)

	out := e.mustRun("doctor", e.catalog, "--json")

	var report struct {
		Status string `json:"status"`
		Checks []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.NotEqual(t, "failed", report.Status)
	require.NotEmpty(t, report.Checks)
	assert.Equal(t, "catalog_file", report.Checks[len(report.Checks)-1].Name)
	assert.Equal(t, "pass", report.Checks[len(report.Checks)-1].Status)
}

func TestDoctor_BadHeaderFails(t *testing.T) {
	e := newEnv(t)
	bad := filepath.Join(t.TempDir(), "bad.txt")
	require.NoError(t, os.WriteFile(bad, []byte("Author;Title\n"), 0644))

	out, err := e.run("doctor", bad)

	require.Error(t, err)
	assert.Contains(t, out, "[FAIL] catalog_file")
}
