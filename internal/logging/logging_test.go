package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestDefaultLogPath(t *testing.T) {
	path := DefaultLogPath()
	if filepath.Base(path) != LogFileName {
		t.Errorf("DefaultLogPath should end with %s, got: %s", LogFileName, path)
	}
	if !strings.Contains(path, ".tamizdat") {
		t.Errorf("DefaultLogPath should live under .tamizdat, got: %s", path)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != "info" {
		t.Errorf("expected level 'info', got: %s", cfg.Level)
	}
	if cfg.MaxSizeMB != 10 || cfg.MaxFiles != 5 {
		t.Errorf("unexpected rotation limits: %d MB, %d files", cfg.MaxSizeMB, cfg.MaxFiles)
	}
	if !cfg.WriteToStderr {
		t.Error("expected WriteToStderr to be true")
	}
	if DebugConfig().Level != "debug" {
		t.Error("DebugConfig should use debug level")
	}
}

func TestSetup_WritesJSONToFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "nested", "test.log")

	logger, cleanup, err := Setup(Config{Level: "info", FilePath: logPath, MaxSizeMB: 1, MaxFiles: 3})
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	logger.Debug("hidden_event")
	logger.Info("import_started", slog.String("run_id", "r1"))
	cleanup()

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	text := string(content)
	if !strings.Contains(text, `"msg":"import_started"`) || !strings.Contains(text, `"run_id":"r1"`) {
		t.Errorf("expected JSON record, got: %s", text)
	}
	if strings.Contains(text, "hidden_event") {
		t.Error("debug record should be filtered at info level")
	}
}

func TestSetup_NoOutputs(t *testing.T) {
	logger, cleanup, err := Setup(Config{Level: "debug"})
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	defer cleanup()

	// Discarded, must not panic.
	logger.Info("nothing")
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tc := range tests {
		if got := LevelFromString(tc.input); got != tc.expected {
			t.Errorf("LevelFromString(%q) = %s, want %s", tc.input, got, tc.expected)
		}
	}
}

func TestFindLogFile(t *testing.T) {
	if _, err := FindLogFile("/nonexistent/path/to/log.log"); err == nil {
		t.Error("expected error for nonexistent file")
	}

	logPath := filepath.Join(t.TempDir(), "test.log")
	if err := os.WriteFile(logPath, []byte("test"), 0o644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}
	found, err := FindLogFile(logPath)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if found != logPath {
		t.Errorf("expected %s, got %s", logPath, found)
	}
}

// ============================================================================
// RotatingWriter
// ============================================================================

func newSmallWriter(t *testing.T, maxFiles int) (*RotatingWriter, string) {
	t.Helper()
	logPath := filepath.Join(t.TempDir(), "rotate.log")
	w, err := NewRotatingWriter(logPath, 1, maxFiles)
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}
	w.maxSize = 1024
	t.Cleanup(func() { _ = w.Close() })
	return w, logPath
}

func TestRotatingWriter_VisibleImmediately(t *testing.T) {
	w, logPath := newSmallWriter(t, 3)

	data := []byte(`{"level":"INFO","msg":"test"}` + "\n")
	n, err := w.Write(data)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if n != len(data) {
		t.Errorf("expected %d bytes written, got %d", len(data), n)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if string(content) != string(data) {
		t.Errorf("expected %q, got %q", data, content)
	}
}

func TestRotatingWriter_Rotation(t *testing.T) {
	w, logPath := newSmallWriter(t, 3)
	chunk := []byte(strings.Repeat("x", 800) + "\n")

	for i := 0; i < 2; i++ {
		if _, err := w.Write(chunk); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	if _, err := os.Stat(logPath + ".1"); err != nil {
		t.Errorf("rotated file .1 should exist: %v", err)
	}
	content, _ := os.ReadFile(logPath)
	if len(content) != len(chunk) {
		t.Errorf("current file should hold only the last write, got %d bytes", len(content))
	}
}

func TestRotatingWriter_MaxFilesLimit(t *testing.T) {
	w, logPath := newSmallWriter(t, 2)
	chunk := []byte(strings.Repeat("y", 1000) + "\n")

	for i := 0; i < 6; i++ {
		_, _ = w.Write(chunk)
	}

	if _, err := os.Stat(logPath + ".2"); err != nil {
		t.Errorf("rotated file .2 should exist: %v", err)
	}
	if _, err := os.Stat(logPath + ".3"); !os.IsNotExist(err) {
		t.Error("rotated file .3 should not exist beyond maxFiles")
	}
}

func TestRotatingWriter_WriteAfterClose(t *testing.T) {
	w, _ := newSmallWriter(t, 3)
	if err := w.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second close should be a no-op, got: %v", err)
	}
	if _, err := w.Write([]byte("late\n")); err == nil {
		t.Error("write after close should fail")
	}
}

func TestRotatingWriter_ConcurrentWrites(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "concurrent.log")
	w, err := NewRotatingWriter(logPath, 10, 3)
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}
	defer w.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = fmt.Fprintf(w, `{"id":%d,"iter":%d}`+"\n", id, j)
			}
		}(i)
	}
	wg.Wait()
	if err := w.Sync(); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	if lines := strings.Count(string(content), "\n"); lines != 1000 {
		t.Errorf("expected 1000 lines, got %d", lines)
	}
}

// ============================================================================
// Viewer
// ============================================================================

const sampleLog = `{"time":"2026-03-01T10:00:00.000Z","level":"DEBUG","msg":"cache_miss","term":"пикник"}
{"time":"2026-03-01T10:00:01.000Z","level":"INFO","msg":"search_completed","total":2,"term":"пикник"}
not json at all
{"time":"2026-03-01T10:00:02.000Z","level":"ERROR","msg":"import_failed","error":"disk full"}
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), LogFileName)
	if err := os.WriteFile(path, []byte(sampleLog), 0o644); err != nil {
		t.Fatalf("failed to write sample: %v", err)
	}
	return path
}

func TestParseLine(t *testing.T) {
	entry := ParseLine(`{"time":"2026-03-01T10:00:01.5Z","level":"INFO","msg":"search_completed","total":2}`)

	if !entry.IsValid {
		t.Fatal("expected valid entry")
	}
	if entry.Msg != "search_completed" || entry.Level != "INFO" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.Time.Nanosecond() != 500_000_000 {
		t.Errorf("fractional time lost: %v", entry.Time)
	}
	if _, ok := entry.Attrs["msg"]; ok {
		t.Error("standard fields should not be repeated in Attrs")
	}
	if entry.Attrs["total"] != float64(2) {
		t.Errorf("expected total attr, got %v", entry.Attrs)
	}

	if ParseLine("plain text").IsValid {
		t.Error("plain text should not parse")
	}
}

func TestViewer_Tail(t *testing.T) {
	path := writeSample(t)
	v := NewViewer(ViewerConfig{NoColor: true}, nil)

	entries, err := v.Tail(path, 2)
	if err != nil {
		t.Fatalf("tail failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].IsValid || entries[1].Msg != "import_failed" {
		t.Errorf("unexpected tail: %+v", entries)
	}
}

func TestViewer_Filters(t *testing.T) {
	path := writeSample(t)

	tests := []struct {
		name string
		cfg  ViewerConfig
		want []string
	}{
		{"level", ViewerConfig{Level: "info"}, []string{"search_completed", "", "import_failed"}},
		{"pattern", ViewerConfig{Pattern: regexp.MustCompile(`пикник`)}, []string{"cache_miss", "search_completed"}},
		{"both", ViewerConfig{Level: "warn", Pattern: regexp.MustCompile(`disk`)}, []string{"import_failed"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := NewViewer(tt.cfg, nil).Tail(path, 100)
			if err != nil {
				t.Fatalf("tail failed: %v", err)
			}
			var got []string
			for _, e := range entries {
				got = append(got, e.Msg)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestViewer_FormatEntry(t *testing.T) {
	v := NewViewer(ViewerConfig{NoColor: true}, nil)
	entry := ParseLine(`{"time":"2026-03-01T10:00:01.000Z","level":"INFO","msg":"search_completed","total":2,"page":1}`)

	got := v.FormatEntry(entry)

	want := entry.Time.Format("15:04:05.000") + " INFO  search_completed page=1 total=2"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if v.FormatEntry(ParseLine("raw line")) != "raw line" {
		t.Error("invalid entries should print raw")
	}
}

func TestViewer_Print(t *testing.T) {
	var buf strings.Builder
	v := NewViewer(ViewerConfig{NoColor: true}, &buf)

	v.Print([]LogEntry{ParseLine("one"), ParseLine("two")})

	if buf.String() != "one\ntwo\n" {
		t.Errorf("unexpected output: %q", buf.String())
	}
}

func TestViewer_Follow(t *testing.T) {
	path := writeSample(t)
	v := NewViewer(ViewerConfig{Level: "info"}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entries := make(chan LogEntry, 4)
	done := make(chan error, 1)
	go func() { done <- v.Follow(ctx, path, entries) }()

	// Let Follow seek to the end before appending.
	time.Sleep(3 * followInterval)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	_, _ = f.WriteString(`{"level":"DEBUG","msg":"skipped"}` + "\n")
	_, _ = f.WriteString(`{"level":"INFO","msg":"book_enriched"}` + "\n")
	_ = f.Close()

	select {
	case e := <-entries:
		if e.Msg != "book_enriched" {
			t.Errorf("expected book_enriched, got %q", e.Msg)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for followed entry")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("follow returned error: %v", err)
	}
}
