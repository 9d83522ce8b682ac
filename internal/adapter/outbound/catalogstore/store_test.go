package catalogstore

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/catalog"
	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/tool"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFileStore_LoadMissingFileReturnsEmpty(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "xiaozhi.cache.json"), testLogger())
	snap, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Version != catalog.CurrentCacheVersion {
		t.Errorf("expected version %d, got %d", catalog.CurrentCacheVersion, snap.Version)
	}
	if len(snap.Services) != 0 {
		t.Errorf("expected empty services, got %d", len(snap.Services))
	}
}

func TestFileStore_SaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xiaozhi.cache.json")
	s := NewFileStore(path, testLogger())

	idx := catalog.NewIndex()
	idx.SetToolsForService("weather", []*tool.Tool{
		{Name: "weather__forecast", ServiceName: "weather", OriginalName: "forecast", Enabled: true},
	})
	snap := idx.Snapshot(catalog.CachedMetadata{})

	if err := s.Save(snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	entry, ok := loaded.Services["weather"]
	if !ok || len(entry.Tools) != 1 {
		t.Fatalf("expected one tool under service weather, got %+v", loaded.Services)
	}
	if entry.Tools[0].Name != "weather__forecast" {
		t.Errorf("unexpected tool name %q", entry.Tools[0].Name)
	}
}

func TestFileStore_SaveIsAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xiaozhi.cache.json")
	s := NewFileStore(path, testLogger())

	if err := s.Save(catalog.CachedToolCatalog{Version: 1, Services: map[string]catalog.CachedServiceEntry{}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("expected temp file to be removed after rename, stat err = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var snap catalog.CachedToolCatalog
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("saved file is not valid JSON: %v", err)
	}
}

func TestFileStore_LoadCorruptFileReturnsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xiaozhi.cache.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s := NewFileStore(path, testLogger())
	snap, err := s.Load()
	if err != nil {
		t.Fatalf("Load should tolerate corrupt file, got error: %v", err)
	}
	if len(snap.Services) != 0 {
		t.Errorf("expected empty services for corrupt file, got %d", len(snap.Services))
	}
}

func TestFileStore_SaveCreatesBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xiaozhi.cache.json")
	s := NewFileStore(path, testLogger())

	if err := s.Save(catalog.CachedToolCatalog{Version: 1, Services: map[string]catalog.CachedServiceEntry{}}); err != nil {
		t.Fatalf("Save #1: %v", err)
	}
	if err := s.Save(catalog.CachedToolCatalog{Version: 1, Services: map[string]catalog.CachedServiceEntry{"a": {}}}); err != nil {
		t.Fatalf("Save #2: %v", err)
	}

	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Errorf("expected backup file after second save: %v", err)
	}
}
