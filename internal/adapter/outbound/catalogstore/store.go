// Package catalogstore persists the aggregated tool catalog to disk so
// tools/list can answer before every upstream has finished connecting and
// survive restarts.
package catalogstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/catalog"
)

// FileStore manages reading and writing the on-disk tool-catalog cache
// file (xiaozhi.cache.json by default). It provides atomic writes
// (write-tmp-then-rename), a backup of the previous file, and a
// cross-process flock so concurrent writers do not tear each other's
// output.
type FileStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileStore creates a FileStore for the given file path.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	return &FileStore{path: path, logger: logger}
}

// Load reads and parses the cache file. A missing or partial file is
// treated as an empty cache rather than an error, per the on-disk cache
// contract: readers tolerate a missing or partial file.
func (s *FileStore) Load() (catalog.CachedToolCatalog, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("tool cache not found, starting empty", "path", s.path)
			return emptyCatalog(), nil
		}
		return catalog.CachedToolCatalog{}, fmt.Errorf("read tool cache: %w", err)
	}

	if runtime.GOOS != "windows" {
		if info, statErr := os.Stat(s.path); statErr == nil {
			if mode := info.Mode().Perm(); mode&0077 != 0 {
				s.logger.Warn("tool cache has too-open permissions, should be 0600",
					"path", s.path, "current_mode", fmt.Sprintf("%04o", mode))
			}
		}
	}

	var snap catalog.CachedToolCatalog
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Warn("tool cache file is corrupt, starting empty", "path", s.path, "error", err)
		return emptyCatalog(), nil
	}
	return snap, nil
}

func emptyCatalog() catalog.CachedToolCatalog {
	now := time.Now().UTC()
	return catalog.CachedToolCatalog{
		Version:  catalog.CurrentCacheVersion,
		Services: map[string]catalog.CachedServiceEntry{},
		Metadata: catalog.CachedMetadata{CreatedAt: now, LastGlobalUpdate: now},
	}
}

// Save writes the catalog snapshot atomically: backup, temp-file write,
// fsync, rename, all under a cross-process flock.
func (s *FileStore) Save(snap catalog.CachedToolCatalog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockPath := s.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	if current, readErr := os.ReadFile(s.path); readErr == nil {
		if writeErr := os.WriteFile(s.path+".bak", current, 0600); writeErr != nil {
			s.logger.Warn("failed to write tool cache backup", "error", writeErr)
		}
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tool cache: %w", err)
	}
	data = append(data, '\n')

	if err := s.writeAtomic(data); err != nil {
		return err
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		s.logger.Warn("failed to set permissions on tool cache", "error", err)
	}

	s.logger.Debug("tool cache saved", "path", s.path)
	return nil
}

func (s *FileStore) writeAtomic(data []byte) error {
	tmpPath := s.path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to tool cache: %w", err)
	}
	return nil
}

// Path returns the configured file path.
func (s *FileStore) Path() string { return s.path }
