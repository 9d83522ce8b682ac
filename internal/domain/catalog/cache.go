// Package catalog holds the in-memory tool index and its on-disk
// persisted shape, grounded on the teacher's upstream tool cache.
package catalog

import (
	"sync"
	"time"

	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/tool"
)

const (
	// MaxToolsPerService is the maximum number of tools a single upstream
	// service may register. Prevents memory exhaustion from a malicious or
	// misbehaving upstream advertising an excessive tool count.
	MaxToolsPerService = 1000

	// MaxTotalTools is the maximum total tools across all services.
	MaxTotalTools = 10000
)

// Conflict records a namespaced tool name collision: two services produced
// the same wire name (should not happen in practice since names are
// namespaced by service, but two services can still share a name).
type Conflict struct {
	ToolName       string
	SkippedService string
	WinnerService  string
}

// Index provides thread-safe storage for the aggregated tool catalog. It
// maintains two views: by namespaced name (for routing) and by service
// name (for bulk replace/removal on re-handshake).
type Index struct {
	mu          sync.RWMutex
	byName      map[string]*tool.Tool
	byService   map[string][]*tool.Tool
	conflicts   []Conflict
	capturedAt  map[string]time.Time
}

// NewIndex creates an empty Index.
func NewIndex() *Index {
	return &Index{
		byName:     make(map[string]*tool.Tool),
		byService:  make(map[string][]*tool.Tool),
		capturedAt: make(map[string]time.Time),
	}
}

// SetToolsForService atomically replaces a service's contribution to the
// catalog, enforcing per-service and global caps and recording any name
// conflicts against tools from a different service.
func (idx *Index) SetToolsForService(serviceName string, tools []*tool.Tool) []Conflict {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if len(tools) > MaxToolsPerService {
		tools = tools[:MaxToolsPerService]
	}

	if old, ok := idx.byService[serviceName]; ok {
		for _, t := range old {
			delete(idx.byName, t.Name)
		}
	}

	var conflicts []Conflict
	kept := make([]*tool.Tool, 0, len(tools))
	for _, t := range tools {
		if existing, ok := idx.byName[t.Name]; ok && existing.ServiceName != serviceName {
			c := Conflict{ToolName: t.Name, SkippedService: serviceName, WinnerService: existing.ServiceName}
			conflicts = append(conflicts, c)
			idx.conflicts = append(idx.conflicts, c)
			continue
		}
		if len(idx.byName) >= MaxTotalTools {
			break
		}
		idx.byName[t.Name] = t
		kept = append(kept, t)
	}
	idx.byService[serviceName] = kept
	idx.capturedAt[serviceName] = time.Now()

	return conflicts
}

// RemoveService evicts every tool registered under serviceName.
func (idx *Index) RemoveService(serviceName string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, t := range idx.byService[serviceName] {
		delete(idx.byName, t.Name)
	}
	delete(idx.byService, serviceName)
	delete(idx.capturedAt, serviceName)
}

// Resolve looks up a tool by its namespaced name.
func (idx *Index) Resolve(namespacedName string) (*tool.Tool, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	t, ok := idx.byName[namespacedName]
	return t, ok
}

// ListFilter selects which tools List returns.
type ListFilter int

const (
	FilterEnabled ListFilter = iota
	FilterDisabled
	FilterAll
)

// SortBy selects the ordering List applies.
type SortBy int

const (
	SortByName SortBy = iota
	SortByEnabled
	SortByUsageCount
	SortByLastUsedTime
)

// List returns a filtered, sorted snapshot of the catalog. The default
// (name ascending) ordering is stable across calls for unchanged input.
func (idx *Index) List(filter ListFilter, sortBy SortBy) []tool.Tool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]tool.Tool, 0, len(idx.byName))
	for _, t := range idx.byName {
		switch filter {
		case FilterEnabled:
			if !t.Enabled {
				continue
			}
		case FilterDisabled:
			if t.Enabled {
				continue
			}
		}
		out = append(out, *t)
	}

	sortTools(out, sortBy)
	return out
}

// RecordCall increments usage accounting for a namespaced tool. It returns
// false if the tool is not present in the catalog.
func (idx *Index) RecordCall(namespacedName string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	t, ok := idx.byName[namespacedName]
	if !ok {
		return false
	}
	t.UsageCount++
	now := time.Now()
	t.LastUsedAt = &now
	return true
}

// SetEnabled flips the enabled flag for a namespaced tool, used by
// config-driven enable/disable and the CEL policy enrichment.
func (idx *Index) SetEnabled(namespacedName string, enabled bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if t, ok := idx.byName[namespacedName]; ok {
		t.Enabled = enabled
	}
}

// Conflicts returns all recorded namespaced-name conflicts.
func (idx *Index) Conflicts() []Conflict {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]Conflict, len(idx.conflicts))
	copy(out, idx.conflicts)
	return out
}

// Count returns the total number of catalog entries.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byName)
}
