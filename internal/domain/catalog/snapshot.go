package catalog

import (
	"sort"
	"time"

	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/tool"
)

func sortTools(tools []tool.Tool, by SortBy) {
	switch by {
	case SortByEnabled:
		sort.SliceStable(tools, func(i, j int) bool {
			if tools[i].Enabled != tools[j].Enabled {
				return tools[i].Enabled && !tools[j].Enabled
			}
			return tools[i].Name < tools[j].Name
		})
	case SortByUsageCount:
		sort.SliceStable(tools, func(i, j int) bool {
			if tools[i].UsageCount != tools[j].UsageCount {
				return tools[i].UsageCount > tools[j].UsageCount
			}
			return tools[i].Name < tools[j].Name
		})
	case SortByLastUsedTime:
		sort.SliceStable(tools, func(i, j int) bool {
			li, lj := tools[i].LastUsedAt, tools[j].LastUsedAt
			switch {
			case li == nil && lj == nil:
				return tools[i].Name < tools[j].Name
			case li == nil:
				return false
			case lj == nil:
				return true
			case !li.Equal(*lj):
				return li.After(*lj)
			default:
				return tools[i].Name < tools[j].Name
			}
		})
	default: // SortByName
		sort.SliceStable(tools, func(i, j int) bool {
			return tools[i].Name < tools[j].Name
		})
	}
}

// CachedServiceEntry is one service's contribution inside an on-disk
// CachedToolCatalog.
type CachedServiceEntry struct {
	Tools      []tool.Tool `json:"tools"`
	CapturedAt time.Time   `json:"capturedAt"`
}

// CachedMetadata tracks bookkeeping for the on-disk catalog file.
type CachedMetadata struct {
	LastGlobalUpdate time.Time `json:"lastGlobalUpdate"`
	TotalWrites      uint64    `json:"totalWrites"`
	CreatedAt        time.Time `json:"createdAt"`
}

// CachedToolCatalog is the on-disk shape written to xiaozhi.cache.json.
// It allows a fast tools/list reply before every upstream has finished
// connecting, and lets the catalog survive restarts.
type CachedToolCatalog struct {
	Version  int                            `json:"version"`
	Services map[string]CachedServiceEntry  `json:"services"`
	Metadata CachedMetadata                 `json:"metadata"`
}

// CurrentCacheVersion is the version written by this build. Readers
// tolerate a missing file (treat as empty cache) but not a version
// mismatch beyond best-effort field compatibility.
const CurrentCacheVersion = 1

// Snapshot renders the current index state as a CachedToolCatalog, ready
// to be serialized by the catalog store adapter.
func (idx *Index) Snapshot(prev CachedMetadata) CachedToolCatalog {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	services := make(map[string]CachedServiceEntry, len(idx.byService))
	for name, tools := range idx.byService {
		flat := make([]tool.Tool, len(tools))
		for i, t := range tools {
			flat[i] = *t
		}
		services[name] = CachedServiceEntry{
			Tools:      flat,
			CapturedAt: idx.capturedAt[name],
		}
	}

	meta := prev
	meta.LastGlobalUpdate = time.Now()
	meta.TotalWrites++
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = meta.LastGlobalUpdate
	}

	return CachedToolCatalog{
		Version:  CurrentCacheVersion,
		Services: services,
		Metadata: meta,
	}
}

// LoadSnapshot seeds the index from a previously persisted catalog. Tools
// loaded this way are marked disabled for routing purposes by the caller
// until their owning service actually connects; LoadSnapshot itself just
// repopulates the indices verbatim.
func (idx *Index) LoadSnapshot(snap CachedToolCatalog) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for name, entry := range snap.Services {
		tools := make([]*tool.Tool, len(entry.Tools))
		for i := range entry.Tools {
			t := entry.Tools[i]
			tools[i] = &t
			idx.byName[t.Name] = &t
		}
		idx.byService[name] = tools
		idx.capturedAt[name] = entry.CapturedAt
	}
}
