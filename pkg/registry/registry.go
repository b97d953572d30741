// Package registry implements the multi-graph registry: graph identity,
// metadata, the active-graph pointer, on-disk directory allocation, and
// archival on delete, per spec.md §4.5.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrValidation covers both "unknown graph id" and "attempted removal
	// of the active graph", matching spec.md §7's Validation kind.
	ErrValidation = errors.New("registry: validation error")
	ErrIO         = errors.New("registry: io error")
)

// Info is a registered graph's metadata.
type Info struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	KgPath       string    `json:"kg_path"`
	Created      time.Time `json:"created"`
	LastAccessed time.Time `json:"last_accessed"`
	Description  *string   `json:"description,omitempty"`
}

// RegisterRequest is the caller-supplied half of register(); any field left
// unset is defaulted or, for an existing id, left unchanged.
type RegisterRequest struct {
	ID          *string
	Name        *string
	Description *string
}

type onDiskRegistry struct {
	Graphs        map[string]Info `json:"graphs"`
	ActiveGraphID *string         `json:"active_graph_id,omitempty"`
}

// Registry is the authoritative map graph_id -> Info plus the active
// pointer, persisted to {data_dir}/graph_registry.json.
type Registry struct {
	mu            sync.RWMutex
	path          string
	dataDir       string
	graphs        map[string]Info
	activeGraphID *string
}

// LoadOrCreate reads registryPath if it exists, or starts an empty
// registry otherwise. dataDir is used to compute new graphs' kg_path.
func LoadOrCreate(registryPath, dataDir string) (*Registry, error) {
	r := &Registry{path: registryPath, dataDir: dataDir, graphs: make(map[string]Info)}

	data, err := os.ReadFile(registryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	var disk onDiskRegistry
	if err := json.Unmarshal(data, &disk); err != nil {
		return nil, fmt.Errorf("registry: serialization error: %v", err)
	}
	if disk.Graphs != nil {
		r.graphs = disk.Graphs
	}
	r.activeGraphID = disk.ActiveGraphID
	return r, nil
}

// Register implements spec.md §4.5's register: if req.ID names a known
// graph, mutable fields are updated and the existing entry returned; else a
// fresh graph is minted (a new UUID if req.ID is empty), defaulted, and
// made active if no graph currently is.
func (r *Registry) Register(req RegisterRequest) Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if req.ID != nil {
		if existing, ok := r.graphs[*req.ID]; ok {
			if req.Name != nil {
				existing.Name = *req.Name
			}
			if req.Description != nil {
				existing.Description = req.Description
			}
			existing.LastAccessed = now
			r.graphs[*req.ID] = existing
			return existing
		}
	}

	id := ""
	if req.ID != nil {
		id = *req.ID
	}
	if id == "" {
		id = uuid.NewString()
	}

	name := fmt.Sprintf("Graph %s", id[:min(8, len(id))])
	if req.Name != nil {
		name = *req.Name
	}

	info := Info{
		ID:           id,
		Name:         name,
		KgPath:       filepath.Join(r.dataDir, "graphs", id),
		Created:      now,
		LastAccessed: now,
		Description:  req.Description,
	}
	r.graphs[id] = info

	if r.activeGraphID == nil {
		active := id
		r.activeGraphID = &active
	}
	return info
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Get returns a graph's info, if registered.
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.graphs[id]
	return info, ok
}

// GetAll returns every registered graph's info.
func (r *Registry) GetAll() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.graphs))
	for _, info := range r.graphs {
		out = append(out, info)
	}
	return out
}

// Active returns the active graph id, if any.
func (r *Registry) Active() *string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeGraphID
}

// Switch changes the active pointer to id, failing with ErrValidation if id
// is unregistered.
func (r *Registry) Switch(id string) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.graphs[id]
	if !ok {
		return Info{}, fmt.Errorf("%w: unknown graph %q", ErrValidation, id)
	}
	active := id
	r.activeGraphID = &active
	return info, nil
}

// Remove archives id's directory under {data_dir}/archived_graphs/ and
// drops it from the registry. Fails with ErrValidation if id is active or
// unknown.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.graphs[id]
	if !ok {
		return fmt.Errorf("%w: unknown graph %q", ErrValidation, id)
	}
	if r.activeGraphID != nil && *r.activeGraphID == id {
		return fmt.Errorf("%w: cannot remove the active graph", ErrValidation)
	}

	archiveDir := filepath.Join(r.dataDir, "archived_graphs")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	timestamp := time.Now().UTC().Format("20060102_150405")
	dest := filepath.Join(archiveDir, fmt.Sprintf("%s_%s", id, timestamp))
	if _, err := os.Stat(info.KgPath); err == nil {
		if err := os.Rename(info.KgPath, dest); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}

	delete(r.graphs, id)
	if r.activeGraphID != nil && *r.activeGraphID == id {
		r.activeGraphID = nil
	}
	return nil
}

// Save writes the registry atomically to its configured path.
func (r *Registry) Save() error {
	r.mu.RLock()
	disk := onDiskRegistry{Graphs: r.graphs, ActiveGraphID: r.activeGraphID}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(disk, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: serialization error: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}
