package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SaveIntervalMinutes and SaveOperationThreshold are the two autosave
// triggers from graph_manager.rs: either is sufficient to fire a save.
const (
	SaveIntervalMinutes    = 5
	SaveOperationThreshold = 10
)

const snapshotVersion = 1

// Store is the in-memory typed multigraph for a single knowledge graph, plus
// its disk image under dataDir/knowledge_graph.json.
type Store struct {
	mu sync.RWMutex

	dataDir string

	arena       *arena
	edges       []Edge
	outAdj      map[Handle][]int
	inAdj       map[Handle][]int
	pkmToHandle map[string]Handle

	lastIncrementalSync *time.Time
	lastFullSync        *time.Time

	lastSaveTime        time.Time
	operationsSinceSave int
	autoSaveEnabled     bool

	contentCache      map[string]string
	contentCacheValid bool
}

// Open creates dataDir and dataDir/archived_nodes if absent, then attempts
// to load dataDir/knowledge_graph.json. A failed or missing load starts an
// empty store; a brand-new store is saved immediately.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "archived_nodes"), 0o755); err != nil {
		return nil, fmt.Errorf("graph: create data dir: %w", err)
	}
	s := &Store{
		dataDir:         dataDir,
		arena:           newArena(),
		outAdj:          make(map[Handle][]int),
		inAdj:           make(map[Handle][]int),
		pkmToHandle:     make(map[string]Handle),
		autoSaveEnabled: true,
		lastSaveTime:    time.Now(),
	}

	loaded, err := s.load()
	if err != nil {
		// Non-fatal per spec: warn and start empty.
		fmt.Fprintf(os.Stderr, "graph: warning: failed to load %s: %v\n", s.snapshotPath(), err)
	}
	if !loaded {
		if err := s.save(); err != nil {
			return nil, fmt.Errorf("graph: initial save: %w", err)
		}
	}
	return s, nil
}

func (s *Store) snapshotPath() string {
	return filepath.Join(s.dataDir, "knowledge_graph.json")
}

func normalizePageName(name string) string { return strings.ToLower(name) }

// ---- mutations ----

// UpsertBlock implements spec.md §4.3's upsert_block.
func (s *Store) UpsertBlock(in BlockInput) (Handle, error) {
	if err := in.Validate(); err != nil {
		return Handle{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := in.ID
	var h Handle
	if existing, ok := s.pkmToHandle[id]; ok {
		h = existing
		node, _ := s.arena.get(h)
		node.Content = in.Content
		node.ReferenceContent = in.ReferenceContent
		node.Properties = mergeProperties(node.Properties, in.Properties)
		node.UpdatedAt = in.Updated
	} else {
		internalID := uuid.NewString()
		node := Node{
			ID:               internalID,
			PkmID:            id,
			NodeType:         NodeTypeBlock,
			Content:          in.Content,
			ReferenceContent: in.ReferenceContent,
			Properties:       cloneProperties(in.Properties),
			CreatedAt:        in.Created,
			UpdatedAt:        in.Updated,
		}
		h = s.arena.alloc(node)
		s.pkmToHandle[id] = h
	}

	if in.Parent != nil {
		if parentHandle, ok := s.pkmToHandle[*in.Parent]; ok {
			s.addEdgeIfAbsent(parentHandle, h, EdgeTypeParentChild)
		}
	}

	if in.Page != nil {
		pageHandle, err := s.ensurePageLocked(*in.Page)
		if err != nil {
			s.markDirtyLocked()
			return h, err
		}
		if in.Parent == nil {
			s.addEdgeIfAbsent(pageHandle, h, EdgeTypePageToBlock)
		}
	}

	for _, ref := range in.References {
		if err := s.resolveReferenceLocked(h, ref); err != nil {
			s.markDirtyLocked()
			return h, err
		}
	}

	s.markDirtyLocked()
	return h, nil
}

// UpsertPage implements spec.md §4.3's upsert_page.
func (s *Store) UpsertPage(in PageInput) (Handle, error) {
	if err := in.Validate(); err != nil {
		return Handle{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	normalized := normalizePageName(in.Name)
	var h Handle
	if existing, ok := s.pkmToHandle[in.Name]; ok {
		h = existing
	} else if existing, ok := s.pkmToHandle[normalized]; ok {
		h = existing
	}

	if !h.Zero() {
		node, _ := s.arena.get(h)
		node.Content = in.Name
		node.Properties = mergeProperties(node.Properties, in.Properties)
		node.UpdatedAt = in.Updated
	} else {
		internalID := uuid.NewString()
		node := Node{
			ID:         internalID,
			PkmID:      normalized,
			NodeType:   NodeTypePage,
			Content:    in.Name,
			Properties: cloneProperties(in.Properties),
			CreatedAt:  in.Created,
			UpdatedAt:  in.Updated,
		}
		h = s.arena.alloc(node)
	}
	s.pkmToHandle[normalized] = h

	for _, blockID := range in.Blocks {
		if blockHandle, ok := s.pkmToHandle[blockID]; ok {
			s.addEdgeIfAbsent(h, blockHandle, EdgeTypePageToBlock)
		}
	}

	s.markDirtyLocked()
	return h, nil
}

// EnsurePage implements spec.md §4.3's ensure_page.
func (s *Store) EnsurePage(name string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := s.ensurePageLocked(name)
	if err != nil {
		return Handle{}, err
	}
	s.markDirtyLocked()
	return h, nil
}

func (s *Store) ensurePageLocked(name string) (Handle, error) {
	normalized := normalizePageName(name)
	if h, ok := s.pkmToHandle[name]; ok {
		return h, nil
	}
	if h, ok := s.pkmToHandle[normalized]; ok {
		return h, nil
	}
	now := time.Now()
	node := Node{
		ID:        uuid.NewString(),
		PkmID:     normalized,
		NodeType:  NodeTypePage,
		Content:   name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	h := s.arena.alloc(node)
	s.pkmToHandle[normalized] = h
	return h, nil
}

// ResolveReference implements spec.md §4.3's resolve_reference dispatch.
func (s *Store) ResolveReference(source Handle, ref Reference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.resolveReferenceLocked(source, ref)
	s.markDirtyLocked()
	return err
}

func (s *Store) resolveReferenceLocked(source Handle, ref Reference) error {
	switch ref.Kind {
	case ReferenceKindPage:
		target, err := s.ensurePageLocked(ref.Name)
		if err != nil {
			return err
		}
		s.addEdgeIfAbsent(source, target, EdgeTypePageRef)
		return nil
	case ReferenceKindBlock:
		target, ok := s.pkmToHandle[ref.ID]
		if !ok {
			now := time.Now()
			node := Node{
				ID:        uuid.NewString(),
				PkmID:     ref.ID,
				NodeType:  NodeTypeBlock,
				CreatedAt: now,
				UpdatedAt: now,
			}
			target = s.arena.alloc(node)
			s.pkmToHandle[ref.ID] = target
		}
		s.addEdgeIfAbsent(source, target, EdgeTypeBlockRef)
		return nil
	case ReferenceKindTag:
		target, err := s.ensurePageLocked(ref.Name)
		if err != nil {
			return err
		}
		s.addEdgeIfAbsent(source, target, EdgeTypeTag)
		return nil
	case ReferenceKindProperty:
		// No edge: the value already lives in the node's Properties map.
		return nil
	default:
		return &UnknownReferenceKindError{Kind: ref.Kind}
	}
}

// HasEdge reports whether a (source, target, edgeType) triple already
// exists; every edge insertion must consult this first.
func (s *Store) HasEdge(source, target Handle, edgeType EdgeType) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasEdgeLocked(source, target, edgeType)
}

func (s *Store) hasEdgeLocked(source, target Handle, edgeType EdgeType) bool {
	for _, idx := range s.outAdj[source] {
		e := s.edges[idx]
		if e.Target == target && e.EdgeType == edgeType {
			return true
		}
	}
	return false
}

func (s *Store) addEdgeIfAbsent(source, target Handle, edgeType EdgeType) bool {
	if s.hasEdgeLocked(source, target, edgeType) {
		return false
	}
	idx := len(s.edges)
	s.edges = append(s.edges, Edge{Source: source, Target: target, EdgeType: edgeType, Weight: DefaultEdgeWeight})
	s.outAdj[source] = append(s.outAdj[source], idx)
	s.inAdj[target] = append(s.inAdj[target], idx)
	return true
}

// ---- reads ----

func (s *Store) GetByPkmID(pkmID string) (Node, Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.pkmToHandle[pkmID]
	if !ok {
		h, ok = s.pkmToHandle[normalizePageName(pkmID)]
	}
	if !ok {
		return Node{}, Handle{}, false
	}
	node, ok := s.arena.get(h)
	if !ok {
		return Node{}, Handle{}, false
	}
	return *node, h, true
}

func (s *Store) GetByHandle(h Handle) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.arena.get(h)
	if !ok {
		return Node{}, false
	}
	return *node, true
}

// BuildBlockContentMap returns pkm_id -> content for every block, caching
// the result until the next mutation invalidates it.
func (s *Store) BuildBlockContentMap() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contentCacheValid {
		return s.contentCache
	}
	m := make(map[string]string)
	s.arena.all(func(_ Handle, n *Node) {
		if n.NodeType == NodeTypeBlock {
			m[n.PkmID] = n.Content
		}
	})
	s.contentCache = m
	s.contentCacheValid = true
	return m
}

// ResolveReferences expands ((block-id)) tokens in content using the
// store's current block-content map. See resolver.go for the algorithm.
func (s *Store) ResolveReferences(content string, currentBlockID *string) string {
	blockMap := s.BuildBlockContentMap()
	visited := make(map[string]struct{})
	return ResolveReferences(content, blockMap, visited, currentBlockID)
}

// ---- archival ----

type archivedNode struct {
	PkmID     string `json:"pkm_id"`
	NodeIndex uint32 `json:"node_index"`
	NodeData  Node   `json:"node_data"`
	EdgesOut  []archivedEdgeRef `json:"edges_out"`
	EdgesIn   []archivedEdgeRef `json:"edges_in"`
}

type archivedEdgeRef struct {
	Other    string   `json:"other"`
	EdgeType EdgeType `json:"edge_type"`
}

type archiveFile struct {
	Timestamp      string         `json:"timestamp"`
	ArchivedPages  int            `json:"archived_pages"`
	ArchivedBlocks int            `json:"archived_blocks"`
	Nodes          []archivedNode `json:"nodes"`
}

// ArchiveTarget pairs an external id with its resolved handle, the unit
// Archive operates on.
type ArchiveTarget struct {
	PkmID  string
	Handle Handle
}

// Archive implements spec.md §4.3's archive: serialize each target node with
// its incident edges to a single timestamped file, then remove the nodes
// from the live graph and force a save.
func (s *Store) Archive(targets []ArchiveTarget) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var file archiveFile
	file.Timestamp = time.Now().UTC().Format("20060102_150405")

	for _, t := range targets {
		node, ok := s.arena.get(t.Handle)
		if !ok {
			continue
		}
		an := archivedNode{PkmID: t.PkmID, NodeIndex: t.Handle.slot, NodeData: *node}
		for _, idx := range s.outAdj[t.Handle] {
			e := s.edges[idx]
			if other, ok := s.arena.get(e.Target); ok {
				an.EdgesOut = append(an.EdgesOut, archivedEdgeRef{Other: other.PkmID, EdgeType: e.EdgeType})
			}
		}
		for _, idx := range s.inAdj[t.Handle] {
			e := s.edges[idx]
			if other, ok := s.arena.get(e.Source); ok {
				an.EdgesIn = append(an.EdgesIn, archivedEdgeRef{Other: other.PkmID, EdgeType: e.EdgeType})
			}
		}
		if node.NodeType == NodeTypePage {
			file.ArchivedPages++
		} else {
			file.ArchivedBlocks++
		}
		file.Nodes = append(file.Nodes, an)
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	name := fmt.Sprintf("archive_%s.json", file.Timestamp)
	path := filepath.Join(s.dataDir, "archived_nodes", name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}

	for _, t := range targets {
		if _, ok := s.arena.get(t.Handle); !ok {
			continue
		}
		delete(s.pkmToHandle, t.PkmID)
		delete(s.pkmToHandle, normalizePageName(t.PkmID))
		s.arena.remove(t.Handle)
	}

	s.removeDanglingEdgesLocked()

	s.contentCacheValid = false
	if err := s.save(); err != nil {
		return name, err
	}
	return name, nil
}

// removeDanglingEdgesLocked drops edges whose endpoint was just freed.
func (s *Store) removeDanglingEdgesLocked() {
	kept := s.edges[:0]
	outAdj := make(map[Handle][]int)
	inAdj := make(map[Handle][]int)
	for _, e := range s.edges {
		if _, ok := s.arena.get(e.Source); !ok {
			continue
		}
		if _, ok := s.arena.get(e.Target); !ok {
			continue
		}
		idx := len(kept)
		kept = append(kept, e)
		outAdj[e.Source] = append(outAdj[e.Source], idx)
		inAdj[e.Target] = append(inAdj[e.Target], idx)
	}
	s.edges = kept
	s.outAdj = outAdj
	s.inAdj = inAdj
}

// ---- autosave ----

func (s *Store) markDirtyLocked() {
	s.contentCacheValid = false
	s.operationsSinceSave++
	if s.autoSaveEnabled && s.shouldSaveLocked() {
		if err := s.save(); err != nil {
			fmt.Fprintf(os.Stderr, "graph: warning: autosave failed: %v\n", err)
		}
	}
}

func (s *Store) shouldSaveLocked() bool {
	if time.Since(s.lastSaveTime) >= SaveIntervalMinutes*time.Minute {
		return true
	}
	return s.operationsSinceSave >= SaveOperationThreshold
}

// DisableAutoSave suspends the time/op-count autosave triggers, for bulk
// imports.
func (s *Store) DisableAutoSave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoSaveEnabled = false
}

// EnableAutoSave re-enables autosave and forces an immediate save.
func (s *Store) EnableAutoSave() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoSaveEnabled = true
	return s.save()
}

// InvalidateContentCache drops the cached block-content map.
func (s *Store) InvalidateContentCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contentCacheValid = false
}

// ---- persistence ----

type diskHandle struct {
	Slot uint32 `json:"slot"`
	Gen  uint32 `json:"gen"`
}

func toDiskHandle(h Handle) diskHandle { return diskHandle{Slot: h.slot, Gen: h.gen} }
func fromDiskHandle(d diskHandle) Handle { return Handle{slot: d.Slot, gen: d.Gen} }

type diskNode struct {
	Handle diskHandle `json:"handle"`
	Node   Node       `json:"node"`
}

type diskEdge struct {
	Source   diskHandle `json:"source"`
	Target   diskHandle `json:"target"`
	EdgeType EdgeType   `json:"edge_type"`
	Weight   float32    `json:"weight"`
}

type onDiskGraph struct {
	Nodes []diskNode `json:"nodes"`
	Edges []diskEdge `json:"edges"`
}

type onDiskSnapshot struct {
	Graph               onDiskGraph           `json:"graph"`
	PkmToNode           map[string]diskHandle `json:"pkm_to_node"`
	LastIncrementalSync *int64                `json:"last_incremental_sync,omitempty"`
	LastFullSync        *int64                `json:"last_full_sync,omitempty"`
	Version             int                   `json:"version"`
}

// Save writes the current state to dataDir/knowledge_graph.json, resetting
// the autosave counters. Exported for callers that need to force a save
// (e.g. app state shutdown).
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

func (s *Store) save() error {
	var snap onDiskSnapshot
	snap.Version = snapshotVersion
	snap.PkmToNode = make(map[string]diskHandle, len(s.pkmToHandle))
	for id, h := range s.pkmToHandle {
		snap.PkmToNode[id] = toDiskHandle(h)
	}
	s.arena.all(func(h Handle, n *Node) {
		snap.Graph.Nodes = append(snap.Graph.Nodes, diskNode{Handle: toDiskHandle(h), Node: *n})
	})
	for _, e := range s.edges {
		snap.Graph.Edges = append(snap.Graph.Edges, diskEdge{
			Source: toDiskHandle(e.Source), Target: toDiskHandle(e.Target),
			EdgeType: e.EdgeType, Weight: e.Weight,
		})
	}
	if s.lastIncrementalSync != nil {
		ms := s.lastIncrementalSync.UnixMilli()
		snap.LastIncrementalSync = &ms
	}
	if s.lastFullSync != nil {
		ms := s.lastFullSync.UnixMilli()
		snap.LastFullSync = &ms
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	tmp := s.snapshotPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := os.Rename(tmp, s.snapshotPath()); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	s.lastSaveTime = time.Now()
	s.operationsSinceSave = 0
	return nil
}

// load reports (found, error): found=false with no error means the snapshot
// file did not exist.
func (s *Store) load() (bool, error) {
	data, err := os.ReadFile(s.snapshotPath())
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrIO, err)
	}

	var snap onDiskSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return false, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if snap.Version > snapshotVersion {
		fmt.Fprintf(os.Stderr, "graph: warning: %s has version %d, newer than supported %d\n",
			s.snapshotPath(), snap.Version, snapshotVersion)
	}

	maxSlot := uint32(0)
	for _, n := range snap.Graph.Nodes {
		if n.Handle.Slot+1 > maxSlot {
			maxSlot = n.Handle.Slot + 1
		}
	}
	a := newArena()
	a.slots = make([]slot, maxSlot)
	for i := range a.slots {
		a.slots[i] = slot{gen: 0, occupied: false}
	}
	for _, n := range snap.Graph.Nodes {
		a.slots[n.Handle.Slot] = slot{gen: n.Handle.Gen, occupied: true, node: n.Node}
	}
	for i := range a.slots {
		if !a.slots[i].occupied {
			a.freeList = append(a.freeList, uint32(i))
			if a.slots[i].gen == 0 {
				a.slots[i].gen = 1
			}
		}
	}
	s.arena = a

	s.pkmToHandle = make(map[string]Handle, len(snap.PkmToNode))
	for id, dh := range snap.PkmToNode {
		s.pkmToHandle[id] = fromDiskHandle(dh)
	}

	s.edges = nil
	s.outAdj = make(map[Handle][]int)
	s.inAdj = make(map[Handle][]int)
	for _, de := range snap.Graph.Edges {
		e := Edge{Source: fromDiskHandle(de.Source), Target: fromDiskHandle(de.Target), EdgeType: de.EdgeType, Weight: de.Weight}
		idx := len(s.edges)
		s.edges = append(s.edges, e)
		s.outAdj[e.Source] = append(s.outAdj[e.Source], idx)
		s.inAdj[e.Target] = append(s.inAdj[e.Target], idx)
	}

	if snap.LastIncrementalSync != nil {
		t := time.UnixMilli(*snap.LastIncrementalSync)
		s.lastIncrementalSync = &t
	}
	if snap.LastFullSync != nil {
		t := time.UnixMilli(*snap.LastFullSync)
		s.lastFullSync = &t
	}
	s.lastSaveTime = time.Now()
	s.operationsSinceSave = 0
	return true, nil
}

func cloneProperties(m map[string]string) map[string]string {
	if m == nil {
		return make(map[string]string)
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mergeProperties(dst, src map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string)
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
