// Package appstate implements the composition root: a process-wide map of
// loaded graph stores and coordinators keyed by graph id, the active-graph
// pointer, the registry, and (in server mode) the live WebSocket connection
// table — composed per spec.md §4.6, with the fixed lock order of §5.
package appstate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cymbiont/cymbiont/pkg/config"
	"github.com/cymbiont/cymbiont/pkg/cymlog"
	"github.com/cymbiont/cymbiont/pkg/graph"
	"github.com/cymbiont/cymbiont/pkg/registry"
	"github.com/cymbiont/cymbiont/pkg/txlog"
	"github.com/cymbiont/cymbiont/pkg/txn"
)

// ErrNoActiveGraph is returned when a mutation is attempted while the
// active pointer is unset.
var ErrNoActiveGraph = errors.New("appstate: no active graph")

// storeEntry pairs a graph store with the coarse write lock that
// WithActiveGraphTransaction holds across the WAL begin/commit/abort calls,
// per spec.md §5's "the store's write lock is held across the WAL
// begin/commit/abort calls; this is intentional." This lock is distinct
// from graph.Store's own internal mutex, which still serializes direct
// method calls made outside a transaction (e.g. read-only queries).
type storeEntry struct {
	mu    sync.RWMutex
	store *graph.Store
}

type coordEntry struct {
	log         *txlog.Log
	coordinator *txn.Coordinator
}

// AppState is the process-wide composition root. Constructed once at
// startup and passed by shared reference to every collaborator.
type AppState struct {
	Config  *config.Config
	DataDir string

	registry *registry.Registry

	storesMu sync.RWMutex
	stores   map[string]*storeEntry

	coordsMu sync.RWMutex
	coords   map[string]*coordEntry

	activeMu      sync.RWMutex
	activeGraphID *string

	// Server-only: live WebSocket connections, keyed by connection id.
	connMu        sync.RWMutex
	connections   map[string]*Connection
	authCount     int
	wsReadyOnce   sync.Once
	wsReady       chan struct{}
}

// Connection is the per-connection record the wire session registers on
// connect and removes on disconnect. Shutdown is distinct from Send: it
// carries no data and is only ever closed, never sent on, so a session's
// heartbeat/send-pump goroutines can select on it to learn they should stop
// without racing a send into an already-closed Send channel.
type Connection struct {
	ID            string
	Send          chan []byte
	Shutdown      chan struct{}
	Authenticated bool
}

// New resolves configuration, creates data_dir if absent, and loads the
// registry. It is shared by both the CLI's one-shot mode and the
// long-running server mode — per spec.md §9's "there is no hidden ambient
// state," the two entry points differ only in whether the connection table
// and ws-ready channel are exercised.
func New(cfg *config.Config) (*AppState, error) {
	dataDir, err := cfg.ResolveDataDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("appstate: create data dir: %w", err)
	}

	reg, err := registry.LoadOrCreate(filepath.Join(dataDir, "graph_registry.json"), dataDir)
	if err != nil {
		return nil, fmt.Errorf("appstate: load registry: %w", err)
	}

	as := &AppState{
		Config:      cfg,
		DataDir:     dataDir,
		registry:    reg,
		stores:      make(map[string]*storeEntry),
		coords:      make(map[string]*coordEntry),
		connections: make(map[string]*Connection),
		wsReady:     make(chan struct{}),
	}

	if active := reg.Active(); active != nil {
		as.activeGraphID = active
		if _, _, err := as.getOrCreateGraphStore(*active); err != nil {
			cymlog.L().Warn("failed to materialize active graph at startup", "graph_id", *active, "error", err)
		}
	}

	return as, nil
}

// Registry exposes the underlying graph registry to KG API surfaces that
// need to list/create/switch/delete graphs directly.
func (as *AppState) Registry() *registry.Registry { return as.registry }

// ActiveGraphID returns the currently active graph id, if any.
func (as *AppState) ActiveGraphID() *string {
	as.activeMu.RLock()
	defer as.activeMu.RUnlock()
	return as.activeGraphID
}

// SetActiveGraph switches the active pointer, ensuring id's store and
// coordinator are loaded first.
func (as *AppState) SetActiveGraph(id string) error {
	if _, _, err := as.getOrCreateGraphStore(id); err != nil {
		return err
	}
	if _, err := as.registry.Switch(id); err != nil {
		return err
	}
	as.activeMu.Lock()
	as.activeGraphID = &id
	as.activeMu.Unlock()
	return as.registry.Save()
}

// getOrCreateGraphStore implements spec.md §4.6's get_or_create_graph_manager:
// double-checked read-then-write locking over both the store map and the
// coordinator map, materializing the graph's directory tree on first access.
func (as *AppState) getOrCreateGraphStore(id string) (*storeEntry, *txn.Coordinator, error) {
	as.storesMu.RLock()
	se, ok := as.stores[id]
	as.storesMu.RUnlock()
	if ok {
		as.coordsMu.RLock()
		ce, coordOK := as.coords[id]
		as.coordsMu.RUnlock()
		if !coordOK {
			return nil, nil, fmt.Errorf("appstate: coordinator not yet initialized for graph %s", id)
		}
		return se, ce.coordinator, nil
	}

	as.storesMu.Lock()
	se, ok = as.stores[id]
	if !ok {
		graphDir := filepath.Join(as.DataDir, "graphs", id)
		if err := os.MkdirAll(graphDir, 0o755); err != nil {
			as.storesMu.Unlock()
			return nil, nil, fmt.Errorf("appstate: create graph dir: %w", err)
		}
		store, err := graph.Open(graphDir)
		if err != nil {
			as.storesMu.Unlock()
			return nil, nil, fmt.Errorf("appstate: open graph store: %w", err)
		}
		se = &storeEntry{store: store}
		as.stores[id] = se
	}
	as.storesMu.Unlock()

	as.coordsMu.Lock()
	ce, ok := as.coords[id]
	if !ok {
		logDir := filepath.Join(as.DataDir, "graphs", id, "transaction_log")
		log, err := txlog.Open(logDir)
		if err != nil {
			as.coordsMu.Unlock()
			return nil, nil, fmt.Errorf("appstate: open transaction log: %w", err)
		}
		ce = &coordEntry{log: log, coordinator: txn.New(log)}
		as.coords[id] = ce
	}
	as.coordsMu.Unlock()

	return se, ce.coordinator, nil
}

// WithActiveGraphTransaction is the single unified mutation primitive used
// by every KG API surface. Lock order matches spec.md §5 exactly: read the
// active id, clone the coordinator reference under its own read lock and
// release it, then take the store's write lock for the duration of the
// transaction and closure.
func WithActiveGraphTransaction[T any](as *AppState, op txlog.Operation, fn func(*graph.Store) (T, error)) (T, error) {
	var zero T

	activeID := as.ActiveGraphID()
	if activeID == nil {
		return zero, ErrNoActiveGraph
	}

	se, coordinator, err := as.getOrCreateGraphStore(*activeID)
	if err != nil {
		return zero, err
	}

	se.mu.Lock()
	defer se.mu.Unlock()

	return txn.ExecuteWithTransaction(coordinator, op, func() (T, error) {
		return fn(se.store)
	})
}

// EnsureGraph materializes id's store and coordinator without changing the
// active pointer, for callers (e.g. CreateGraph) that need a freshly
// registered graph ready to receive mutations later.
func (as *AppState) EnsureGraph(id string) error {
	_, _, err := as.getOrCreateGraphStore(id)
	return err
}

// ForgetGraph evicts id's cached store and coordinator, closing the
// transaction log's badger handle. Callers (e.g. kgapi.DeleteGraph) must
// call this after id's directory has already been archived, or a later
// re-register of the same id (registry.Register explicitly supports this)
// would hand out a stale store/coordinator still pointed at the archived
// directory instead of freshly opening the new one. The store and
// coordinator are not saved here — id is being deleted, and its directory
// no longer exists at the path they were opened against.
func (as *AppState) ForgetGraph(id string) {
	as.storesMu.Lock()
	delete(as.stores, id)
	as.storesMu.Unlock()

	as.coordsMu.Lock()
	ce, coordOK := as.coords[id]
	if coordOK {
		delete(as.coords, id)
	}
	as.coordsMu.Unlock()
	if coordOK {
		if err := ce.log.Close(); err != nil {
			cymlog.L().Warn("failed to close transaction log while forgetting graph", "graph_id", id, "error", err)
		}
	}
}

// WithActiveGraphRead runs fn against the active graph's store under its
// read lock — for lookups that don't need the coordinator or a logged
// transaction.
func WithActiveGraphRead[T any](as *AppState, fn func(*graph.Store) (T, error)) (T, error) {
	var zero T
	activeID := as.ActiveGraphID()
	if activeID == nil {
		return zero, ErrNoActiveGraph
	}
	se, _, err := as.getOrCreateGraphStore(*activeID)
	if err != nil {
		return zero, err
	}
	se.mu.RLock()
	defer se.mu.RUnlock()
	return fn(se.store)
}

// RegisterConnection adds conn to the live connection table. The
// connection starts unauthenticated; the one-shot ws-ready signal is fired
// by MarkAuthenticated, not here.
func (as *AppState) RegisterConnection(conn *Connection) {
	as.connMu.Lock()
	defer as.connMu.Unlock()
	as.connections[conn.ID] = conn
}

// MarkAuthenticated flips conn's authenticated flag and fires the ws-ready
// signal exactly once, the first time any connection authenticates.
func (as *AppState) MarkAuthenticated(connID string) {
	as.connMu.Lock()
	if conn, ok := as.connections[connID]; ok && !conn.Authenticated {
		conn.Authenticated = true
		as.authCount++
	}
	as.connMu.Unlock()

	as.wsReadyOnce.Do(func() { close(as.wsReady) })
}

// WSReady returns the one-shot channel that closes on the first
// authenticated connection.
func (as *AppState) WSReady() <-chan struct{} { return as.wsReady }

// UnregisterConnection removes conn from the live table.
func (as *AppState) UnregisterConnection(connID string) {
	as.connMu.Lock()
	defer as.connMu.Unlock()
	delete(as.connections, connID)
}

// AuthenticatedSenders collects send channels for every authenticated
// connection under a read lock, then releases it before the caller sends —
// no lock is ever held during a network write.
func (as *AppState) AuthenticatedSenders() []chan []byte {
	as.connMu.RLock()
	defer as.connMu.RUnlock()
	senders := make([]chan []byte, 0, len(as.connections))
	for _, conn := range as.connections {
		if conn.Authenticated {
			senders = append(senders, conn.Send)
		}
	}
	return senders
}

// CleanupAndSave runs the shutdown sequence: broadcast a shutdown signal to
// every live connection, drop the connection table, yield briefly so
// sessions can unwind, save every loaded store, close every transaction
// log, save the registry. Errors are logged and swallowed — shutdown itself
// never fails. Idempotent.
//
// The shutdown signal is broadcast on each Connection's dedicated Shutdown
// channel, never on Send: Send is also a send-target for the session's own
// heartbeat/write-pump goroutines, and closing a channel that other
// goroutines concurrently send on panics (a send case on a closed channel
// is always ready, it doesn't fall through to a select's other cases).
func (as *AppState) CleanupAndSave() {
	as.connMu.Lock()
	for id, conn := range as.connections {
		close(conn.Shutdown)
		delete(as.connections, id)
	}
	as.connMu.Unlock()

	time.Sleep(100 * time.Millisecond)

	as.storesMu.RLock()
	for id, se := range as.stores {
		se.mu.Lock()
		if err := se.store.Save(); err != nil {
			cymlog.L().Warn("failed to save graph on shutdown", "graph_id", id, "error", err)
		}
		se.mu.Unlock()
	}
	as.storesMu.RUnlock()

	as.coordsMu.RLock()
	for id, ce := range as.coords {
		if err := ce.log.Close(); err != nil {
			cymlog.L().Warn("failed to close transaction log on shutdown", "graph_id", id, "error", err)
		}
	}
	as.coordsMu.RUnlock()

	if err := as.registry.Save(); err != nil {
		cymlog.L().Warn("failed to save registry on shutdown", "error", err)
	}
}
