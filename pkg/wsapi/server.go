package wsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cymbiont/cymbiont/pkg/appstate"
	"github.com/cymbiont/cymbiont/pkg/cymlog"
	"github.com/cymbiont/cymbiont/pkg/kgapi"
)

// Config configures the wire-protocol server's listening address and
// process-discovery file, per spec.md §6.
type Config struct {
	Host            string
	Port            int
	MaxPortAttempts int
	ServerInfoFile  string
}

// DefaultConfig returns spec-mandated defaults.
func DefaultConfig() Config {
	return Config{Host: "127.0.0.1", Port: 8888, MaxPortAttempts: 10, ServerInfoFile: "cymbiont_server.json"}
}

// Server upgrades exactly one route, /ws, to the wire session protocol.
type Server struct {
	cfg Config
	app *appstate.AppState
	api *kgapi.KgApi

	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader

	closed          atomic.Bool
	activeSessions  atomic.Int64
	boundPort       int
}

// New constructs a server bound to cfg against app's active graph surface.
func New(cfg Config, app *appstate.AppState) *Server {
	return &Server{
		cfg: cfg,
		app: app,
		api: kgapi.New(app),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// serverInfo is written to disk at startup so peer processes can discover
// and, if needed, terminate a stale instance.
type serverInfo struct {
	PID  int    `json:"pid"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Start binds the first available port in
// [cfg.Port, cfg.Port+cfg.MaxPortAttempts), writes the process-discovery
// file, and begins serving in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)

	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxPortAttempts; attempt++ {
		port := s.cfg.Port + attempt
		addr := fmt.Sprintf("%s:%d", s.cfg.Host, port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		s.listener = ln
		s.boundPort = port
		break
	}
	if s.listener == nil {
		return fmt.Errorf("wsapi: no available port in range [%d, %d): %w", s.cfg.Port, s.cfg.Port+s.cfg.MaxPortAttempts, lastErr)
	}

	s.httpServer = &http.Server{Handler: mux}

	if err := s.writeServerInfo(); err != nil {
		cymlog.L().Warn("failed to write server info file", "error", err)
	}

	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			cymlog.L().Error("wsapi server stopped unexpectedly", "error", err)
		}
	}()

	cymlog.L().Info("wsapi server listening", "host", s.cfg.Host, "port", s.boundPort)
	return nil
}

func (s *Server) writeServerInfo() error {
	info := serverInfo{PID: os.Getpid(), Host: s.cfg.Host, Port: s.boundPort}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return os.WriteFile(s.cfg.ServerInfoFile, data, 0o644)
}

// Stop gracefully shuts down the HTTP server, runs the app state cleanup
// sequence, and removes the process-discovery file. Idempotent.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	s.app.CleanupAndSave()

	if rmErr := os.Remove(s.cfg.ServerInfoFile); rmErr != nil && !os.IsNotExist(rmErr) {
		cymlog.L().Warn("failed to remove server info file", "error", rmErr)
	}

	return err
}

// Port returns the port actually bound (may differ from cfg.Port if earlier
// ports in the range were taken).
func (s *Server) Port() int { return s.boundPort }

// Stats reports the number of currently active sessions.
func (s *Server) Stats() (activeSessions int64) {
	return s.activeSessions.Load()
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cymlog.L().Warn("websocket upgrade failed", "error", errUpgradeFailed, "cause", err)
		return
	}

	sess := newSession(conn, s.app, s.api)
	s.activeSessions.Add(1)
	defer s.activeSessions.Add(-1)
	sess.run()
}

// pingInterval is unused directly by Server but documents the relationship
// between the session heartbeat and typical proxy idle timeouts.
const pingInterval = 30 * time.Second
