package wsapi

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cymbiont/cymbiont/pkg/appstate"
	"github.com/cymbiont/cymbiont/pkg/cymlog"
	"github.com/cymbiont/cymbiont/pkg/kgapi"
)

// heartbeatInterval is the server->client liveness probe cadence.
const heartbeatInterval = 30 * time.Second

// session is one connection's state machine: Connecting -> Unauthenticated
// -> Authenticated -> Disconnect, per spec.md §4.8.
type session struct {
	id            string
	conn          *websocket.Conn
	app           *appstate.AppState
	api           *kgapi.KgApi
	authenticated bool
	done          chan struct{}
}

func newSession(conn *websocket.Conn, app *appstate.AppState, api *kgapi.KgApi) *session {
	return &session{
		id:   uuid.NewString(),
		conn: conn,
		app:  app,
		api:  api,
		done: make(chan struct{}),
	}
}

// run registers the connection, spawns the send-pump, heartbeat, and
// shutdown-watcher tasks, and blocks on the serial read loop until the
// client disconnects, a read error occurs, or the process signals shutdown.
func (s *session) run() {
	sendCh := make(chan []byte, 16)
	conn := &appstate.Connection{ID: s.id, Send: sendCh, Shutdown: make(chan struct{})}
	s.app.RegisterConnection(conn)

	go s.writePump(sendCh)
	go s.heartbeatLoop(sendCh)
	// conn.ReadMessage() blocks with no way to select on s.done, so a
	// process-wide shutdown is delivered by closing the underlying
	// connection, which unblocks readLoop with a read error.
	go func() {
		select {
		case <-conn.Shutdown:
			_ = s.conn.Close()
		case <-s.done:
		}
	}()

	s.readLoop(sendCh)

	close(s.done)
	s.app.UnregisterConnection(s.id)
	_ = s.conn.Close()
}

func (s *session) writePump(sendCh <-chan []byte) {
	for data := range sendCh {
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func (s *session) heartbeatLoop(sendCh chan<- []byte) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			data, err := encodeHeartbeat()
			if err != nil {
				continue
			}
			select {
			case sendCh <- data:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) readLoop(sendCh chan<- []byte) {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.dispatch(raw, sendCh)
	}
}

func (s *session) dispatch(raw []byte, sendCh chan<- []byte) {
	cmdType, payload, err := decodeCommand(raw)
	if err != nil {
		s.respondError(sendCh, uuid.NewString(), "malformed command frame")
		return
	}

	if !s.authenticated && cmdType != CommandAuth && cmdType != CommandHeartbeat && cmdType != CommandTest {
		s.respondError(sendCh, uuid.NewString(), "Not authenticated")
		return
	}

	switch cmdType {
	case CommandAuth:
		s.handleAuth(payload, sendCh)
	case CommandHeartbeat:
		// Client->server heartbeat is acknowledged silently, to avoid a
		// feedback loop with the server's own heartbeat.
	case CommandTest:
		s.handleTest(payload, sendCh)
	case CommandCreateBlock:
		s.handleCreateBlock(payload, sendCh)
	case CommandUpdateBlock:
		s.handleUpdateBlock(payload, sendCh)
	case CommandDeleteBlock:
		s.handleDeleteBlock(payload, sendCh)
	case CommandCreatePage:
		s.handleCreatePage(payload, sendCh)
	case CommandSwitchGraph:
		s.handleSwitchGraph(payload, sendCh)
	case CommandCreateGraph:
		s.handleCreateGraph(payload, sendCh)
	case CommandDeleteGraph:
		s.handleDeleteGraph(payload, sendCh)
	default:
		s.respondError(sendCh, uuid.NewString(), "unknown command type")
	}
}

func (s *session) handleAuth(payload []byte, sendCh chan<- []byte) {
	var cmd AuthCommand
	if err := json.Unmarshal(payload, &cmd); err != nil || cmd.Token == "" {
		s.respondError(sendCh, uuid.NewString(), "invalid auth command")
		return
	}
	s.authenticated = true
	s.app.MarkAuthenticated(s.id)
	s.respondSuccess(sendCh, uuid.NewString(), nil)
}

func (s *session) handleTest(payload []byte, sendCh chan<- []byte) {
	var cmd TestCommand
	_ = json.Unmarshal(payload, &cmd)
	s.respondSuccess(sendCh, uuid.NewString(), map[string]string{"echo": cmd.Message})
}

func (s *session) handleCreateBlock(payload []byte, sendCh chan<- []byte) {
	var cmd CreateBlockCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		s.respondError(sendCh, uuid.NewString(), "invalid create_block command")
		return
	}
	id, err := s.api.AddBlock(cmd.Content, cmd.ParentID, cmd.PageName, cmd.Properties)
	s.respondResult(sendCh, uuid.NewString(), map[string]string{"block_id": id}, err)
}

func (s *session) handleUpdateBlock(payload []byte, sendCh chan<- []byte) {
	var cmd UpdateBlockCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		s.respondError(sendCh, uuid.NewString(), "invalid update_block command")
		return
	}
	err := s.api.UpdateBlock(cmd.BlockID, cmd.Content)
	s.respondResult(sendCh, uuid.NewString(), map[string]string{"block_id": cmd.BlockID}, err)
}

func (s *session) handleDeleteBlock(payload []byte, sendCh chan<- []byte) {
	var cmd DeleteBlockCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		s.respondError(sendCh, uuid.NewString(), "invalid delete_block command")
		return
	}
	err := s.api.DeleteBlock(cmd.BlockID)
	s.respondResult(sendCh, uuid.NewString(), map[string]string{"block_id": cmd.BlockID}, err)
}

func (s *session) handleCreatePage(payload []byte, sendCh chan<- []byte) {
	var cmd CreatePageCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		s.respondError(sendCh, uuid.NewString(), "invalid create_page command")
		return
	}
	name, err := s.api.CreatePage(cmd.Name, cmd.Properties)
	s.respondResult(sendCh, uuid.NewString(), map[string]string{"page_name": name}, err)
}

func (s *session) handleSwitchGraph(payload []byte, sendCh chan<- []byte) {
	var cmd SwitchGraphCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		s.respondError(sendCh, uuid.NewString(), "invalid switch_graph command")
		return
	}
	err := s.api.SwitchGraph(cmd.GraphID)
	s.respondResult(sendCh, uuid.NewString(), map[string]string{"graph_id": cmd.GraphID}, err)
}

func (s *session) handleCreateGraph(payload []byte, sendCh chan<- []byte) {
	var cmd CreateGraphCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		s.respondError(sendCh, uuid.NewString(), "invalid create_graph command")
		return
	}
	info, err := s.api.CreateGraph(cmd.Name, cmd.Description)
	s.respondResult(sendCh, uuid.NewString(), map[string]string{"graph_id": info.ID}, err)
}

func (s *session) handleDeleteGraph(payload []byte, sendCh chan<- []byte) {
	var cmd DeleteGraphCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		s.respondError(sendCh, uuid.NewString(), "invalid delete_graph command")
		return
	}
	err := s.api.DeleteGraph(cmd.GraphID)
	s.respondResult(sendCh, uuid.NewString(), map[string]string{"graph_id": cmd.GraphID}, err)
}

func (s *session) respondResult(sendCh chan<- []byte, commandID string, data any, err error) {
	if err != nil {
		s.respondError(sendCh, commandID, err.Error())
		return
	}
	s.respondSuccess(sendCh, commandID, data)
}

func (s *session) respondSuccess(sendCh chan<- []byte, commandID string, data any) {
	frame, err := encodeSuccess(commandID, data)
	if err != nil {
		cymlog.L().Warn("failed to encode success response", "error", err)
		return
	}
	s.sendFrame(sendCh, frame)
}

func (s *session) respondError(sendCh chan<- []byte, commandID, message string) {
	frame, err := encodeError(commandID, message)
	if err != nil {
		cymlog.L().Warn("failed to encode error response", "error", err)
		return
	}
	s.sendFrame(sendCh, frame)
}

func (s *session) sendFrame(sendCh chan<- []byte, frame []byte) {
	select {
	case sendCh <- frame:
	case <-s.done:
	default:
		cymlog.L().Warn("dropping frame: send buffer full", "session_id", s.id)
	}
}

var errUpgradeFailed = errors.New("wsapi: websocket upgrade failed")
