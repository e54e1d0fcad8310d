// Package backendstub is a stand-in for the gesture backend. It speaks the
// same flat-JSON WebSocket protocol with canned cameras, gestures and
// frames, and is used for tests and for running the control client without
// a camera.
package backendstub

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"gesturelink/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 256
)

// placeholderFrame is a minimal JPEG marker pair (SOI, EOI).
var placeholderFrame = []byte{0xFF, 0xD8, 0xFF, 0xD9}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Loopback only.
	},
}

// Options seeds the stub's canned state.
type Options struct {
	Name         string
	Cameras      []string
	Selected     string
	Gestures     map[string]protocol.Gesture
	Frame        []byte
	PushInterval time.Duration // push frames to every client while detecting; 0 disables
	Logger       *zerolog.Logger
}

// Server is a WebSocket backend stand-in.
type Server struct {
	name string
	log  zerolog.Logger

	clients   map[*client]bool
	clientsMu sync.RWMutex

	mu        sync.Mutex
	cameras   []string
	selected  string
	gestures  map[string]protocol.Gesture
	frame     []byte
	detecting bool
	cropMode  bool
	received  []string

	pushInterval time.Duration
	stop         chan struct{}
	stopOnce     sync.Once
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

// New creates a stub backend.
func New(opts Options) *Server {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.Name == "" {
		opts.Name = "backend"
	}
	if opts.Cameras == nil {
		opts.Cameras = []string{"cam0", "cam1"}
	}
	if opts.Selected == "" && len(opts.Cameras) > 0 {
		opts.Selected = opts.Cameras[0]
	}
	if opts.Gestures == nil {
		opts.Gestures = map[string]protocol.Gesture{
			"A": {Nome: "A", Bind: "a", TempoPressionado: 0.2},
			"B": {Nome: "B", Bind: "b", ModoToggle: true, TempoPressionado: 0.5},
		}
	}
	if opts.Frame == nil {
		opts.Frame = placeholderFrame
	}

	s := &Server{
		name:         opts.Name,
		log:          logger.With().Str("backend", opts.Name).Logger(),
		clients:      make(map[*client]bool),
		cameras:      append([]string(nil), opts.Cameras...),
		selected:     opts.Selected,
		gestures:     opts.Gestures,
		frame:        opts.Frame,
		pushInterval: opts.PushInterval,
		stop:         make(chan struct{}),
	}
	if s.pushInterval > 0 {
		go s.pushLoop()
	}
	return s
}

// Handler returns an http.Handler that upgrades every request on "/" and
// answers "/healthz".
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","clients":%d}`, s.ClientCount())
	})
	mux.HandleFunc("/", s.handleWebSocket)
	return mux
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade error")
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()
	s.log.Info().Str("remote", r.RemoteAddr).Msg("client connected")

	go c.writePump()
	go c.readPump()
}

// readPump reads commands from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))

		c.server.handleMessage(c, message)
	}
}

// writePump writes queued frames to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	if s.clients[c] {
		delete(s.clients, c)
		close(c.send)
	}
	s.clientsMu.Unlock()
	s.log.Info().Msg("client disconnected")
}

// handleMessage answers one client command.
func (s *Server) handleMessage(c *client, raw []byte) {
	in, err := protocol.ValidateCommand(raw)
	if err != nil {
		s.log.Warn().Err(err).Msg("invalid command")
		data, _ := protocol.ErrorReply("JSON invalido.")
		s.reply(c, data)
		return
	}

	s.mu.Lock()
	s.received = append(s.received, in.Tag)
	s.mu.Unlock()

	data, err := s.respond(in)
	if err != nil {
		s.log.Error().Err(err).Str("command", in.Tag).Msg("encode reply")
		return
	}
	s.reply(c, data)
}

// respond applies a command and builds its reply.
func (s *Server) respond(in *protocol.Inbound) ([]byte, error) {
	switch in.Tag {
	case protocol.CmdPing:
		return protocol.Reply(protocol.TagPong, true)

	case protocol.CmdStartDetection:
		s.setDetecting(true)
		return protocol.StatusReply("Iniciando o processo de deteccao.")

	case protocol.CmdStopDetection:
		if !s.setDetecting(false) {
			return protocol.ErrorReply("Nao existe um processo de deteccao ativo no momento")
		}
		return protocol.StatusReply("Encerrando o processo de deteccao.")

	case protocol.CmdStartCropHandMode, protocol.CmdStopCropHandMode:
		s.mu.Lock()
		s.cropMode = in.Tag == protocol.CmdStartCropHandMode
		s.mu.Unlock()
		return protocol.StatusReply("Modo de recorte atualizado.")

	case protocol.CmdGetAllGestos:
		return protocol.Reply(protocol.TagAllGestos, s.snapshotGestures())

	case protocol.CmdGetAllBinds:
		return protocol.Reply(protocol.TagAllBinds, s.snapshotGestures())

	case protocol.CmdGetGesto:
		name := protocol.Frame{in.Tag: in.Value}.Text(in.Tag)
		s.mu.Lock()
		g, ok := s.gestures[name]
		s.mu.Unlock()
		if !ok {
			return protocol.Reply(protocol.TagGesto, nil)
		}
		return protocol.Reply(protocol.TagGesto, g)

	case protocol.CmdSaveGesto:
		g, err := protocol.SingleGesture(in.Value)
		if err != nil {
			return protocol.ErrorReply("Gesto invalido.")
		}
		s.mu.Lock()
		_, exists := s.gestures[g.Nome]
		if exists && !in.Overwrite() {
			s.mu.Unlock()
			return protocol.ErrorReply("Gesto ja existe.")
		}
		s.gestures[g.Nome] = g
		s.mu.Unlock()
		return protocol.StatusReply("Gesto salvo com sucesso.")

	case protocol.CmdSetCamera:
		name := protocol.Frame{in.Tag: in.Value}.Text(in.Tag)
		s.mu.Lock()
		s.selected = name
		s.mu.Unlock()
		return protocol.StatusReply(fmt.Sprintf("Camera '%s' atualizada com sucesso.", name))

	case protocol.CmdGetCamera:
		s.mu.Lock()
		selected := s.selected
		s.mu.Unlock()
		return protocol.Reply(protocol.TagCameraSelecionada, selected)

	case protocol.CmdGetCamerasDisponiveis:
		s.mu.Lock()
		cams := append([]string(nil), s.cameras...)
		s.mu.Unlock()
		if len(cams) == 0 {
			return protocol.ErrorReply("Nao foi possivel retornar as cameras disponiveis.")
		}
		return protocol.Reply(protocol.TagCamerasDisponiveis, cams)

	case protocol.CmdGetFrame:
		if !s.Detecting() {
			return protocol.ErrorReply("Nao foi possivel capturar o frame.")
		}
		return s.frameReply()
	}
	return nil, nil
}

func (s *Server) setDetecting(on bool) (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed = s.detecting != on
	s.detecting = on
	return changed
}

func (s *Server) snapshotGestures() map[string]protocol.Gesture {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]protocol.Gesture, len(s.gestures))
	for k, v := range s.gestures {
		out[k] = v
	}
	return out
}

func (s *Server) frameReply() ([]byte, error) {
	s.mu.Lock()
	frame := s.frame
	s.mu.Unlock()
	return protocol.Reply(protocol.TagFrame, base64.StdEncoding.EncodeToString(frame))
}

func (s *Server) reply(c *client, data []byte) {
	if data == nil {
		return
	}
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	if !s.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
		// Client buffer full, drop.
	}
}

// pushLoop streams frames to every client while detection is on.
func (s *Server) pushLoop() {
	ticker := time.NewTicker(s.pushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			detecting := s.detecting
			s.mu.Unlock()
			if !detecting {
				continue
			}
			if data, err := s.frameReply(); err == nil {
				s.Broadcast(data)
			}
		}
	}
}

// Broadcast sends a raw frame to all connected clients.
func (s *Server) Broadcast(data []byte) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full, skip.
		}
	}
}

// Received returns the command tags handled so far, in arrival order.
func (s *Server) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// Detecting reports whether detection is on.
func (s *Server) Detecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detecting
}

// Selected returns the selected camera.
func (s *Server) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// GestureNames returns the stored gesture names, sorted.
func (s *Server) GestureNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.gestures))
	for name := range s.gestures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Shutdown stops the frame pusher and disconnects every client.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })

	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

// CropMode reports whether hand-crop capture mode is on.
func (s *Server) CropMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cropMode
}
