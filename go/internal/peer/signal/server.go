package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Server is the signaling broker. It keeps one WebSocket per registered
// peer id and routes frames between them.
type Server struct {
	// Registered peers by id
	peers map[string]*Connection
	// Ids each peer has exchanged frames with, notified with LEAVE when it
	// disconnects
	contacts map[string]map[string]struct{}
	mu       sync.RWMutex

	upgrader websocket.Upgrader
	config   Config

	routeCh chan routedFrame
	running atomic.Bool
}

// Connection is a broker-side WebSocket connection to a peer.
type Connection struct {
	ID     string
	Conn   *websocket.Conn
	Send   chan []byte
	Server *Server

	ConnectedAt time.Time
}

// Config holds configuration for broker connections.
type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	RouteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

type routedFrame struct {
	from  string
	frame Frame
}

// DefaultConfig returns the default broker configuration.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  64 * 1024, // SDP offers with gathered candidates run to a few KB
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		SendBufferSize:  256,
		RouteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewServer creates a broker. Call Start to begin routing.
func NewServer(config Config) *Server {
	return &Server{
		peers:    make(map[string]*Connection),
		contacts: make(map[string]map[string]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:  config,
		routeCh: make(chan routedFrame, config.RouteBufferSize),
	}
}

// Start routes frames until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	log.Info().Msg("signaling broker started")
	s.running.Store(true)
	defer s.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("signaling broker shutting down")
			return
		case rf := <-s.routeCh:
			s.handleRoute(rf)
		}
	}
}

// HandlePeer upgrades a request to a broker connection. The peer id comes
// from the "id" query parameter; without one the broker assigns an id.
func (s *Server) HandlePeer(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		id = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		log.Error().Err(err).Str("peer_id", id).Msg("failed to upgrade broker connection")
		return
	}

	connection := &Connection{
		ID:          id,
		Conn:        conn,
		Send:        make(chan []byte, s.config.SendBufferSize),
		Server:      s,
		ConnectedAt: time.Now(),
	}

	if !s.register(connection) {
		log.Info().Str("peer_id", id).Msg("peer id already taken")
		conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		conn.WriteJSON(Frame{Type: FrameIDTaken, Dst: id})
		conn.Close()
		return
	}

	s.enqueue(connection, Frame{Type: FrameOpen, Dst: id})

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("peer_id", id).
		Str("remote_addr", r.RemoteAddr).
		Msg("peer registered with broker")
}

// register adds a connection unless its id is taken.
func (s *Server) register(conn *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.peers[conn.ID]; exists {
		return false
	}
	s.peers[conn.ID] = conn

	log.Debug().
		Str("peer_id", conn.ID).
		Int("total_peers", len(s.peers)).
		Msg("connection registered")
	return true
}

// unregister removes a connection and tells its contacts it left.
func (s *Server) unregister(conn *Connection) {
	s.mu.Lock()
	current, exists := s.peers[conn.ID]
	if !exists || current != conn {
		s.mu.Unlock()
		return
	}
	delete(s.peers, conn.ID)
	close(conn.Send)

	contacts := s.contacts[conn.ID]
	delete(s.contacts, conn.ID)
	var notify []*Connection
	for contactID := range contacts {
		if set, ok := s.contacts[contactID]; ok {
			delete(set, conn.ID)
		}
		if other, ok := s.peers[contactID]; ok {
			notify = append(notify, other)
		}
	}
	s.mu.Unlock()

	leave, _ := json.Marshal(Frame{Type: FrameLeave, Src: conn.ID})
	for _, other := range notify {
		s.deliver(other, leave)
	}

	log.Info().
		Str("peer_id", conn.ID).
		Int("contacts_notified", len(notify)).
		Msg("peer left broker")
}

// route queues a frame from a client for delivery.
func (s *Server) route(from string, frame Frame) {
	select {
	case s.routeCh <- routedFrame{from: from, frame: frame}:
	default:
		log.Warn().
			Str("src", from).
			Str("dst", frame.Dst).
			Msg("route channel full, dropping frame")
	}
}

func (s *Server) handleRoute(rf routedFrame) {
	frame := rf.frame
	frame.Src = rf.from

	s.mu.Lock()
	source, sourceOK := s.peers[rf.from]
	target, targetOK := s.peers[frame.Dst]
	if targetOK && sourceOK {
		s.addContactLocked(rf.from, frame.Dst)
		s.addContactLocked(frame.Dst, rf.from)
	}
	s.mu.Unlock()

	if !targetOK {
		if sourceOK {
			s.enqueue(source, Frame{
				Type:         FrameExpire,
				Src:          frame.Dst,
				ConnectionID: frame.ConnectionID,
			})
		}
		log.Debug().
			Str("src", rf.from).
			Str("dst", frame.Dst).
			Str("frame_type", string(frame.Type)).
			Msg("destination not registered")
		return
	}

	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal routed frame")
		return
	}
	s.deliver(target, data)

	log.Debug().
		Str("src", rf.from).
		Str("dst", frame.Dst).
		Str("frame_type", string(frame.Type)).
		Msg("frame routed")
}

func (s *Server) addContactLocked(a, b string) {
	set, ok := s.contacts[a]
	if !ok {
		set = make(map[string]struct{})
		s.contacts[a] = set
	}
	set[b] = struct{}{}
}

func (s *Server) enqueue(conn *Connection, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal broker frame")
		return
	}
	s.deliver(conn, data)
}

// deliver hands data to a connection's write pump. Connections whose
// buffer is full are considered dead and evicted.
func (s *Server) deliver(conn *Connection, data []byte) {
	s.mu.RLock()
	if s.peers[conn.ID] != conn {
		s.mu.RUnlock()
		return
	}
	var full bool
	select {
	case conn.Send <- data:
	default:
		full = true
	}
	s.mu.RUnlock()

	if full {
		log.Warn().
			Str("peer_id", conn.ID).
			Msg("connection send buffer full, closing connection")
		s.unregister(conn)
		conn.Conn.Close()
	}
}

// Registered reports whether id is currently registered.
func (s *Server) Registered(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.peers[id]
	return ok
}

// Running reports whether Start is routing frames.
func (s *Server) Running() bool {
	return s.running.Load()
}

// GetConnectionStats returns statistics about registered peers.
func (s *Server) GetConnectionStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]interface{}{
		"total_peers": len(s.peers),
	}
}

// writePump sends queued frames and keepalive pings to the peer.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Server.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Server.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Server.config.WriteTimeout))
			if !ok {
				// Channel was closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("peer_id", c.ID).
					Msg("failed to write frame to peer")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Server.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("peer_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump reads frames from the peer and hands them to the router.
func (c *Connection) readPump() {
	defer func() {
		c.Server.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Server.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Server.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Server.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("peer_id", c.ID).
					Msg("unexpected broker connection close")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Server.config.ReadTimeout))
	}
}

func (c *Connection) handleClientMessage(message []byte) {
	var frame Frame
	if err := json.Unmarshal(message, &frame); err != nil {
		c.Server.enqueue(c, errorFrame("malformed frame"))
		return
	}
	if !frame.Type.routable() {
		c.Server.enqueue(c, errorFrame(fmt.Sprintf("frame type %q cannot be routed", frame.Type)))
		return
	}
	if frame.Dst == "" {
		c.Server.enqueue(c, errorFrame("frame has no destination"))
		return
	}
	c.Server.route(c.ID, frame)
}
