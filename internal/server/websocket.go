package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zeusync/firesim/internal/core/models"
	"github.com/zeusync/firesim/internal/core/observability/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const maxControlMessage = 4096

// Message is the JSON frame sent to websocket clients.
type Message struct {
	Type   string    `json:"type"`
	Source string    `json:"source,omitempty"`
	At     time.Time `json:"at"`
	Data   any       `json:"data,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// Message types that are not bus events.
const (
	MessageWelcome = "welcome"
	MessageReply   = "reply"
)

// ControlMessage is a command sent by a websocket client.
type ControlMessage struct {
	Action string `json:"action"`
	ID     uint64 `json:"id,omitempty"`
	Count  int    `json:"count,omitempty"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() { c.once.Do(func() { close(c.done) }) }

type hub struct {
	maxClients int
	buffer     int
	logger     log.Log

	mu      sync.RWMutex
	clients map[string]*client

	broadcasts atomic.Int64
	dropped    atomic.Int64
}

func newHub(maxClients, buffer int, logger log.Log) *hub {
	return &hub{
		maxClients: maxClients,
		buffer:     buffer,
		logger:     logger,
		clients:    make(map[string]*client),
	}
}

func (h *hub) add(conn *websocket.Conn) (*client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= h.maxClients {
		return nil, ErrMaxClientsReached
	}
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.buffer),
		done: make(chan struct{}),
	}
	h.clients[c.id] = c
	return c, nil
}

func (h *hub) full() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) >= h.maxClients
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.close()
}

// broadcast queues msg for every client. A client whose queue is full is
// dropped instead of blocking the publisher.
func (h *hub) broadcast(msg Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to encode event", log.String("type", msg.Type), log.Error(err))
		return
	}
	h.broadcasts.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.dropped.Add(1)
			h.logger.Warn("Dropping slow client", log.String("client_id", c.id))
			c.close()
		}
	}
}

// unicast queues msg for one client; it reports false if the queue is full.
func (h *hub) unicast(c *client, msg Message) bool {
	b, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (h *hub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.close()
	}
}

func (h *hub) stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{
		ClientCount: int64(n),
		Broadcasts:  h.broadcasts.Load(),
		Dropped:     h.dropped.Load(),
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub.full() {
		writeError(w, http.StatusServiceUnavailable, ErrMaxClientsReached)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", log.Error(err))
		return
	}

	c, err := s.hub.add(conn)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(s.config.WriteTimeout))
		_ = conn.Close()
		return
	}

	clientLogger := s.logger.With(log.String("client_id", c.id))
	clientLogger.Info("Client connected", log.String("remote_addr", r.RemoteAddr))

	s.hub.unicast(c, Message{Type: MessageWelcome, At: s.sim.Now(), Data: map[string]string{
		"client_id": c.id,
		"run_id":    s.sim.RunID(),
	}})

	go s.writePump(c, clientLogger)
	s.readPump(c, clientLogger)
}

func (s *Server) writePump(c *client, logger log.Log) {
	defer func() {
		s.hub.remove(c)
		_ = c.conn.Close()
		logger.Info("Client disconnected")
	}()

	for {
		select {
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				logger.Debug("Write failed", log.Error(err))
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.config.WriteTimeout))
			return
		}
	}
}

// readPump handles control messages until the connection fails.
func (s *Server) readPump(c *client, logger log.Log) {
	defer c.close()
	c.conn.SetReadLimit(maxControlMessage)

	for {
		_, p, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("Read failed", log.Error(err))
			}
			return
		}

		var cm ControlMessage
		if err := json.Unmarshal(p, &cm); err != nil {
			s.hub.unicast(c, Message{Type: MessageReply, At: s.sim.Now(), Error: ErrInvalidRequest.Error()})
			continue
		}
		data, err := s.control(cm)
		reply := Message{Type: MessageReply, At: s.sim.Now(), Data: data}
		if err != nil {
			reply.Error = err.Error()
		}
		if !s.hub.unicast(c, reply) {
			logger.Warn("Reply dropped", log.String("action", cm.Action))
		}
	}
}

// control applies a websocket command.
func (s *Server) control(cm ControlMessage) (any, error) {
	id := models.EntityID(cm.ID)
	switch cm.Action {
	case "ignite":
		ok, err := s.sim.Ignite(id)
		return map[string]any{"id": cm.ID, "changed": ok}, err
	case "extinguish":
		ok, err := s.sim.Extinguish(id)
		return map[string]any{"id": cm.ID, "changed": ok}, err
	case "toggle":
		st, err := s.sim.Toggle(id)
		return map[string]any{"id": cm.ID, "state": st.String()}, err
	case "ignite_random":
		n, err := s.sim.IgniteRandom(cm.Count)
		return map[string]any{"ignited": n}, err
	case "pause":
		return map[string]any{"changed": s.sim.Pause(), "paused": true}, nil
	case "resume":
		return map[string]any{"changed": s.sim.Resume(), "paused": false}, nil
	case "state":
		return s.sim.Stats(), nil
	}
	return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, cm.Action)
}
