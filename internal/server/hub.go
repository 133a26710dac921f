package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/codefionn/reflexion/internal/collab"
	"github.com/codefionn/reflexion/internal/logger"
	"github.com/codefionn/reflexion/internal/orchestrator"
	"github.com/codefionn/reflexion/internal/step"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1024

	sendBuffer = 256
)

// Event types broadcast on /v1/stream.
const (
	EventPhase         = "phase"
	EventStep          = "step"
	EventRun           = "run"
	EventRound         = "round"
	EventCollaboration = "collaboration"
)

// Event is one message on the stream.
type Event struct {
	Type  string      `json:"type"`
	RunID string      `json:"run_id"`
	Time  time.Time   `json:"time"`
	Data  interface{} `json:"data,omitempty"`
}

// Hub fans events out to every connected websocket client. Slow clients are
// dropped instead of blocking a run.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan *Event
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	quit       chan struct{}
	stopOnce   sync.Once
	log        *logger.Logger
	now        func() time.Time
}

// NewHub creates a hub. Call Run to start delivering.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan *Event, sendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		quit:       make(chan struct{}),
		log:        logger.Global().WithPrefix("stream"),
		now:        time.Now,
	}
}

// Run delivers events until Stop is called.
func (h *Hub) Run() {
	h.log.Debug("websocket hub started")
	defer h.log.Debug("websocket hub stopped")

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.log.Debug("client registered: %s", c.id)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.log.Debug("client unregistered: %s", c.id)

		case ev := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- ev:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()

		case <-h.quit:
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop ends Run and disconnects all clients.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

// Publish queues an event. It never blocks; a full queue drops the event.
func (h *Hub) Publish(eventType, runID string, data interface{}) {
	ev := &Event{Type: eventType, RunID: runID, Time: h.now(), Data: data}
	select {
	case h.broadcast <- ev:
	default:
		h.log.Warn("broadcast channel full, dropping %s event", eventType)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Hooks publishes orchestrator progress.
func (h *Hub) Hooks() *orchestrator.Hooks {
	return &orchestrator.Hooks{
		OnPhase: func(ctx context.Context, runID string, from, to orchestrator.Phase) error {
			h.Publish(EventPhase, runID, map[string]string{"from": from.String(), "to": to.String()})
			return nil
		},
		OnStep: func(ctx context.Context, runID string, rec step.Record) error {
			h.Publish(EventStep, runID, rec)
			return nil
		},
		OnRun: func(ctx context.Context, s *orchestrator.Summary) error {
			h.Publish(EventRun, s.RunID, runEvent{
				Status:      s.Status,
				Reason:      s.Reason,
				FinalAnswer: s.FinalAnswer,
				TotalSteps:  s.TotalSteps,
				DurationMs:  s.DurationMs,
			})
			return nil
		},
	}
}

// CollabHooks publishes collaboration progress.
func (h *Hub) CollabHooks() *collab.Hooks {
	return &collab.Hooks{
		OnReview: func(ctx context.Context, runID string, round collab.Round) error {
			h.Publish(EventRound, runID, round)
			return nil
		},
		OnResult: func(ctx context.Context, r *collab.Result) error {
			h.Publish(EventCollaboration, r.RunID, runEvent{
				Status:      r.Status,
				Reason:      r.Reason,
				FinalAnswer: r.FinalAnswer,
				TotalSteps:  len(r.Rounds),
				DurationMs:  r.DurationMs,
			})
			return nil
		},
	}
}

type runEvent struct {
	Status      step.RunStatus `json:"status"`
	Reason      string         `json:"reason"`
	FinalAnswer *string        `json:"final_answer"`
	TotalSteps  int            `json:"total_steps"`
	DurationMs  int64          `json:"duration_ms"`
}

// client is one websocket subscriber. An optional run filter limits the
// events it receives.
type client struct {
	id    string
	hub   *Hub
	conn  *websocket.Conn
	send  chan *Event
	runID string
}

func newClient(h *Hub, conn *websocket.Conn, runID string) *client {
	return &client{
		id:    uuid.NewString(),
		hub:   h,
		conn:  conn,
		send:  make(chan *Event, sendBuffer),
		runID: runID,
	}
}

// readPump discards client messages and detects disconnects.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("websocket read error: %v", err)
			}
			return
		}
	}
}

// writePump sends queued events and keeps the connection alive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if c.runID != "" && ev.RunID != c.runID {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				c.hub.log.Error("failed to marshal event: %v", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
