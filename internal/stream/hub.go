// Package stream pushes simulation events to live consumers: websocket
// clients through WSHub and other services through NATSPublisher. Both
// implement simulation.EventSink.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/contagion-engine/internal/metrics"
	"github.com/atmx/contagion-engine/internal/model"
)

// Message is the JSON frame sent to websocket clients, one per event.
type Message struct {
	SessionID string          `json:"session_id"`
	Seq       int             `json:"seq"`
	Type      model.EventType `json:"type"`
	Step      int             `json:"step"`
	Data      any             `json:"data"`
}

type frame struct {
	session string
	data    []byte
}

// WSHub manages websocket connections and broadcasts events to them. A
// client that connects with ?session=<id> only receives that session's
// events; without it, it receives everything.
type WSHub struct {
	clients    map[*websocket.Conn]string
	broadcast  chan frame
	register   chan subscription
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	log        *slog.Logger
}

type subscription struct {
	conn    *websocket.Conn
	session string
}

// NewWSHub creates a hub. A nil logger selects slog.Default().
func NewWSHub(logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan frame, 256),
		register:   make(chan subscription),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        logger,
	}
}

// Run is the hub's event loop. It returns when ctx is done, closing every
// client. A hub cannot be restarted.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.conn] = sub.session
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.log.Info("ws client connected", "session", sub.session, "total", n)

		case conn := <-h.unregister:
			h.drop(conn)

		case f := <-h.broadcast:
			h.mu.RLock()
			var dead []*websocket.Conn
			for conn, session := range h.clients {
				if session != "" && session != f.session {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
					dead = append(dead, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range dead {
				h.drop(conn)
			}
		}
	}
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues events for broadcast. It never blocks the simulation: when
// the buffer is full the frame is dropped.
func (h *WSHub) Publish(_ context.Context, sessionID string, events []model.Event) error {
	for _, ev := range events {
		data, err := json.Marshal(Message{
			SessionID: sessionID,
			Seq:       ev.Seq,
			Type:      ev.Type,
			Step:      ev.Step,
			Data:      ev.Data,
		})
		if err != nil {
			return err
		}
		select {
		case h.broadcast <- frame{session: sessionID, data: data}:
		default:
			h.log.Debug("ws frame dropped", "session", sessionID, "seq", ev.Seq)
		}
	}
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles websocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- subscription{conn: conn, session: r.URL.Query().Get("session")}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
