package server

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// feedHub manages the set of active WebSocket connections and pushes
// freshly appended audit records to all of them. This is the backend for
// the live record feed on the dashboard.
//
// A single hub goroutine handles registration, unregistration, and
// broadcasting, so the connections map needs no lock — all mutations
// happen in the hub goroutine via channels.
type feedHub struct {
	connections map[*feedConn]bool

	// Messages sent here are forwarded to every client.
	broadcastCh chan []byte

	registerCh   chan *feedConn
	unregisterCh chan *feedConn
}

// feedConn wraps a single WebSocket connection.
type feedConn struct {
	conn *websocket.Conn
	send chan []byte
	mu   sync.Mutex // Protects concurrent writes.
}

// upgrader handles HTTP → WebSocket protocol upgrade. CheckOrigin allows
// all origins since the dashboard is served from the same port as the API
// (same-origin) and we want to support dev tools.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newFeedHub() *feedHub {
	return &feedHub{
		connections:  make(map[*feedConn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *feedConn),
		unregisterCh: make(chan *feedConn),
	}
}

// run is the main hub event loop. Runs in a background goroutine.
func (h *feedHub) run() {
	for {
		select {
		case conn := <-h.registerCh:
			h.connections[conn] = true
			slog.Debug("feed client connected", "total", len(h.connections))

		case conn := <-h.unregisterCh:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				close(conn.send)
				slog.Debug("feed client disconnected", "total", len(h.connections))
			}

		case msg := <-h.broadcastCh:
			for conn := range h.connections {
				select {
				case conn.send <- msg:
				default:
					// Client's send buffer is full — drop the connection so a
					// slow client cannot block broadcasts to the rest.
					delete(h.connections, conn)
					close(conn.send)
				}
			}
		}
	}
}

// broadcast sends a message to all connected clients. Non-blocking — if
// the broadcast channel is full, the message is dropped. The feed is
// best-effort; the authoritative history lives in the store.
func (h *feedHub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
	}
}

// handleWebSocket upgrades an HTTP connection and registers the client
// with the hub for receiving appended records.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &feedConn{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.feed.registerCh <- client

	go client.writePump()
	go client.readPump(s.feed)
}

// writePump sends messages from the send channel to the connection.
// Runs in a goroutine per client.
func (c *feedConn) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, msg)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// readPump drains incoming messages to detect disconnection; the feed is
// one-directional (server → client). On disconnect, unregisters from the
// hub.
func (c *feedConn) readPump(hub *feedHub) {
	defer func() {
		hub.unregisterCh <- c
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
