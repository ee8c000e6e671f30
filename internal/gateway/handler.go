// Package gateway owns the WebSocket boundary: upgrading HTTP requests,
// framing, per-connection write serialization, and connection teardown.
// Message semantics live behind the Dispatcher seam.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"classmon/internal/registry"
	"classmon/pkg/interfaces"
	"classmon/pkg/types"
)

// Dispatcher routes one parsed inbound envelope on behalf of a connection.
// Implemented by the router; declared here so the gateway does not import it.
type Dispatcher interface {
	Dispatch(conn interfaces.Connection, env types.Envelope)
}

// Options are the transport knobs the handler needs from configuration.
type Options struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
}

// Handler accepts WebSocket upgrades and runs the per-connection read pump.
type Handler struct {
	registry   *registry.Registry
	dispatcher Dispatcher
	opts       Options
	upgrader   websocket.Upgrader
}

func NewHandler(reg *registry.Registry, dispatcher Dispatcher, opts Options) *Handler {
	return &Handler{
		registry:   reg,
		dispatcher: dispatcher,
		opts:       opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are desktop agents, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket upgrades the request and services the connection until it
// closes. The socket starts unauthenticated; everything beyond the
// connection_ack greeting goes through the dispatcher.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := NewConn(ws, h.opts.BufferSize, h.opts.WriteTimeout)
	slog.Info("websocket connected", "remote", r.RemoteAddr)

	if err := conn.WriteJSON(types.Event(types.EventConnectionAck, map[string]string{
		"message": "Connected. Please authenticate.",
	})); err != nil {
		conn.Close()
		return
	}

	go h.pingLoop(conn)
	h.readLoop(conn, r.RemoteAddr)
}

func (h *Handler) readLoop(conn *Conn, remote string) {
	defer h.teardown(conn, remote)

	ws := conn.ws
	ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		conn.Touch()
		return ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read error", "remote", remote, "error", err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			conn.WriteJSON(types.ErrorEvent("Invalid message format."))
			continue
		}
		h.dispatcher.Dispatch(conn, env)
	}
}

func (h *Handler) pingLoop(conn *Conn) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(h.opts.WriteTimeout)
			if err := conn.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}

// teardown runs exactly once per connection, when its read pump exits. The
// unbind is conditional on the registry still holding this handle: if a newer
// connection replaced it, the departure already played out and the teacher
// must not see a student_left for a student who is still online.
func (h *Handler) teardown(conn *Conn, remote string) {
	wasStudent := conn.Authenticated() && conn.Role() == types.RoleStudent
	sessionCode := conn.SessionCode()
	profile := conn.Profile()

	removed := h.registry.Unbind(conn)
	conn.Close()

	if removed && wasStudent {
		h.registry.SendToTeacher(sessionCode, types.Event(types.EventStudentLeft, profile))
	}
	slog.Info("websocket disconnected", "remote", remote, "user", conn.UserID())
}
