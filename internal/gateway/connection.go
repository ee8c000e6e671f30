package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"classmon/pkg/types"
)

// Conn wraps a WebSocket connection behind a single writer goroutine, so any
// component may enqueue writes without racing on the socket. Identity fields
// are empty until the handshake binds them and immutable afterwards.
type Conn struct {
	ws           *websocket.Conn
	writeCh      chan []byte
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once

	mu           sync.RWMutex
	state        types.ConnState
	userID       string
	role         types.Role
	sessionCode  string
	profile      types.StudentProfile
	lastActivity time.Time
}

// NewConn wraps ws and starts its writer goroutine.
func NewConn(ws *websocket.Conn, bufferSize int, writeTimeout time.Duration) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:           ws,
		writeCh:      make(chan []byte, bufferSize),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
		state:        types.StateUnauthenticated,
		lastActivity: time.Now(),
	}
	go c.writeLoop()
	return c
}

// writeLoop cancels the connection context when it exits, so a dead
// transport fails subsequent enqueues fast instead of filling the buffer.
func (c *Conn) writeLoop() {
	defer c.cancel()
	for {
		select {
		case data := <-c.writeCh:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON marshals v and enqueues it for the writer goroutine. The enqueue
// never blocks: callers such as the registry deliver while holding locks, so
// a saturated buffer drops the message with ErrBufferFull instead of stalling
// the caller. Returns ErrConnClosed once the connection is down.
func (c *Conn) WriteJSON(v any) error {
	select {
	case <-c.ctx.Done():
		return ErrConnClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnClosed
	default:
		return ErrBufferFull
	}
}

// Close tears down the transport and marks the connection Terminated.
// Safe to call from any goroutine, any number of times.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = types.StateTerminated
		c.mu.Unlock()

		c.cancel()
		err = c.ws.Close()
	})
	return err
}

// Bind installs the verified identity, moving Unauthenticated -> Authenticated.
// The state machine is forward-only: a second bind fails and changes nothing.
func (c *Conn) Bind(id types.Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != types.StateUnauthenticated {
		return ErrAlreadyAuthenticated
	}
	c.state = types.StateAuthenticated
	c.userID = id.UserID
	c.role = id.Role
	c.sessionCode = id.SessionCode
	c.profile = id.Profile
	c.lastActivity = time.Now()
	return nil
}

func (c *Conn) State() types.ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Conn) Authenticated() bool {
	return c.State() == types.StateAuthenticated
}

func (c *Conn) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Conn) Role() types.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Conn) SessionCode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionCode
}

func (c *Conn) Profile() types.StudentProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.profile
}

// Touch records control-message activity.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Conn) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// Done is closed when the connection is torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}
