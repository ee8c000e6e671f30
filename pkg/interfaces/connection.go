package interfaces

import (
	"time"

	"classmon/pkg/types"
)

// Connection is a live, bound socket as seen by the registry and router.
// The transport layer owns the socket lifecycle; holders of this interface
// only enqueue writes and read identity.
type Connection interface {
	// WriteJSON enqueues a JSON message for delivery (thread-safe, non-blocking
	// up to the write buffer). Writing to a closed connection is a no-op error.
	WriteJSON(v any) error

	// Close tears down the transport and moves the connection to Terminated.
	// Safe to call more than once.
	Close() error

	// Bind installs the verified identity and moves the connection from
	// Unauthenticated to Authenticated. Fails once authenticated: the state
	// machine is forward-only.
	Bind(id types.Identity) error

	State() types.ConnState
	Authenticated() bool
	UserID() string
	Role() types.Role
	SessionCode() string
	Profile() types.StudentProfile

	// Touch records control-message activity; LastActivity reads it back.
	Touch()
	LastActivity() time.Time
}
