// Package registry tracks which connections are bound to which session. It is
// pure in-memory bookkeeping: no blocking I/O happens inside any operation,
// and message delivery is a non-blocking enqueue on the target connection.
package registry

import (
	"log/slog"
	"sync"

	"classmon/pkg/interfaces"
	"classmon/pkg/types"
)

// Registry maps session codes to their bound teacher and student connections.
// Invariant: per session, at most one teacher handle and at most one handle
// per student userId are live at any instant. The replace-then-install
// sequence (detect occupant, force_disconnect notice, close, install) runs
// entirely under the registry mutex, so two racing binds for the same slot
// cannot interleave around it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
}

type entry struct {
	teacher  interfaces.Connection
	students map[string]interfaces.Connection
}

// Snapshot is a point-in-time copy of a session entry. The student map is a
// copy; the connection handles are live.
type Snapshot struct {
	Teacher  interfaces.Connection
	Students map[string]interfaces.Connection
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*entry)}
}

// BindTeacher installs conn as the session's teacher. A previous occupant
// (unless it is conn itself) receives a force_disconnect notice and is closed
// strictly before the install; the return value reports whether that happened.
func (r *Registry) BindTeacher(sessionCode string, conn interfaces.Connection) (replacedOld bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.ensure(sessionCode)
	if old := e.teacher; old != nil && old != conn {
		evict(old, "Newer teacher connection established.")
		replacedOld = true
	}
	e.teacher = conn
	return replacedOld
}

// BindStudent installs conn under userID, with the same replace-then-install
// discipline as BindTeacher.
func (r *Registry) BindStudent(sessionCode, userID string, conn interfaces.Connection) (replacedOld bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.ensure(sessionCode)
	if old := e.students[userID]; old != nil && old != conn {
		evict(old, "Newer student connection established.")
		replacedOld = true
	}
	e.students[userID] = conn
	return replacedOld
}

// Unbind removes conn from its slot, but only if that slot still holds this
// exact handle. A late unbind racing a newer bind for the same key is a no-op.
// Returns whether anything was removed. The entry itself is retained: entries
// are keyed by session code and reused until session termination.
func (r *Registry) Unbind(conn interfaces.Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[conn.SessionCode()]
	if !ok {
		return false
	}
	switch conn.Role() {
	case types.RoleTeacher:
		if e.teacher == conn {
			e.teacher = nil
			return true
		}
	case types.RoleStudent:
		if e.students[conn.UserID()] == conn {
			delete(e.students, conn.UserID())
			return true
		}
	}
	return false
}

// Lookup returns a snapshot of the session entry, or ok=false if no entry
// exists for the code.
func (r *Registry) Lookup(sessionCode string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[sessionCode]
	if !ok {
		return Snapshot{}, false
	}
	students := make(map[string]interfaces.Connection, len(e.students))
	for id, c := range e.students {
		students[id] = c
	}
	return Snapshot{Teacher: e.teacher, Students: students}, true
}

// Broadcast delivers msg to the teacher (if present) and every student in the
// session, skipping exclude when given. Delivery to a handle whose transport
// is gone is a no-op, not an error.
func (r *Registry) Broadcast(sessionCode string, msg any, exclude interfaces.Connection) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[sessionCode]
	if !ok {
		return
	}
	if e.teacher != nil && e.teacher != exclude {
		deliver(e.teacher, msg)
	}
	for _, c := range e.students {
		if c != exclude {
			deliver(c, msg)
		}
	}
}

// BroadcastStudents delivers msg to every student in the session, never the
// teacher. Used for settings pushes students must enforce.
func (r *Registry) BroadcastStudents(sessionCode string, msg any) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[sessionCode]
	if !ok {
		return
	}
	for _, c := range e.students {
		deliver(c, msg)
	}
}

// SendToUser delivers msg to the one connection identified by userID, matching
// the teacher by its stored userId or a student by map key. Returns false when
// no live match exists.
func (r *Registry) SendToUser(sessionCode, userID string, msg any) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[sessionCode]
	if !ok {
		return false
	}
	if e.teacher != nil && e.teacher.UserID() == userID {
		deliver(e.teacher, msg)
		return true
	}
	if c, ok := e.students[userID]; ok {
		deliver(c, msg)
		return true
	}
	return false
}

// SendToTeacher delivers msg to the session's teacher, if one is bound.
func (r *Registry) SendToTeacher(sessionCode string, msg any) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[sessionCode]
	if !ok || e.teacher == nil {
		return false
	}
	deliver(e.teacher, msg)
	return true
}

// ConnectedStudents returns the profiles of every bound student, for the
// initial_student_list snapshot and session detail queries.
func (r *Registry) ConnectedStudents(sessionCode string) []types.StudentProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[sessionCode]
	if !ok {
		return nil
	}
	profiles := make([]types.StudentProfile, 0, len(e.students))
	for _, c := range e.students {
		profiles = append(profiles, c.Profile())
	}
	return profiles
}

// Terminate handles the session termination signal: every bound connection is
// notified of session_ending, force-closed, and the entry is evicted.
func (r *Registry) Terminate(sessionCode string) (studentCount int) {
	r.mu.Lock()
	e, ok := r.sessions[sessionCode]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	conns := make([]interfaces.Connection, 0, len(e.students)+1)
	if e.teacher != nil {
		conns = append(conns, e.teacher)
	}
	for _, c := range e.students {
		conns = append(conns, c)
	}
	studentCount = len(e.students)
	delete(r.sessions, sessionCode)
	r.mu.Unlock()

	ending := types.Event(types.EventSessionEnding, map[string]string{"message": "Session ended by teacher."})
	for _, c := range conns {
		deliver(c, ending)
		if err := c.Close(); err != nil {
			slog.Debug("registry: closing connection on terminate", "session", sessionCode, "error", err)
		}
	}
	return studentCount
}

// Stats reports registry size for the health endpoint.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, e := range r.sessions {
		total += len(e.students)
		if e.teacher != nil {
			total++
		}
	}
	return map[string]int{
		"sessions":    len(r.sessions),
		"connections": total,
	}
}

// ensure is called with the write lock held. Entries are created lazily on
// first bind, never for unauthenticated sockets.
func (r *Registry) ensure(sessionCode string) *entry {
	e, ok := r.sessions[sessionCode]
	if !ok {
		e = &entry{students: make(map[string]interfaces.Connection)}
		r.sessions[sessionCode] = e
	}
	return e
}

func evict(old interfaces.Connection, reason string) {
	deliver(old, types.Event(types.EventForceDisconnect, map[string]string{"message": reason}))
	if err := old.Close(); err != nil {
		slog.Debug("registry: closing replaced connection", "user", old.UserID(), "error", err)
	}
}

func deliver(c interfaces.Connection, msg any) {
	if err := c.WriteJSON(msg); err != nil {
		// Closed or saturated transport; the read pump owns cleanup.
		slog.Debug("registry: dropped delivery", "user", c.UserID(), "error", err)
	}
}
