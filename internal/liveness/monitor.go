// Package liveness tracks per-student heartbeat freshness and raises
// edge-triggered presence transitions. It is independent of the WebSocket
// path: heartbeats arrive over REST from the student agent, so a wedged
// socket does not mask a live machine or vice versa.
package liveness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"classmon/internal/registry"
	"classmon/pkg/interfaces"
	"classmon/pkg/types"
)

type record struct {
	profile  types.StudentProfile
	lastSeen time.Time
	alive    bool
}

// Monitor is an explicit background service with a Start/Stop lifecycle. It
// keeps one record per (session, student) and emits exactly one notification
// per presence transition: alive -> dead when a heartbeat is older than the
// timeout, dead -> alive when one arrives after that.
type Monitor struct {
	registry *registry.Registry
	sink     interfaces.NotificationSink
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	records map[string]map[string]*record

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewMonitor(reg *registry.Registry, sink interfaces.NotificationSink, interval, timeout time.Duration) *Monitor {
	return &Monitor{
		registry: reg,
		sink:     sink,
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
		records:  make(map[string]map[string]*record),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (m *Monitor) Start() {
	go m.run()
	slog.Info("liveness monitor started", "interval", m.interval, "timeout", m.timeout)
}

// Stop halts the sweep loop and waits for it to exit. Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Monitor) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.check(m.now())
		case <-m.stop:
			return
		}
	}
}

// Heartbeat records one beat from a student agent. The reconnection check
// reads the record before the timestamp is refreshed, so a beat that revives
// a dead student raises exactly one reconnection notice.
func (m *Monitor) Heartbeat(sessionCode string, profile types.StudentProfile) {
	m.mu.Lock()
	session, ok := m.records[sessionCode]
	if !ok {
		session = make(map[string]*record)
		m.records[sessionCode] = session
	}

	rec, known := session[profile.StudentID]
	revived := known && !rec.alive
	if !known {
		rec = &record{}
		session[profile.StudentID] = rec
	}
	rec.profile = profile
	rec.lastSeen = m.now()
	rec.alive = true
	m.mu.Unlock()

	if revived {
		m.notify(sessionCode, profile, types.NotifyReconnection,
			"Student "+profile.StudentName+" has reconnected")
	}
}

// Forget drops all records for a session, typically on termination.
func (m *Monitor) Forget(sessionCode string) {
	m.mu.Lock()
	delete(m.records, sessionCode)
	m.mu.Unlock()
}

// check sweeps every record against now. Split from the ticker loop so tests
// can drive time directly.
func (m *Monitor) check(now time.Time) {
	type timedOut struct {
		sessionCode string
		profile     types.StudentProfile
	}
	var expired []timedOut

	m.mu.Lock()
	for code, session := range m.records {
		for _, rec := range session {
			if rec.alive && now.Sub(rec.lastSeen) > m.timeout {
				rec.alive = false
				expired = append(expired, timedOut{sessionCode: code, profile: rec.profile})
			}
		}
	}
	m.mu.Unlock()

	for _, e := range expired {
		m.notify(e.sessionCode, e.profile, types.NotifyDisconnection,
			"Student "+e.profile.StudentName+" has disconnected")
	}
}

// notify pushes the transition to the session's teacher and persists it.
// The sink write is bounded so a slow database cannot stall the sweep.
func (m *Monitor) notify(sessionCode string, profile types.StudentProfile, kind types.NotificationKind, message string) {
	m.registry.SendToTeacher(sessionCode, types.Event(types.EventStudentData, map[string]any{
		"studentId":  profile.StudentID,
		"updateType": string(kind),
		"data":       map[string]string{"message": message},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.sink.Record(ctx, sessionCode, kind, profile, message); err != nil {
		slog.Error("recording presence notification", "session", sessionCode, "student", profile.StudentID, "error", err)
	}
	slog.Info("presence transition", "session", sessionCode, "student", profile.StudentID, "kind", kind)
}
