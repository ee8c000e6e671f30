// Package api is the HTTP surface: session lifecycle and student join over
// REST, heartbeats from student agents, the WebSocket upgrade endpoint, and a
// health check. No business rules live here beyond request validation.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"classmon/internal/auth"
	"classmon/internal/liveness"
	"classmon/internal/registry"
	"classmon/internal/store"
	"classmon/pkg/interfaces"
	"classmon/pkg/types"
)

// Tokens issues the bearer tokens handed out by the REST endpoints.
type Tokens interface {
	interfaces.TokenVerifier
	IssueTeacher(sessionCode, adminPC string, ttl time.Duration) (string, error)
	IssueStudent(sessionCode string, profile types.StudentProfile, ttl time.Duration) (string, error)
}

// Options carries the token TTLs the server needs from configuration.
type Options struct {
	TeacherTokenTTL time.Duration
	StudentTokenTTL time.Duration
}

type Server struct {
	store    interfaces.StateStore
	tokens   Tokens
	registry *registry.Registry
	liveness *liveness.Monitor
	ws       http.Handler
	opts     Options
	limiter  *RateLimiter
	mux      *http.ServeMux
}

func NewServer(st interfaces.StateStore, tokens Tokens, reg *registry.Registry, mon *liveness.Monitor, ws http.Handler, opts Options) *Server {
	s := &Server{
		store:    st,
		tokens:   tokens,
		registry: reg,
		liveness: mon,
		ws:       ws,
		opts:     opts,
		limiter:  NewRateLimiter(120, time.Minute),
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/api/sessions", s.cors(s.jsonHeaders(http.HandlerFunc(s.handleSessions))))
	s.mux.Handle("/api/sessions/", s.cors(s.jsonHeaders(http.HandlerFunc(s.handleSessionSubtree))))
	s.mux.Handle("/health", s.cors(s.jsonHeaders(http.HandlerFunc(s.handleHealth))))
	s.mux.Handle("/ws", s.ws)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Limiter exposes the rate limiter for periodic cleanup.
func (s *Server) Limiter() *RateLimiter {
	return s.limiter
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createSession(w, r)
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		s.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleSessionSubtree dispatches /api/sessions/{code} and its children:
// DELETE {code}, POST {code}/join, POST {code}/heartbeat.
func (s *Server) handleSessionSubtree(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")
	code := strings.ToUpper(parts[0])
	if code == "" {
		s.sendError(w, http.StatusBadRequest, "Session code required")
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.endSession(w, r, code)
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.getSession(w, r, code)
	case len(parts) == 2 && parts[1] == "join" && r.Method == http.MethodPost:
		s.joinSession(w, r, code)
	case len(parts) == 2 && parts[1] == "heartbeat" && r.Method == http.MethodPost:
		s.heartbeat(w, r, code)
	case r.Method == http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		s.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

type createSessionRequest struct {
	AdminPC          string   `json:"adminPc"`
	SessionType      string   `json:"sessionType"`
	BlockUSB         bool     `json:"blockUsb"`
	WebsiteBlacklist []string `json:"websiteBlacklist"`
	WebsiteWhitelist []string `json:"websiteWhitelist"`
}

// createSession mints a session code, persists the session, and returns the
// teacher token. Code collisions retry with a fresh code.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientKey(r)) {
		s.sendError(w, http.StatusTooManyRequests, "Too many requests")
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.AdminPC == "" {
		s.sendError(w, http.StatusBadRequest, "adminPc is required")
		return
	}
	if !types.ValidSessionType(req.SessionType) {
		s.sendError(w, http.StatusBadRequest, "Invalid sessionType")
		return
	}

	sess := &types.Session{
		AdminPC:          req.AdminPC,
		SessionType:      req.SessionType,
		BlockUSB:         req.BlockUSB,
		WebsiteBlacklist: types.NormalizeWebsites(req.WebsiteBlacklist),
		WebsiteWhitelist: types.NormalizeWebsites(req.WebsiteWhitelist),
		IsActive:         true,
		CreatedAt:        time.Now().UTC(),
	}

	var err error
	for attempt := 0; attempt < 5; attempt++ {
		sess.Code = types.NewSessionCode()
		err = s.store.CreateSession(r.Context(), sess)
		if !errors.Is(err, store.ErrDuplicateCode) {
			break
		}
	}
	if err != nil {
		slog.Error("creating session", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	token, err := s.tokens.IssueTeacher(sess.Code, sess.AdminPC, s.opts.TeacherTokenTTL)
	if err != nil {
		slog.Error("issuing teacher token", "session", sess.Code, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}

	slog.Info("session created", "session", sess.Code, "admin", sess.AdminPC, "type", sess.SessionType)
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"sessionCode": sess.Code,
		"token":       token,
		"session":     sess,
	})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request, code string) {
	sess, err := s.store.GetSession(r.Context(), code)
	if errors.Is(err, interfaces.ErrSessionNotFound) {
		s.sendError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		slog.Error("loading session", "session", code, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get session")
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"session":           sess,
		"connectedStudents": s.registry.ConnectedStudents(code),
	})
}

// endSession tears the session down: live connections get session_ending and
// are closed, liveness records are dropped, the store row is closed out.
// Requires the teacher bearer token for this session.
func (s *Server) endSession(w http.ResponseWriter, r *http.Request, code string) {
	id, ok := s.bearerIdentity(w, r)
	if !ok {
		return
	}
	if id.Role != types.RoleTeacher || id.SessionCode != code {
		s.sendError(w, http.StatusForbidden, "Not the session teacher")
		return
	}

	sess, err := s.store.EndSession(r.Context(), code, id.UserID)
	switch {
	case errors.Is(err, interfaces.ErrSessionNotFound):
		s.sendError(w, http.StatusNotFound, "Session not found")
		return
	case errors.Is(err, interfaces.ErrSessionInactive):
		s.sendError(w, http.StatusBadRequest, "Session already ended")
		return
	case errors.Is(err, store.ErrNotAdmin):
		s.sendError(w, http.StatusForbidden, "Not the session teacher")
		return
	case err != nil:
		slog.Error("ending session", "session", code, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to end session")
		return
	}

	studentCount := s.registry.Terminate(code)
	s.liveness.Forget(code)

	duration := time.Duration(0)
	if sess.EndedAt != nil {
		duration = sess.EndedAt.Sub(sess.CreatedAt)
	}
	slog.Info("session ended", "session", code, "students", studentCount, "duration", duration)
	json.NewEncoder(w).Encode(map[string]any{
		"message":         "Session ended successfully",
		"sessionCode":     code,
		"studentCount":    studentCount,
		"durationSeconds": int(duration.Seconds()),
	})
}

type joinRequest struct {
	StudentName string `json:"studentName"`
	Class       string `json:"class"`
	RollNo      string `json:"rollNo"`
	StudentPC   string `json:"studentPc"`
}

// joinSession registers a student device with an active session and returns
// the student token it will authenticate the WebSocket with.
func (s *Server) joinSession(w http.ResponseWriter, r *http.Request, code string) {
	if !s.limiter.Allow(clientKey(r)) {
		s.sendError(w, http.StatusTooManyRequests, "Too many requests")
		return
	}

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.StudentName == "" {
		s.sendError(w, http.StatusBadRequest, "studentName is required")
		return
	}

	active, err := s.store.IsActive(r.Context(), code)
	if errors.Is(err, interfaces.ErrSessionNotFound) {
		s.sendError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		slog.Error("checking session", "session", code, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to join session")
		return
	}
	if !active {
		s.sendError(w, http.StatusGone, "Session has ended")
		return
	}

	if req.StudentPC == "" {
		req.StudentPC = types.NewStudentPC()
	}
	rec := &types.StudentRecord{
		ID:          req.StudentPC,
		SessionCode: code,
		StudentName: req.StudentName,
		Class:       req.Class,
		RollNo:      req.RollNo,
		StudentPC:   req.StudentPC,
		JoinedAt:    time.Now().UTC(),
	}
	if err := s.store.AddStudent(r.Context(), rec); err != nil {
		slog.Error("recording student join", "session", code, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to join session")
		return
	}

	profile := types.StudentProfile{
		StudentID:   rec.ID,
		StudentName: rec.StudentName,
		RollNo:      rec.RollNo,
		Class:       rec.Class,
	}
	token, err := s.tokens.IssueStudent(code, profile, s.opts.StudentTokenTTL)
	if err != nil {
		slog.Error("issuing student token", "session", code, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}

	// The agent applies current policy immediately, before the socket opens.
	snapshot, err := s.store.GetPolicySnapshot(r.Context(), code)
	if err != nil {
		slog.Error("loading policy snapshot on join", "session", code, "error", err)
		snapshot = nil
	}

	slog.Info("student joined", "session", code, "student", rec.ID, "name", rec.StudentName)
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"sessionCode": code,
		"studentId":   rec.ID,
		"token":       token,
		"settings":    snapshot,
	})
}

// heartbeat records one liveness beat from a student agent.
func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, code string) {
	id, ok := s.bearerIdentity(w, r)
	if !ok {
		return
	}
	if id.Role != types.RoleStudent || id.SessionCode != code {
		s.sendError(w, http.StatusForbidden, "Token does not match session")
		return
	}
	if !s.limiter.Allow(id.UserID) {
		s.sendError(w, http.StatusTooManyRequests, "Too many requests")
		return
	}

	s.liveness.Heartbeat(code, id.Profile)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "healthy",
		"timestamp":   time.Now().UTC(),
		"connections": s.registry.Stats(),
	})
}

// bearerIdentity extracts and verifies the Authorization bearer token,
// answering 401 itself on failure.
func (s *Server) bearerIdentity(w http.ResponseWriter, r *http.Request) (*types.Identity, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		s.sendError(w, http.StatusUnauthorized, "Bearer token required")
		return nil, false
	}
	id, err := s.tokens.Verify(token)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidToken) {
			slog.Warn("token verification failed", "error", err)
		}
		s.sendError(w, http.StatusUnauthorized, "Invalid or expired token")
		return nil, false
	}
	return id, true
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error":   http.StatusText(code),
		"code":    code,
		"message": message,
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
