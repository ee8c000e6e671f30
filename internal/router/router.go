// Package router gives meaning to inbound messages: it parses the type string
// into the closed kind set, enforces the authentication and role gates, and
// runs the per-kind handler against the store and the registry.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"classmon/internal/registry"
	"classmon/internal/store"
	"classmon/pkg/interfaces"
	"classmon/pkg/types"
)

// Router implements gateway.Dispatcher.
type Router struct {
	registry    *registry.Registry
	verifier    interfaces.TokenVerifier
	store       interfaces.StateStore
	sink        interfaces.NotificationSink
	callTimeout time.Duration
}

func NewRouter(reg *registry.Registry, verifier interfaces.TokenVerifier, st interfaces.StateStore, sink interfaces.NotificationSink, callTimeout time.Duration) *Router {
	return &Router{
		registry:    reg,
		verifier:    verifier,
		store:       st,
		sink:        sink,
		callTimeout: callTimeout,
	}
}

// Dispatch routes one envelope. Gate order is fixed: kind parse, then
// authentication, then role. A failed gate answers on the same connection and
// never reaches a handler.
func (r *Router) Dispatch(conn interfaces.Connection, env types.Envelope) {
	kind, ok := types.ParseKind(env.Type)
	if !ok {
		r.reply(conn, env, types.ErrorResponse(env.RequestID, "Unhandled message type: "+env.Type))
		return
	}

	if kind == types.KindAuthenticate {
		r.handleAuthenticate(conn, env)
		return
	}

	if !conn.Authenticated() {
		r.reply(conn, env, types.ErrorResponse(env.RequestID, msgNotAuthenticated))
		return
	}
	if want := kind.RequiredRole(); want != "" && conn.Role() != want {
		r.reply(conn, env, types.ErrorResponse(env.RequestID, msgPermissionDenied))
		return
	}
	conn.Touch()

	switch kind {
	case types.KindGetSessionDetails:
		r.handleGetSessionDetails(conn, env)
	case types.KindGetApps:
		r.handleGetApps(conn, env)
	case types.KindGetSessionSettings:
		r.handleGetSessionSettings(conn, env)
	case types.KindSetWebsiteList:
		r.handleSetWebsiteList(conn, env)
	case types.KindSetUSBBlocking:
		r.handleSetUSBBlocking(conn, env)
	case types.KindAddApp:
		r.handleAddApp(conn, env)
	case types.KindDeleteApp:
		r.handleDeleteApp(conn, env)
	case types.KindTeacherCommand:
		r.handleTeacherCommand(conn, env)
	case types.KindStudentUpdate:
		r.handleStudentUpdate(conn, env)
	}
}

func (r *Router) handleGetSessionDetails(conn interfaces.Connection, env types.Envelope) {
	ctx, cancel := r.callCtx()
	defer cancel()

	sess, err := r.store.GetSession(ctx, conn.SessionCode())
	if err != nil {
		r.replyStoreError(conn, env, err)
		return
	}
	r.reply(conn, env, types.SuccessResponse(env.RequestID, map[string]any{
		"session":           sess,
		"connectedStudents": r.registry.ConnectedStudents(conn.SessionCode()),
	}))
}

func (r *Router) handleGetApps(conn interfaces.Connection, env types.Envelope) {
	ctx, cancel := r.callCtx()
	defer cancel()

	apps, err := r.store.ListApps(ctx, conn.SessionCode())
	if err != nil {
		r.replyStoreError(conn, env, err)
		return
	}
	r.reply(conn, env, types.SuccessResponse(env.RequestID, map[string]any{"apps": apps}))
}

func (r *Router) handleGetSessionSettings(conn interfaces.Connection, env types.Envelope) {
	ctx, cancel := r.callCtx()
	defer cancel()

	snapshot, err := r.store.GetPolicySnapshot(ctx, conn.SessionCode())
	if err != nil {
		r.replyStoreError(conn, env, err)
		return
	}
	r.reply(conn, env, types.SuccessResponse(env.RequestID, snapshot))
}

func (r *Router) handleSetWebsiteList(conn interfaces.Connection, env types.Envelope) {
	var req struct {
		ListKind types.ListKind `json:"listKind"`
		Websites []string       `json:"websites"`
	}
	if err := json.Unmarshal(env.Payload, &req); err != nil || !types.ValidListKind(req.ListKind) {
		r.reply(conn, env, types.ErrorResponse(env.RequestID, msgInvalidPayload))
		return
	}
	websites := types.NormalizeWebsites(req.Websites)

	ctx, cancel := r.callCtx()
	defer cancel()
	applied, err := r.store.SetWebsiteList(ctx, conn.SessionCode(), conn.UserID(), req.ListKind, websites)
	if err != nil {
		r.replyStoreError(conn, env, err)
		return
	}
	if !applied {
		r.reply(conn, env, types.ErrorResponse(env.RequestID, msgPermissionDenied))
		return
	}

	// The whole session hears the change, the sender included: students must
	// enforce it, the teacher UI must reflect it even if another teacher
	// device issued it.
	r.registry.Broadcast(conn.SessionCode(), types.Event(types.EventSettingsUpdate, map[string]any{
		"listKind": req.ListKind,
		"websites": websites,
	}), nil)
	r.reply(conn, env, types.SuccessResponse(env.RequestID, map[string]any{
		"listKind": req.ListKind,
		"websites": websites,
	}))
}

func (r *Router) handleSetUSBBlocking(conn interfaces.Connection, env types.Envelope) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		r.reply(conn, env, types.ErrorResponse(env.RequestID, msgInvalidPayload))
		return
	}

	ctx, cancel := r.callCtx()
	defer cancel()
	applied, err := r.store.SetUSBBlocking(ctx, conn.SessionCode(), conn.UserID(), req.Enabled)
	if err != nil {
		r.replyStoreError(conn, env, err)
		return
	}
	if !applied {
		r.reply(conn, env, types.ErrorResponse(env.RequestID, msgPermissionDenied))
		return
	}

	r.registry.BroadcastStudents(conn.SessionCode(), types.Event(types.EventSettingsUpdate, map[string]any{
		"blockUsb": req.Enabled,
	}))
	r.reply(conn, env, types.SuccessResponse(env.RequestID, map[string]any{"blockUsb": req.Enabled}))
}

func (r *Router) handleAddApp(conn interfaces.Connection, env types.Envelope) {
	var req struct {
		AppName string `json:"appName"`
	}
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.AppName == "" {
		r.reply(conn, env, types.ErrorResponse(env.RequestID, msgInvalidPayload))
		return
	}

	ctx, cancel := r.callCtx()
	defer cancel()
	app, err := r.store.AddApp(ctx, conn.SessionCode(), conn.UserID(), req.AppName)
	if err != nil {
		r.replyStoreError(conn, env, err)
		return
	}

	r.registry.Broadcast(conn.SessionCode(), types.Event(types.EventAppAdded, map[string]any{
		"appName": app.AppName,
	}), nil)
	r.reply(conn, env, types.SuccessResponse(env.RequestID, map[string]any{"app": app}))
}

func (r *Router) handleDeleteApp(conn interfaces.Connection, env types.Envelope) {
	var req struct {
		AppName string `json:"appName"`
	}
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.AppName == "" {
		r.reply(conn, env, types.ErrorResponse(env.RequestID, msgInvalidPayload))
		return
	}

	ctx, cancel := r.callCtx()
	defer cancel()
	app, err := r.store.RemoveApp(ctx, conn.SessionCode(), conn.UserID(), req.AppName)
	if errors.Is(err, interfaces.ErrAppNotFound) {
		r.reply(conn, env, types.ErrorResponse(env.RequestID, "App not found in blacklist."))
		return
	}
	if err != nil {
		r.replyStoreError(conn, env, err)
		return
	}

	r.registry.Broadcast(conn.SessionCode(), types.Event(types.EventAppRemoved, map[string]any{
		"appName": app.AppName,
	}), nil)
	r.reply(conn, env, types.SuccessResponse(env.RequestID, map[string]any{"app": app}))
}

// handleTeacherCommand relays an imperative command to one student or to all.
// force_disconnect is special-cased: it requires a target, and the target is
// hard-closed right after the notice so it cannot linger half-attached.
func (r *Router) handleTeacherCommand(conn interfaces.Connection, env types.Envelope) {
	var req struct {
		Command         string          `json:"command"`
		TargetStudentID string          `json:"targetStudentId"`
		Data            json.RawMessage `json:"data,omitempty"`
	}
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.Command == "" {
		r.reply(conn, env, types.ErrorResponse(env.RequestID, msgInvalidPayload))
		return
	}

	code := conn.SessionCode()
	if req.Command == "force_disconnect" {
		if req.TargetStudentID == "" {
			r.reply(conn, env, types.ErrorResponse(env.RequestID, "force_disconnect requires a target student."))
			return
		}
		snapshot, ok := r.registry.Lookup(code)
		target := snapshot.Students[req.TargetStudentID]
		if !ok || target == nil {
			r.reply(conn, env, types.ErrorResponse(env.RequestID, "Student not connected."))
			return
		}
		target.WriteJSON(types.Event(types.EventForceDisconnect, map[string]string{
			"message": "Disconnected by teacher.",
		}))
		target.Close()
		r.reply(conn, env, types.SuccessResponse(env.RequestID, map[string]string{
			"targetStudentId": req.TargetStudentID,
		}))
		return
	}

	cmd := types.Event("teacher_command", map[string]any{
		"command": req.Command,
		"data":    req.Data,
	})
	if req.TargetStudentID != "" {
		if !r.registry.SendToUser(code, req.TargetStudentID, cmd) {
			r.reply(conn, env, types.ErrorResponse(env.RequestID, "Student not connected."))
			return
		}
	} else {
		r.registry.BroadcastStudents(code, cmd)
	}
	r.reply(conn, env, types.SuccessResponse(env.RequestID, map[string]string{"command": req.Command}))
}

// handleStudentUpdate relays telemetry from a student to the session teacher
// as a student_data event. Most agents fire and forget, but one that tags the
// update with a requestId gets the response envelope every tagged request is
// owed. The update kind is accepted under either "type" or "updateType".
func (r *Router) handleStudentUpdate(conn interfaces.Connection, env types.Envelope) {
	var req struct {
		Type       string          `json:"type"`
		UpdateType string          `json:"updateType"`
		Data       json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		r.reply(conn, env, types.ErrorResponse(env.RequestID, msgInvalidPayload))
		return
	}
	kind := req.Type
	if kind == "" {
		kind = req.UpdateType
	}
	if kind == "" {
		r.reply(conn, env, types.ErrorResponse(env.RequestID, msgInvalidPayload))
		return
	}

	delivered := r.registry.SendToTeacher(conn.SessionCode(), types.Event(types.EventStudentData, map[string]any{
		"studentId":  conn.UserID(),
		"updateType": kind,
		"data":       req.Data,
	}))
	if !delivered {
		slog.Debug("student update with no teacher bound", "session", conn.SessionCode(), "student", conn.UserID())
	}

	if env.RequestID != "" {
		r.reply(conn, env, types.SuccessResponse(env.RequestID, map[string]any{"delivered": delivered}))
	}
}

func (r *Router) callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.callTimeout)
}

// replyStoreError maps store failures onto wire errors. Collaborator failures
// never terminate the connection: the client keeps its session and may retry.
func (r *Router) replyStoreError(conn interfaces.Connection, env types.Envelope, err error) {
	switch {
	case errors.Is(err, interfaces.ErrSessionNotFound):
		r.reply(conn, env, types.ErrorResponse(env.RequestID, "Session not found."))
	case errors.Is(err, interfaces.ErrSessionInactive):
		r.reply(conn, env, types.ErrorResponse(env.RequestID, "Session is no longer active."))
	case errors.Is(err, store.ErrNotAdmin):
		r.reply(conn, env, types.ErrorResponse(env.RequestID, msgPermissionDenied))
	default:
		slog.Error("store call failed", "type", env.Type, "session", conn.SessionCode(), "error", err)
		r.reply(conn, env, types.ErrorResponse(env.RequestID, msgInternalError))
	}
}

func (r *Router) reply(conn interfaces.Connection, env types.Envelope, msg types.Outbound) {
	if err := conn.WriteJSON(msg); err != nil {
		slog.Debug("reply dropped", "type", env.Type, "error", err)
	}
}
