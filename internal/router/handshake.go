package router

import (
	"encoding/json"
	"errors"
	"log/slog"

	"classmon/pkg/interfaces"
	"classmon/pkg/types"
)

// handleAuthenticate runs the handshake: verify the token, check the session
// is live, bind the connection, install it in the registry, then deliver the
// role-specific initial state.
//
// Failure handling is deliberately split. A bad token leaves the socket open
// and unauthenticated so the client can retry with a fresh token. A dead or
// missing session terminates the socket: no retry can fix that.
func (r *Router) handleAuthenticate(conn interfaces.Connection, env types.Envelope) {
	if conn.State() != types.StateUnauthenticated {
		r.reply(conn, env, types.ErrorResponse(env.RequestID, "Already authenticated."))
		return
	}

	var req struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.Token == "" {
		r.reply(conn, env, types.ErrorResponse(env.RequestID, "Authentication failed: token is required."))
		return
	}

	id, err := r.verifier.Verify(req.Token)
	if err != nil {
		slog.Warn("authentication rejected", "error", err)
		r.reply(conn, env, types.ErrorResponse(env.RequestID, "Authentication failed: invalid or expired token."))
		return
	}

	ctx, cancel := r.callCtx()
	defer cancel()
	active, err := r.store.IsActive(ctx, id.SessionCode)
	if errors.Is(err, interfaces.ErrSessionNotFound) {
		r.reply(conn, env, types.ErrorResponse(env.RequestID, "Session not found."))
		conn.Close()
		return
	}
	if err != nil {
		slog.Error("session check failed during handshake", "session", id.SessionCode, "error", err)
		r.reply(conn, env, types.ErrorResponse(env.RequestID, msgInternalError))
		return
	}
	if !active {
		r.reply(conn, env, types.ErrorResponse(env.RequestID, "Session is no longer active."))
		conn.Close()
		return
	}

	if err := conn.Bind(*id); err != nil {
		r.reply(conn, env, types.ErrorResponse(env.RequestID, "Already authenticated."))
		return
	}

	switch id.Role {
	case types.RoleTeacher:
		r.finishTeacher(conn, env, id)
	case types.RoleStudent:
		r.finishStudent(conn, env, id)
	}
	slog.Info("authenticated", "session", id.SessionCode, "user", id.UserID, "role", id.Role)
}

func (r *Router) finishTeacher(conn interfaces.Connection, env types.Envelope, id *types.Identity) {
	replaced := r.registry.BindTeacher(id.SessionCode, conn)
	if replaced {
		slog.Info("teacher connection replaced", "session", id.SessionCode)
	}

	r.reply(conn, env, types.SuccessResponse(env.RequestID, map[string]any{
		"role":        id.Role,
		"sessionCode": id.SessionCode,
	}))
	r.reply(conn, env, types.Event(types.EventInitialStudentList, map[string]any{
		"students": r.registry.ConnectedStudents(id.SessionCode),
	}))
}

func (r *Router) finishStudent(conn interfaces.Connection, env types.Envelope, id *types.Identity) {
	replaced := r.registry.BindStudent(id.SessionCode, id.UserID, conn)

	r.reply(conn, env, types.SuccessResponse(env.RequestID, map[string]any{
		"role":        id.Role,
		"sessionCode": id.SessionCode,
	}))

	ctx, cancel := r.callCtx()
	defer cancel()
	snapshot, err := r.store.GetPolicySnapshot(ctx, id.SessionCode)
	if err != nil {
		slog.Error("loading policy snapshot", "session", id.SessionCode, "error", err)
	} else {
		r.reply(conn, env, types.Event(types.EventInitialSettings, snapshot))
	}

	r.registry.SendToTeacher(id.SessionCode, types.Event(types.EventStudentJoined, id.Profile))

	kind := types.NotifyConnection
	message := "Student " + id.Profile.StudentName + " has connected"
	if replaced {
		kind = types.NotifyReconnection
		message = "Student " + id.Profile.StudentName + " has reconnected"
	}
	recordCtx, recordCancel := r.callCtx()
	defer recordCancel()
	if err := r.sink.Record(recordCtx, id.SessionCode, kind, id.Profile, message); err != nil {
		slog.Error("recording connection notification", "session", id.SessionCode, "student", id.UserID, "error", err)
	}
}
