package router

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"classmon/internal/registry"
	"classmon/pkg/interfaces"
	"classmon/pkg/types"
)

// fakeConn records everything written to it.
type fakeConn struct {
	mu       sync.Mutex
	id       types.Identity
	state    types.ConnState
	messages []types.Outbound
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{state: types.StateUnauthenticated}
}

func (f *fakeConn) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if out, ok := v.(types.Outbound); ok {
		f.messages = append(f.messages, out)
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.state = types.StateTerminated
	return nil
}

func (f *fakeConn) Bind(id types.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != types.StateUnauthenticated {
		return errors.New("already bound")
	}
	f.id = id
	f.state = types.StateAuthenticated
	return nil
}

func (f *fakeConn) State() types.ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}
func (f *fakeConn) Authenticated() bool           { return f.State() == types.StateAuthenticated }
func (f *fakeConn) UserID() string                { return f.id.UserID }
func (f *fakeConn) Role() types.Role              { return f.id.Role }
func (f *fakeConn) SessionCode() string           { return f.id.SessionCode }
func (f *fakeConn) Profile() types.StudentProfile { return f.id.Profile }
func (f *fakeConn) Touch()                        {}
func (f *fakeConn) LastActivity() time.Time       { return time.Time{} }

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) received() []types.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Outbound, len(f.messages))
	copy(out, f.messages)
	return out
}

func (f *fakeConn) last(t *testing.T) types.Outbound {
	t.Helper()
	msgs := f.received()
	if len(msgs) == 0 {
		t.Fatal("no messages received")
	}
	return msgs[len(msgs)-1]
}

func (f *fakeConn) findByType(name string) (types.Outbound, bool) {
	for _, m := range f.received() {
		if m.Type == name {
			return m, true
		}
	}
	return types.Outbound{}, false
}

// fakeVerifier maps token strings to identities.
type fakeVerifier struct {
	identities map[string]*types.Identity
}

func (v *fakeVerifier) Verify(token string) (*types.Identity, error) {
	id, ok := v.identities[token]
	if !ok {
		return nil, errors.New("invalid token")
	}
	return id, nil
}

// fakeStore is an in-memory StateStore with switchable failure.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*types.Session
	apps     map[string][]*types.BlacklistedApp
	fail     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]*types.Session),
		apps:     make(map[string][]*types.BlacklistedApp),
	}
}

func (s *fakeStore) addSession(code, adminPC string, active bool) {
	s.sessions[code] = &types.Session{
		Code: code, AdminPC: adminPC, SessionType: types.SessionBlockApps,
		IsActive: active, CreatedAt: time.Now(),
		WebsiteBlacklist: []string{}, WebsiteWhitelist: []string{},
	}
}

func (s *fakeStore) CreateSession(ctx context.Context, sess *types.Session) error {
	s.sessions[sess.Code] = sess
	return nil
}

func (s *fakeStore) GetSession(ctx context.Context, code string) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	sess, ok := s.sessions[code]
	if !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	return sess, nil
}

func (s *fakeStore) IsActive(ctx context.Context, code string) (bool, error) {
	sess, err := s.GetSession(ctx, code)
	if err != nil {
		return false, err
	}
	return sess.IsActive, nil
}

func (s *fakeStore) EndSession(ctx context.Context, code, adminPC string) (*types.Session, error) {
	sess, err := s.GetSession(ctx, code)
	if err != nil {
		return nil, err
	}
	sess.IsActive = false
	return sess, nil
}

func (s *fakeStore) GetPolicySnapshot(ctx context.Context, code string) (*types.PolicySnapshot, error) {
	sess, err := s.GetSession(ctx, code)
	if err != nil {
		return nil, err
	}
	return &types.PolicySnapshot{
		SessionType:      sess.SessionType,
		BlockUSB:         sess.BlockUSB,
		WebsiteBlacklist: sess.WebsiteBlacklist,
		WebsiteWhitelist: sess.WebsiteWhitelist,
		AppBlacklist:     []string{},
	}, nil
}

func (s *fakeStore) SetWebsiteList(ctx context.Context, code, requesterID string, kind types.ListKind, websites []string) (bool, error) {
	sess, err := s.GetSession(ctx, code)
	if err != nil {
		return false, err
	}
	if sess.AdminPC != requesterID {
		return false, nil
	}
	if kind == types.ListWhitelist {
		sess.WebsiteWhitelist = websites
	} else {
		sess.WebsiteBlacklist = websites
	}
	return true, nil
}

func (s *fakeStore) SetUSBBlocking(ctx context.Context, code, requesterID string, enabled bool) (bool, error) {
	sess, err := s.GetSession(ctx, code)
	if err != nil {
		return false, err
	}
	if sess.AdminPC != requesterID {
		return false, nil
	}
	sess.BlockUSB = enabled
	return true, nil
}

func (s *fakeStore) AddApp(ctx context.Context, code, requesterID, appName string) (*types.BlacklistedApp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	app := &types.BlacklistedApp{ID: appName, SessionCode: code, AppName: appName, AddedBy: requesterID, IsActive: true}
	s.apps[code] = append(s.apps[code], app)
	return app, nil
}

func (s *fakeStore) RemoveApp(ctx context.Context, code, requesterID, appName string) (*types.BlacklistedApp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, app := range s.apps[code] {
		if app.AppName == appName {
			s.apps[code] = append(s.apps[code][:i], s.apps[code][i+1:]...)
			return app, nil
		}
	}
	return nil, interfaces.ErrAppNotFound
}

func (s *fakeStore) ListApps(ctx context.Context, code string) ([]*types.BlacklistedApp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apps[code], nil
}

func (s *fakeStore) AddStudent(ctx context.Context, rec *types.StudentRecord) error { return nil }

// fakeSink records notifications.
type fakeSink struct {
	mu      sync.Mutex
	records []types.NotificationKind
}

func (s *fakeSink) Record(ctx context.Context, sessionCode string, kind types.NotificationKind, details types.StudentProfile, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, kind)
	return nil
}

func (s *fakeSink) kinds() []types.NotificationKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.NotificationKind, len(s.records))
	copy(out, s.records)
	return out
}

type testEnv struct {
	router   *Router
	registry *registry.Registry
	store    *fakeStore
	sink     *fakeSink
	verifier *fakeVerifier
}

func newTestEnv() *testEnv {
	st := newFakeStore()
	st.addSession("ABC123", "admin-pc", true)
	sink := &fakeSink{}
	verifier := &fakeVerifier{identities: map[string]*types.Identity{
		"teacher-token": {UserID: "admin-pc", Role: types.RoleTeacher, SessionCode: "ABC123"},
		"student-token": {
			UserID: "pc-1", Role: types.RoleStudent, SessionCode: "ABC123",
			Profile: types.StudentProfile{StudentID: "pc-1", StudentName: "Alice", RollNo: "4", Class: "10A"},
		},
	}}
	reg := registry.NewRegistry()
	return &testEnv{
		router:   NewRouter(reg, verifier, st, sink, time.Second),
		registry: reg,
		store:    st,
		sink:     sink,
		verifier: verifier,
	}
}

func envelope(msgType, requestID string, payload any) types.Envelope {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return types.Envelope{Type: msgType, RequestID: requestID, Payload: raw}
}

func (e *testEnv) authenticate(t *testing.T, conn *fakeConn, token string) {
	t.Helper()
	e.router.Dispatch(conn, envelope("authenticate", "auth-1", map[string]string{"token": token}))
	if !conn.Authenticated() {
		t.Fatalf("connection did not authenticate with token %q", token)
	}
}

func errorMessage(t *testing.T, out types.Outbound) string {
	t.Helper()
	payload, ok := out.Payload.(map[string]string)
	if !ok {
		t.Fatalf("payload %T is not an error map", out.Payload)
	}
	return payload["message"]
}

func TestUnknownMessageType(t *testing.T) {
	env := newTestEnv()
	conn := newFakeConn()

	env.router.Dispatch(conn, envelope("fly_to_moon", "r1", nil))

	last := conn.last(t)
	if last.Status != types.StatusError || last.RequestID != "r1" {
		t.Fatalf("unexpected reply %+v", last)
	}
	if msg := errorMessage(t, last); msg != "Unhandled message type: fly_to_moon" {
		t.Errorf("message = %q", msg)
	}
}

func TestOperationsRequireAuthentication(t *testing.T) {
	env := newTestEnv()
	conn := newFakeConn()

	env.router.Dispatch(conn, envelope("get_apps", "r1", nil))

	if msg := errorMessage(t, conn.last(t)); msg != msgNotAuthenticated {
		t.Errorf("message = %q, want %q", msg, msgNotAuthenticated)
	}
	if conn.isClosed() {
		t.Error("gate failure must not close the connection")
	}
}

func TestAuthenticateInvalidTokenAllowsRetry(t *testing.T) {
	env := newTestEnv()
	conn := newFakeConn()

	env.router.Dispatch(conn, envelope("authenticate", "r1", map[string]string{"token": "garbage"}))

	last := conn.last(t)
	if last.Status != types.StatusError {
		t.Fatalf("expected error response, got %+v", last)
	}
	if conn.isClosed() {
		t.Fatal("invalid token must leave the socket open for retry")
	}

	env.authenticate(t, conn, "teacher-token")
}

func TestAuthenticateTeacherGetsStudentList(t *testing.T) {
	env := newTestEnv()

	student := newFakeConn()
	env.authenticate(t, student, "student-token")

	teacher := newFakeConn()
	env.authenticate(t, teacher, "teacher-token")

	list, ok := teacher.findByType(types.EventInitialStudentList)
	if !ok {
		t.Fatal("teacher did not receive initial_student_list")
	}
	payload := list.Payload.(map[string]any)
	students := payload["students"].([]types.StudentProfile)
	if len(students) != 1 || students[0].StudentID != "pc-1" {
		t.Errorf("initial list = %+v, want the connected student", students)
	}
}

func TestAuthenticateStudentGetsSettingsAndNotifiesTeacher(t *testing.T) {
	env := newTestEnv()
	teacher := newFakeConn()
	env.authenticate(t, teacher, "teacher-token")

	student := newFakeConn()
	env.authenticate(t, student, "student-token")

	if _, ok := student.findByType(types.EventInitialSettings); !ok {
		t.Error("student did not receive initial_settings")
	}
	joined, ok := teacher.findByType(types.EventStudentJoined)
	if !ok {
		t.Fatal("teacher did not receive student_joined")
	}
	profile := joined.Payload.(types.StudentProfile)
	if profile.StudentName != "Alice" {
		t.Errorf("student_joined profile = %+v", profile)
	}

	kinds := env.sink.kinds()
	if len(kinds) != 1 || kinds[0] != types.NotifyConnection {
		t.Errorf("recorded notifications = %v, want one connection", kinds)
	}
}

func TestAuthenticateAgainstEndedSessionTerminates(t *testing.T) {
	env := newTestEnv()
	env.store.addSession("DEAD00", "admin-pc", false)
	env.verifier.identities["dead-token"] = &types.Identity{
		UserID: "admin-pc", Role: types.RoleTeacher, SessionCode: "DEAD00",
	}

	conn := newFakeConn()
	env.router.Dispatch(conn, envelope("authenticate", "r1", map[string]string{"token": "dead-token"}))

	if msg := errorMessage(t, conn.last(t)); !strings.Contains(msg, "no longer active") {
		t.Errorf("message = %q", msg)
	}
	if !conn.isClosed() {
		t.Error("auth against an ended session must terminate the socket")
	}
}

func TestReauthenticationRejected(t *testing.T) {
	env := newTestEnv()
	conn := newFakeConn()
	env.authenticate(t, conn, "teacher-token")

	env.router.Dispatch(conn, envelope("authenticate", "r2", map[string]string{"token": "teacher-token"}))
	if msg := errorMessage(t, conn.last(t)); msg != "Already authenticated." {
		t.Errorf("message = %q", msg)
	}
	if conn.isClosed() {
		t.Error("re-auth attempt must not close the connection")
	}
}

func TestRoleGateBlocksStudentFromTeacherOps(t *testing.T) {
	env := newTestEnv()
	student := newFakeConn()
	env.authenticate(t, student, "student-token")

	env.router.Dispatch(student, envelope("add_app", "r1", map[string]string{"appName": "game.exe"}))

	if msg := errorMessage(t, student.last(t)); msg != msgPermissionDenied {
		t.Errorf("message = %q, want %q", msg, msgPermissionDenied)
	}
}

func TestSetWebsiteListBroadcastsToStudents(t *testing.T) {
	env := newTestEnv()
	teacher := newFakeConn()
	env.authenticate(t, teacher, "teacher-token")
	student := newFakeConn()
	env.authenticate(t, student, "student-token")

	env.router.Dispatch(teacher, envelope("set_website_list", "r1", map[string]any{
		"listKind": "blacklist",
		"websites": []string{" Facebook.com ", "facebook.com", "games.io"},
	}))

	last := teacher.last(t)
	if last.Status != types.StatusSuccess || last.RequestID != "r1" {
		t.Fatalf("reply = %+v", last)
	}

	update, ok := student.findByType(types.EventSettingsUpdate)
	if !ok {
		t.Fatal("student did not receive settings_update")
	}
	payload := update.Payload.(map[string]any)
	websites := payload["websites"].([]string)
	if len(websites) != 2 || websites[0] != "facebook.com" || websites[1] != "games.io" {
		t.Errorf("broadcast websites = %v, want normalized list", websites)
	}

	// The sender hears the session-wide push as well as the response.
	if _, ok := teacher.findByType(types.EventSettingsUpdate); !ok {
		t.Error("teacher did not receive the settings_update push")
	}
}

func TestSetWebsiteListRejectsBadKind(t *testing.T) {
	env := newTestEnv()
	teacher := newFakeConn()
	env.authenticate(t, teacher, "teacher-token")

	env.router.Dispatch(teacher, envelope("set_website_list", "r1", map[string]any{
		"listKind": "greylist",
		"websites": []string{"a.com"},
	}))

	if msg := errorMessage(t, teacher.last(t)); msg != msgInvalidPayload {
		t.Errorf("message = %q", msg)
	}
}

func TestSetUSBBlocking(t *testing.T) {
	env := newTestEnv()
	teacher := newFakeConn()
	env.authenticate(t, teacher, "teacher-token")
	student := newFakeConn()
	env.authenticate(t, student, "student-token")

	env.router.Dispatch(teacher, envelope("set_usb_blocking", "r1", map[string]bool{"enabled": true}))

	if teacher.last(t).Status != types.StatusSuccess {
		t.Fatalf("reply = %+v", teacher.last(t))
	}
	if _, ok := student.findByType(types.EventSettingsUpdate); !ok {
		t.Error("student did not receive the usb settings_update")
	}
}

func TestAddAndDeleteApp(t *testing.T) {
	env := newTestEnv()
	teacher := newFakeConn()
	env.authenticate(t, teacher, "teacher-token")
	student := newFakeConn()
	env.authenticate(t, student, "student-token")

	env.router.Dispatch(teacher, envelope("add_app", "r1", map[string]string{"appName": "game.exe"}))
	if teacher.last(t).Status != types.StatusSuccess {
		t.Fatalf("add_app reply = %+v", teacher.last(t))
	}
	if _, ok := student.findByType(types.EventAppAdded); !ok {
		t.Error("student did not receive app_added")
	}

	env.router.Dispatch(teacher, envelope("delete_app", "r2", map[string]string{"appName": "game.exe"}))
	if teacher.last(t).Status != types.StatusSuccess {
		t.Fatalf("delete_app reply = %+v", teacher.last(t))
	}
	if _, ok := student.findByType(types.EventAppRemoved); !ok {
		t.Error("student did not receive app_removed")
	}

	env.router.Dispatch(teacher, envelope("delete_app", "r3", map[string]string{"appName": "game.exe"}))
	if msg := errorMessage(t, teacher.last(t)); msg != "App not found in blacklist." {
		t.Errorf("message = %q", msg)
	}
}

func TestStudentUpdateRelayedToTeacher(t *testing.T) {
	env := newTestEnv()
	teacher := newFakeConn()
	env.authenticate(t, teacher, "teacher-token")
	student := newFakeConn()
	env.authenticate(t, student, "student-token")

	env.router.Dispatch(student, envelope("student_update", "", map[string]any{
		"type": "app_termination",
		"data": map[string]string{"appName": "game.exe"},
	}))

	data, ok := teacher.findByType(types.EventStudentData)
	if !ok {
		t.Fatal("teacher did not receive student_data")
	}
	payload := data.Payload.(map[string]any)
	if payload["studentId"] != "pc-1" || payload["updateType"] != "app_termination" {
		t.Errorf("student_data payload = %+v", payload)
	}
}

func TestStudentUpdateEchoesRequestID(t *testing.T) {
	env := newTestEnv()
	teacher := newFakeConn()
	env.authenticate(t, teacher, "teacher-token")
	student := newFakeConn()
	env.authenticate(t, student, "student-token")

	env.router.Dispatch(student, envelope("student_update", "r7", map[string]any{
		"type": "app_termination",
		"data": map[string]string{"appName": "game.exe"},
	}))

	last := student.last(t)
	if last.Type != types.TypeResponse || last.Status != types.StatusSuccess || last.RequestID != "r7" {
		t.Fatalf("reply = %+v, want a success response echoing r7", last)
	}

	// An untagged update stays fire-and-forget.
	before := len(student.received())
	env.router.Dispatch(student, envelope("student_update", "", map[string]any{
		"type": "battery_status",
		"data": map[string]string{"level": "40"},
	}))
	if after := len(student.received()); after != before {
		t.Errorf("untagged update produced %d extra messages", after-before)
	}
}

func TestForceDisconnectRequiresTarget(t *testing.T) {
	env := newTestEnv()
	teacher := newFakeConn()
	env.authenticate(t, teacher, "teacher-token")

	env.router.Dispatch(teacher, envelope("teacher_command", "r1", map[string]string{
		"command": "force_disconnect",
	}))

	if msg := errorMessage(t, teacher.last(t)); !strings.Contains(msg, "requires a target") {
		t.Errorf("message = %q", msg)
	}
}

func TestForceDisconnectClosesTarget(t *testing.T) {
	env := newTestEnv()
	teacher := newFakeConn()
	env.authenticate(t, teacher, "teacher-token")
	student := newFakeConn()
	env.authenticate(t, student, "student-token")

	env.router.Dispatch(teacher, envelope("teacher_command", "r1", map[string]string{
		"command":         "force_disconnect",
		"targetStudentId": "pc-1",
	}))

	if teacher.last(t).Status != types.StatusSuccess {
		t.Fatalf("reply = %+v", teacher.last(t))
	}
	if _, ok := student.findByType(types.EventForceDisconnect); !ok {
		t.Error("target did not receive force_disconnect")
	}
	if !student.isClosed() {
		t.Error("target connection left open after force_disconnect")
	}
}

func TestStoreFailureKeepsConnectionOpen(t *testing.T) {
	env := newTestEnv()
	teacher := newFakeConn()
	env.authenticate(t, teacher, "teacher-token")

	env.store.mu.Lock()
	env.store.fail = errors.New("disk on fire")
	env.store.mu.Unlock()

	env.router.Dispatch(teacher, envelope("get_session_details", "r1", nil))

	if msg := errorMessage(t, teacher.last(t)); msg != msgInternalError {
		t.Errorf("message = %q, want %q", msg, msgInternalError)
	}
	if teacher.isClosed() {
		t.Error("collaborator failure must not terminate the connection")
	}
}

func TestReconnectReplacesOldStudentHandle(t *testing.T) {
	env := newTestEnv()
	first := newFakeConn()
	env.authenticate(t, first, "student-token")

	second := newFakeConn()
	env.authenticate(t, second, "student-token")

	if !first.isClosed() {
		t.Error("old handle not closed on reconnect")
	}
	if _, ok := first.findByType(types.EventForceDisconnect); !ok {
		t.Error("old handle did not receive force_disconnect")
	}

	kinds := env.sink.kinds()
	if len(kinds) != 2 || kinds[1] != types.NotifyReconnection {
		t.Errorf("recorded notifications = %v, want connection then reconnection", kinds)
	}
}
