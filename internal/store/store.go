// Package store persists session state in SQLite. It implements the state
// store and notification sink consumed by the gateway core and the REST API.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"classmon/pkg/interfaces"
	"classmon/pkg/types"
)

// Store wraps the SQLite handle. All policy writes are requester-checked:
// a write against a session the requester does not administer reports
// applied=false and changes nothing.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	// SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: pinging database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("database opened", "path", path)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session row. The caller supplies the code;
// a collision maps to ErrDuplicateCode so it can retry with a fresh one.
func (s *Store) CreateSession(ctx context.Context, sess *types.Session) error {
	blacklist, whitelist := encodeList(sess.WebsiteBlacklist), encodeList(sess.WebsiteWhitelist)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_code, admin_pc, session_type, block_usb,
			website_blacklist, website_whitelist, is_active, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		sess.Code, sess.AdminPC, sess.SessionType, sess.BlockUSB,
		blacklist, whitelist, sess.CreatedAt.UTC(), nullTime(sess.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateCode
		}
		return fmt.Errorf("store: creating session: %w", err)
	}
	return nil
}

// GetSession loads a session row with its student and app counts.
func (s *Store) GetSession(ctx context.Context, code string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT s.session_code, s.admin_pc, s.session_type, s.block_usb,
			s.website_blacklist, s.website_whitelist, s.is_active,
			s.created_at, s.ended_at, s.expires_at,
			(SELECT COUNT(*) FROM students st WHERE st.session_code = s.session_code),
			(SELECT COUNT(*) FROM blacklisted_apps a WHERE a.session_code = s.session_code AND a.is_active = 1)
		FROM sessions s WHERE s.session_code = ?`, code)

	var (
		sess                 types.Session
		blacklist, whitelist string
		endedAt, expiresAt   sql.NullTime
	)
	err := row.Scan(&sess.Code, &sess.AdminPC, &sess.SessionType, &sess.BlockUSB,
		&blacklist, &whitelist, &sess.IsActive, &sess.CreatedAt, &endedAt, &expiresAt,
		&sess.StudentCount, &sess.BlacklistedApps)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading session %s: %w", code, err)
	}
	sess.WebsiteBlacklist = decodeList(blacklist)
	sess.WebsiteWhitelist = decodeList(whitelist)
	sess.EndedAt = timePtr(endedAt)
	sess.ExpiresAt = timePtr(expiresAt)
	return &sess, nil
}

// IsActive reports whether the session exists and has not ended.
func (s *Store) IsActive(ctx context.Context, code string) (bool, error) {
	var active bool
	err := s.db.QueryRowContext(ctx,
		`SELECT is_active FROM sessions WHERE session_code = ?`, code).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, interfaces.ErrSessionNotFound
	}
	if err != nil {
		return false, fmt.Errorf("store: checking session %s: %w", code, err)
	}
	return active, nil
}

// EndSession marks the session inactive and returns its final state.
// Only the admin PC that created the session may end it.
func (s *Store) EndSession(ctx context.Context, code, adminPC string) (*types.Session, error) {
	sess, err := s.GetSession(ctx, code)
	if err != nil {
		return nil, err
	}
	if sess.AdminPC != adminPC {
		return nil, ErrNotAdmin
	}
	if !sess.IsActive {
		return nil, interfaces.ErrSessionInactive
	}

	ended := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET is_active = 0, ended_at = ? WHERE session_code = ? AND is_active = 1`,
		ended, code)
	if err != nil {
		return nil, fmt.Errorf("store: ending session %s: %w", code, err)
	}
	sess.IsActive = false
	sess.EndedAt = &ended
	return sess, nil
}

// GetPolicySnapshot assembles the policy state pushed to students on join.
func (s *Store) GetPolicySnapshot(ctx context.Context, code string) (*types.PolicySnapshot, error) {
	sess, err := s.GetSession(ctx, code)
	if err != nil {
		return nil, err
	}
	apps, err := s.ListApps(ctx, code)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(apps))
	for _, a := range apps {
		names = append(names, a.AppName)
	}
	return &types.PolicySnapshot{
		SessionType:      sess.SessionType,
		BlockUSB:         sess.BlockUSB,
		WebsiteBlacklist: sess.WebsiteBlacklist,
		WebsiteWhitelist: sess.WebsiteWhitelist,
		AppBlacklist:     names,
	}, nil
}

// SetWebsiteList replaces one of the website lists.
func (s *Store) SetWebsiteList(ctx context.Context, code, requesterID string, kind types.ListKind, websites []string) (bool, error) {
	column := "website_blacklist"
	if kind == types.ListWhitelist {
		column = "website_whitelist"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET `+column+` = ? WHERE session_code = ? AND admin_pc = ? AND is_active = 1`,
		encodeList(websites), code, requesterID)
	if err != nil {
		return false, fmt.Errorf("store: updating %s: %w", column, err)
	}
	return rowsChanged(res)
}

// SetUSBBlocking toggles the USB blocking flag.
func (s *Store) SetUSBBlocking(ctx context.Context, code, requesterID string, enabled bool) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET block_usb = ? WHERE session_code = ? AND admin_pc = ? AND is_active = 1`,
		enabled, code, requesterID)
	if err != nil {
		return false, fmt.Errorf("store: updating usb blocking: %w", err)
	}
	return rowsChanged(res)
}

// AddApp puts appName on the session's blacklist. Idempotent: an already
// active entry is returned as-is, a soft-deleted one is reactivated.
// App names are keyed case-insensitively and stored lowercased.
func (s *Store) AddApp(ctx context.Context, code, requesterID, appName string) (*types.BlacklistedApp, error) {
	appName = strings.ToLower(appName)
	if err := s.checkAdmin(ctx, code, requesterID); err != nil {
		return nil, err
	}

	existing, err := s.findApp(ctx, code, appName)
	if err != nil && !errors.Is(err, interfaces.ErrAppNotFound) {
		return nil, err
	}
	if existing != nil {
		if existing.IsActive {
			return existing, nil
		}
		_, err = s.db.ExecContext(ctx,
			`UPDATE blacklisted_apps SET is_active = 1, removed_at = NULL, added_by = ?, added_at = ? WHERE id = ?`,
			requesterID, time.Now().UTC(), existing.ID)
		if err != nil {
			return nil, fmt.Errorf("store: reactivating app: %w", err)
		}
		return s.findApp(ctx, code, appName)
	}

	app := &types.BlacklistedApp{
		ID:          uuid.NewString(),
		SessionCode: code,
		AppName:     appName,
		AddedBy:     requesterID,
		IsActive:    true,
		AddedAt:     time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO blacklisted_apps (id, session_code, app_name, added_by, is_active, added_at)
		 VALUES (?, ?, ?, ?, 1, ?)`,
		app.ID, app.SessionCode, app.AppName, app.AddedBy, app.AddedAt)
	if err != nil {
		return nil, fmt.Errorf("store: adding app: %w", err)
	}
	return app, nil
}

// RemoveApp soft-deletes an active blacklist entry, matching the app name
// case-insensitively.
func (s *Store) RemoveApp(ctx context.Context, code, requesterID, appName string) (*types.BlacklistedApp, error) {
	appName = strings.ToLower(appName)
	if err := s.checkAdmin(ctx, code, requesterID); err != nil {
		return nil, err
	}
	app, err := s.findApp(ctx, code, appName)
	if err != nil {
		return nil, err
	}
	if !app.IsActive {
		return nil, interfaces.ErrAppNotFound
	}

	removed := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`UPDATE blacklisted_apps SET is_active = 0, removed_at = ? WHERE id = ?`,
		removed, app.ID)
	if err != nil {
		return nil, fmt.Errorf("store: removing app: %w", err)
	}
	app.IsActive = false
	app.RemovedAt = &removed
	return app, nil
}

// ListApps returns the active blacklist entries for a session.
func (s *Store) ListApps(ctx context.Context, code string) ([]*types.BlacklistedApp, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_code, app_name, added_by, is_active, added_at, removed_at
		FROM blacklisted_apps WHERE session_code = ? AND is_active = 1
		ORDER BY added_at`, code)
	if err != nil {
		return nil, fmt.Errorf("store: listing apps: %w", err)
	}
	defer rows.Close()

	var apps []*types.BlacklistedApp
	for rows.Next() {
		app, err := scanApp(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// AddStudent records a student join.
func (s *Store) AddStudent(ctx context.Context, rec *types.StudentRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO students (id, session_code, student_name, class, roll_no, student_pc, joined_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionCode, rec.StudentName, rec.Class, rec.RollNo, rec.StudentPC, rec.JoinedAt.UTC())
	if err != nil {
		return fmt.Errorf("store: adding student: %w", err)
	}
	return nil
}

// Record implements interfaces.NotificationSink.
func (s *Store) Record(ctx context.Context, sessionCode string, kind types.NotificationKind, details types.StudentProfile, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, session_code, kind, student_id, student_name, roll_no, class, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), sessionCode, string(kind),
		details.StudentID, details.StudentName, details.RollNo, details.Class,
		message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: recording notification: %w", err)
	}
	return nil
}

func (s *Store) checkAdmin(ctx context.Context, code, requesterID string) error {
	var adminPC string
	var active bool
	err := s.db.QueryRowContext(ctx,
		`SELECT admin_pc, is_active FROM sessions WHERE session_code = ?`, code).Scan(&adminPC, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("store: checking session %s: %w", code, err)
	}
	if !active {
		return interfaces.ErrSessionInactive
	}
	if adminPC != requesterID {
		return ErrNotAdmin
	}
	return nil
}

// findApp matches case-insensitively so rows written before names were
// normalized still key correctly.
func (s *Store) findApp(ctx context.Context, code, appName string) (*types.BlacklistedApp, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_code, app_name, added_by, is_active, added_at, removed_at
		FROM blacklisted_apps WHERE session_code = ? AND LOWER(app_name) = ?
		ORDER BY added_at DESC LIMIT 1`, code, strings.ToLower(appName))
	app, err := scanApp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrAppNotFound
	}
	return app, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanApp(row scanner) (*types.BlacklistedApp, error) {
	var app types.BlacklistedApp
	var removedAt sql.NullTime
	err := row.Scan(&app.ID, &app.SessionCode, &app.AppName, &app.AddedBy,
		&app.IsActive, &app.AddedAt, &removedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scanning app row: %w", err)
	}
	app.RemovedAt = timePtr(removedAt)
	return &app, nil
}

func rowsChanged(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: rows affected: %w", err)
	}
	return n > 0, nil
}

func encodeList(list []string) string {
	if list == nil {
		list = []string{}
	}
	data, _ := json.Marshal(list)
	return string(data)
}

func decodeList(s string) []string {
	var list []string
	if err := json.Unmarshal([]byte(s), &list); err != nil || list == nil {
		return []string{}
	}
	return list
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}
