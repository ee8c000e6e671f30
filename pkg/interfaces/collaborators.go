package interfaces

import (
	"context"

	"classmon/pkg/types"
)

// TokenVerifier validates an opaque bearer token and resolves the identity
// embedded in it. Token minting lives with the authority, not the core.
type TokenVerifier interface {
	Verify(token string) (*types.Identity, error)
}

// StateStore is the persisted session state consumed by the core. All writes
// are requester-checked: a write against a session the requester does not
// administer reports applied=false rather than an error.
type StateStore interface {
	CreateSession(ctx context.Context, s *types.Session) error
	GetSession(ctx context.Context, code string) (*types.Session, error)
	IsActive(ctx context.Context, code string) (bool, error)
	EndSession(ctx context.Context, code, adminPC string) (*types.Session, error)

	GetPolicySnapshot(ctx context.Context, code string) (*types.PolicySnapshot, error)
	SetWebsiteList(ctx context.Context, code, requesterID string, kind types.ListKind, websites []string) (applied bool, err error)
	SetUSBBlocking(ctx context.Context, code, requesterID string, enabled bool) (applied bool, err error)

	AddApp(ctx context.Context, code, requesterID, appName string) (*types.BlacklistedApp, error)
	RemoveApp(ctx context.Context, code, requesterID, appName string) (*types.BlacklistedApp, error)
	ListApps(ctx context.Context, code string) ([]*types.BlacklistedApp, error)

	AddStudent(ctx context.Context, rec *types.StudentRecord) error
}

// NotificationSink records connectivity and policy events for later review.
// Fire-and-forget from the core's perspective: callers log failures and move on.
type NotificationSink interface {
	Record(ctx context.Context, sessionCode string, kind types.NotificationKind, details types.StudentProfile, message string) error
}
