package types

import (
	"encoding/json"
	"time"
)

// Role identifies which side of a session a connection belongs to.
// Set exactly once, during the authentication handshake.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// ConnState is the lifecycle state of a gateway connection.
// Transitions are forward-only: Unauthenticated -> Authenticated -> Terminated.
type ConnState int

const (
	StateUnauthenticated ConnState = iota
	StateAuthenticated
	StateTerminated
)

// Session types supported at creation time.
const (
	SessionBlockApps         = "BLOCK_APPS"
	SessionBlockAppsWebsites = "BLOCK_APPS_WEBSITES"
	SessionAllowWebsites     = "ALLOW_WEBSITES"
)

// ListKind selects which website list a set_website_list request targets.
type ListKind string

const (
	ListBlacklist ListKind = "blacklist"
	ListWhitelist ListKind = "whitelist"
)

// NotificationKind classifies rows written through the notification sink.
type NotificationKind string

const (
	NotifyConnection     NotificationKind = "connection"
	NotifyReconnection   NotificationKind = "reconnection"
	NotifyDisconnection  NotificationKind = "disconnection"
	NotifyAppTermination NotificationKind = "app_termination"
	NotifyUSBAlert       NotificationKind = "usb_alert"
	NotifyWebsiteBlock   NotificationKind = "website_block"
)

// Session is the persisted state of one classroom session, keyed by its code.
type Session struct {
	Code             string     `json:"sessionCode"`
	AdminPC          string     `json:"adminPc"`
	SessionType      string     `json:"sessionType"`
	BlockUSB         bool       `json:"blockUsb"`
	WebsiteBlacklist []string   `json:"websiteBlacklist"`
	WebsiteWhitelist []string   `json:"websiteWhitelist"`
	StudentCount     int        `json:"studentCount"`
	BlacklistedApps  int        `json:"blacklistedApps"`
	IsActive         bool       `json:"isActive"`
	CreatedAt        time.Time  `json:"createdAt"`
	EndedAt          *time.Time `json:"endedAt,omitempty"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
}

// PolicySnapshot is the policy state pushed to students as initial_settings
// and returned to teachers via get_session_settings.
type PolicySnapshot struct {
	SessionType      string   `json:"sessionType"`
	BlockUSB         bool     `json:"blockUsb"`
	WebsiteBlacklist []string `json:"websiteBlacklist"`
	WebsiteWhitelist []string `json:"websiteWhitelist"`
	AppBlacklist     []string `json:"appBlacklist"`
}

// StudentProfile carries the display attributes embedded in a student token.
// Immutable after authentication.
type StudentProfile struct {
	StudentID   string `json:"studentId"`
	StudentName string `json:"studentName"`
	RollNo      string `json:"rollNo"`
	Class       string `json:"class"`
}

// Identity is the verified payload of a bearer token.
type Identity struct {
	UserID      string
	Role        Role
	SessionCode string
	Profile     StudentProfile
}

// BlacklistedApp is one soft-deletable app blacklist row.
type BlacklistedApp struct {
	ID          string     `json:"id"`
	SessionCode string     `json:"sessionCode"`
	AppName     string     `json:"app_name"`
	AddedBy     string     `json:"addedBy"`
	IsActive    bool       `json:"isActive"`
	AddedAt     time.Time  `json:"addedAt"`
	RemovedAt   *time.Time `json:"removedAt,omitempty"`
}

// StudentRecord is the persisted join record for a student device.
type StudentRecord struct {
	ID          string    `json:"id"`
	SessionCode string    `json:"sessionCode"`
	StudentName string    `json:"studentName"`
	Class       string    `json:"class"`
	RollNo      string    `json:"rollNo"`
	StudentPC   string    `json:"studentPc"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// Envelope is the inbound wire format: { type, payload?, requestId? }.
// Payload stays raw until the handler for the concrete kind decodes it.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Outbound is the outgoing wire format, covering both pushed events
// (type + payload) and response envelopes (type "response" + requestId + status).
type Outbound struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Status    string `json:"status,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// Response envelope statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Outbound message type names.
const (
	TypeResponse = "response"
	TypeError    = "error"

	EventConnectionAck      = "connection_ack"
	EventForceDisconnect    = "force_disconnect"
	EventInitialStudentList = "initial_student_list"
	EventInitialSettings    = "initial_settings"
	EventStudentJoined      = "student_joined"
	EventStudentLeft        = "student_left"
	EventStudentData        = "student_data"
	EventSettingsUpdate     = "settings_update"
	EventAppAdded           = "app_added"
	EventAppRemoved         = "app_removed"
	EventSessionEnding      = "session_ending"
)

// Event builds a pushed event envelope.
func Event(name string, payload any) Outbound {
	return Outbound{Type: name, Payload: payload}
}

// SuccessResponse builds a success response envelope. The requestId is echoed
// when the request carried one and omitted otherwise.
func SuccessResponse(requestID string, payload any) Outbound {
	return Outbound{Type: TypeResponse, RequestID: requestID, Status: StatusSuccess, Payload: payload}
}

// ErrorResponse builds an error response envelope with a human-readable message.
func ErrorResponse(requestID string, message string) Outbound {
	return Outbound{Type: TypeResponse, RequestID: requestID, Status: StatusError, Payload: map[string]string{"message": message}}
}

// ErrorEvent builds a bare error push for clients that did not correlate a request.
func ErrorEvent(message string) Outbound {
	return Event(TypeError, map[string]string{"message": message})
}
