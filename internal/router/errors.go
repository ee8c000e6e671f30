package router

// Client-facing error messages. Kept as constants so tests can assert on the
// exact wire text.
const (
	msgNotAuthenticated = "Not authenticated."
	msgPermissionDenied = "Permission denied."
	msgInvalidPayload   = "Invalid message payload."
	msgInternalError    = "Internal server error."
)
