package types

// Kind is the closed set of inbound message kinds. Inbound type strings are
// parsed into a Kind once at the gateway boundary; the router switches over
// the enum so an unhandled kind is a compile-time visible hole, not a stray
// string falling into a default branch.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthenticate
	KindGetSessionDetails
	KindGetApps
	KindGetSessionSettings
	KindSetWebsiteList
	KindSetUSBBlocking
	KindAddApp
	KindDeleteApp
	KindTeacherCommand
	KindStudentUpdate
)

var kindNames = map[Kind]string{
	KindAuthenticate:       "authenticate",
	KindGetSessionDetails:  "get_session_details",
	KindGetApps:            "get_apps",
	KindGetSessionSettings: "get_session_settings",
	KindSetWebsiteList:     "set_website_list",
	KindSetUSBBlocking:     "set_usb_blocking",
	KindAddApp:             "add_app",
	KindDeleteApp:          "delete_app",
	KindTeacherCommand:     "teacher_command",
	KindStudentUpdate:      "student_update",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		m[name] = k
	}
	return m
}()

// ParseKind maps a wire type string onto the closed Kind set.
// Returns (KindUnknown, false) for anything outside it.
func ParseKind(s string) (Kind, bool) {
	k, ok := kindsByName[s]
	return k, ok
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// RequiredRole is the role gate for a kind. KindAuthenticate carries no gate
// (empty role): it is the only kind accepted before authentication.
func (k Kind) RequiredRole() Role {
	switch k {
	case KindStudentUpdate:
		return RoleStudent
	case KindGetSessionDetails, KindGetApps, KindGetSessionSettings,
		KindSetWebsiteList, KindSetUSBBlocking, KindAddApp, KindDeleteApp, KindTeacherCommand:
		return RoleTeacher
	default:
		return ""
	}
}
