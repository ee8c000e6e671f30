package types

import "testing"

func TestParseKind(t *testing.T) {
	cases := []struct {
		wire string
		want Kind
		ok   bool
	}{
		{"authenticate", KindAuthenticate, true},
		{"get_session_details", KindGetSessionDetails, true},
		{"get_apps", KindGetApps, true},
		{"get_session_settings", KindGetSessionSettings, true},
		{"set_website_list", KindSetWebsiteList, true},
		{"set_usb_blocking", KindSetUSBBlocking, true},
		{"add_app", KindAddApp, true},
		{"delete_app", KindDeleteApp, true},
		{"teacher_command", KindTeacherCommand, true},
		{"student_update", KindStudentUpdate, true},
		{"bogus", KindUnknown, false},
		{"", KindUnknown, false},
		{"AUTHENTICATE", KindUnknown, false},
	}
	for _, c := range cases {
		got, ok := ParseKind(c.wire)
		if got != c.want || ok != c.ok {
			t.Errorf("ParseKind(%q) = (%v, %v), want (%v, %v)", c.wire, got, ok, c.want, c.ok)
		}
	}
}

func TestKindStringRoundTrip(t *testing.T) {
	for k, name := range kindNames {
		if k.String() != name {
			t.Errorf("Kind(%d).String() = %q, want %q", k, k.String(), name)
		}
		parsed, ok := ParseKind(name)
		if !ok || parsed != k {
			t.Errorf("ParseKind(%q) did not round-trip", name)
		}
	}
	if KindUnknown.String() != "unknown" {
		t.Errorf("KindUnknown.String() = %q", KindUnknown.String())
	}
}

func TestRequiredRole(t *testing.T) {
	if got := KindAuthenticate.RequiredRole(); got != "" {
		t.Errorf("authenticate should carry no role gate, got %q", got)
	}
	if got := KindStudentUpdate.RequiredRole(); got != RoleStudent {
		t.Errorf("student_update gate = %q, want student", got)
	}
	teacherKinds := []Kind{
		KindGetSessionDetails, KindGetApps, KindGetSessionSettings,
		KindSetWebsiteList, KindSetUSBBlocking, KindAddApp, KindDeleteApp, KindTeacherCommand,
	}
	for _, k := range teacherKinds {
		if got := k.RequiredRole(); got != RoleTeacher {
			t.Errorf("%s gate = %q, want teacher", k, got)
		}
	}
}
