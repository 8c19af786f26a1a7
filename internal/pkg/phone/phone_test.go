package phone

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"5511999998888", "5511999998888"},
		{"+55 (11) 99999-8888", "5511999998888"},
		{" 1-800-FLOWERS ", "1800"},
		{"", ""},
		{"٣٤٥", ""},
	}

	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFromJID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"5511999998888@s.whatsapp.net", "5511999998888"},
		{"5511999998888:12@s.whatsapp.net", "5511999998888"},
		{"5511999998888", "5511999998888"},
	}

	for _, tt := range tests {
		if got := FromJID(tt.in); got != tt.want {
			t.Errorf("FromJID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if !IsGroupJID("120363025246125486@g.us") {
		t.Error("expected group jid to be detected")
	}
	if IsGroupJID("5511999998888@s.whatsapp.net") {
		t.Error("expected person jid not to be a group")
	}
}
