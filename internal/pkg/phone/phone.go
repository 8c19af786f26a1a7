package phone

import (
	"strings"
	"unicode"
)

// Normalize strips every non-digit character. Providers receive numbers in
// this form and contacts are keyed on it.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if unicode.IsDigit(r) && r < unicode.MaxASCII {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FromJID extracts the phone number from a WhatsApp JID such as
// "5511999998888@s.whatsapp.net" or "5511999998888:12@s.whatsapp.net".
func FromJID(jid string) string {
	user := jid
	if i := strings.IndexByte(user, '@'); i >= 0 {
		user = user[:i]
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return Normalize(user)
}

// IsGroupJID reports whether jid addresses a group chat rather than a person.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@g.us") || strings.HasSuffix(jid, "@broadcast")
}
