package util

import "strings"

// NormalizePhone keeps digits only: "+55 (11) 91234-5678" -> "5511912345678".
func NormalizePhone(p string) string {
	var b strings.Builder
	b.Grow(len(p))
	for _, r := range p {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// JIDToPhone extracts the number from a WhatsApp JID such as "5511912345678@s.whatsapp.net".
func JIDToPhone(jid string) string {
	if i := strings.IndexAny(jid, "@:"); i >= 0 {
		jid = jid[:i]
	}
	return NormalizePhone(jid)
}
