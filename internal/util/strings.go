package util

// LimitString truncates s to at most limit bytes without splitting a
// UTF-8 sequence. Response bodies pass through here before being
// persisted, so limit is a byte budget, not a rune count.
func LimitString(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}
