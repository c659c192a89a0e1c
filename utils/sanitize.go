package utils

import "strings"

// Sanitize drops every character below U+0020 and every '%' and '?' from s.
// All removed characters are single-byte in UTF-8, so filtering bytes leaves
// multi-byte sequences intact.
func Sanitize(s string) string {
	drop := 0
	for i := 0; i < len(s); i++ {
		if isNoise(s[i]) {
			drop++
		}
	}
	if drop == 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) - drop)
	for i := 0; i < len(s); i++ {
		if !isNoise(s[i]) {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func isNoise(c byte) bool {
	return c < 0x20 || c == '%' || c == '?'
}
