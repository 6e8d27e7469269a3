package logutil

import "strings"

// SanitizeForLog strips control characters from a client-supplied string so it
// cannot inject fake log lines or terminal escape sequences into our logs.
// Newlines and tabs become single spaces; other control runes are dropped.
func SanitizeForLog(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return ' '
		}
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}
