package secret

import "strings"

// Mask returns a masked representation of a secret string.
// Up to 5 characters are fully masked, up to 20 keep the first and last
// character, longer values keep the first 3 and the last one.
func Mask(s string) string {
	n := len(s)
	switch {
	case n == 0:
		return ""
	case n <= 5:
		return strings.Repeat("*", n)
	case n <= 20:
		return s[:1] + strings.Repeat("*", n-2) + s[n-1:]
	default:
		return s[:3] + strings.Repeat("*", n-4) + s[n-1:]
	}
}

// MaskURL masks the password of a connection URL such as a Redis address or a
// registry DSN. Values without credentials are returned unchanged.
func MaskURL(raw string) string {
	i := strings.Index(raw, "://")
	if i < 0 {
		return raw
	}
	rest := raw[i+3:]
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return raw
	}
	user, pass, ok := strings.Cut(rest[:at], ":")
	if !ok {
		return raw
	}
	return raw[:i+3] + user + ":" + Mask(pass) + rest[at:]
}
