package options

import (
	"strconv"
	"strings"
	"time"
)

// Int parses v as an int, falling back to def on error or absence.
func Int(v string, def int) int {
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return n
	}
	return def
}

// Bool parses v as a bool, falling back to def on error or absence.
func Bool(v string, def bool) bool {
	if v == "" {
		return def
	}
	if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
		return b
	}
	return def
}

// Duration parses v as a Go duration. Bare numbers are read as seconds so
// that REQUEST_TIMEOUT=30 style values keep working.
func Duration(v string, def time.Duration) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return def
}

// List splits a comma separated value, trimming blanks.
func List(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
