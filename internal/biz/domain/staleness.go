package domain

import "time"

// IsFresh reports whether lastSeen is no older than threshold at now.
// A zero lastSeen is never fresh.
func IsFresh(lastSeen, now time.Time, threshold time.Duration) bool {
	if lastSeen.IsZero() {
		return false
	}
	return now.Sub(lastSeen) <= threshold
}

// WithinWindow reports whether last happened strictly less than window before now
func WithinWindow(last, now time.Time, window time.Duration) bool {
	if last.IsZero() {
		return false
	}
	return now.Sub(last) < window
}

// Latest returns the later of two timestamps
func Latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
