package relay

import (
	"context"
	"strings"
	"time"
)

// Wait sleeps for the duration or until the context is done.
func Wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// StringInArray reports whether s matches an element of list,
// case-insensitively. Empty s never matches.
func StringInArray(s string, list []string) bool {
	if s == "" {
		return false
	}
	for _, item := range list {
		if strings.EqualFold(s, item) {
			return true
		}
	}
	return false
}

// MatchesAny reports whether msg contains any of the given phrases. Used to
// classify skippable submission failures.
func MatchesAny(msg string, phrases []string) bool {
	for _, phrase := range phrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
