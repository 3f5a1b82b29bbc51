package domain

import (
	"slices"
	"time"
)

// Lifecycle status constants. Status is derived, never stored.
const (
	StatusInactive  = "inactive"
	StatusFuture    = "future"
	StatusActive    = "active"
	StatusExpired   = "expired"
	StatusExhausted = "exhausted"
)

// ValidStatuses returns the set of statuses a promotion can resolve to.
func ValidStatuses() []string {
	return []string{StatusInactive, StatusFuture, StatusActive, StatusExpired, StatusExhausted}
}

// IsValidStatus checks whether s is a known status.
func IsValidStatus(s string) bool {
	return slices.Contains(ValidStatuses(), s)
}

// ResolveStatus derives the lifecycle status of p at now. The first matching
// rule wins: kill-switch, window start, window end, total usage cap.
func ResolveStatus(p *Promotion, now time.Time) string {
	switch {
	case !p.IsActive:
		return StatusInactive
	case now.Before(p.StartsAt):
		return StatusFuture
	case p.EndsAt != nil && now.After(*p.EndsAt):
		return StatusExpired
	case p.UsageLimitTotal != nil && p.UsageCount >= *p.UsageLimitTotal:
		return StatusExhausted
	default:
		return StatusActive
	}
}
