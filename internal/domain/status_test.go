package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolveStatus_Precedence(t *testing.T) {
	now := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	yesterday := now.Add(-24 * time.Hour)
	tomorrow := now.Add(24 * time.Hour)

	tests := []struct {
		name string
		p    Promotion
		want string
	}{
		{"open ended", Promotion{IsActive: true, StartsAt: yesterday}, StatusActive},
		{"kill switch beats everything", Promotion{IsActive: false, StartsAt: tomorrow, EndsAt: &yesterday}, StatusInactive},
		{"not started", Promotion{IsActive: true, StartsAt: tomorrow}, StatusFuture},
		{"ended", Promotion{IsActive: true, StartsAt: yesterday.Add(-time.Hour), EndsAt: &yesterday}, StatusExpired},
		{"expired beats exhausted", Promotion{IsActive: true, StartsAt: yesterday.Add(-time.Hour), EndsAt: &yesterday, UsageLimitTotal: ptr(1), UsageCount: 1}, StatusExpired},
		{"exhausted", Promotion{IsActive: true, StartsAt: yesterday, UsageLimitTotal: ptr(5), UsageCount: 5}, StatusExhausted},
		{"one slot left", Promotion{IsActive: true, StartsAt: yesterday, UsageLimitTotal: ptr(5), UsageCount: 4}, StatusActive},
		{"starts exactly now", Promotion{IsActive: true, StartsAt: now}, StatusActive},
		{"ends exactly now", Promotion{IsActive: true, StartsAt: yesterday, EndsAt: &now}, StatusActive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveStatus(&tt.p, now))
		})
	}
}

func TestResolveStatus_IsPure(t *testing.T) {
	now := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	p := Promotion{IsActive: true, StartsAt: now.Add(-time.Hour), UsageLimitTotal: ptr(3), UsageCount: 1}
	before := p

	first := ResolveStatus(&p, now)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ResolveStatus(&p, now))
	}
	assert.Equal(t, before, p, "resolving must not mutate the promotion")
}

func TestIsValidStatus(t *testing.T) {
	for _, s := range ValidStatuses() {
		assert.True(t, IsValidStatus(s))
	}
	assert.False(t, IsValidStatus("draft"))
}
