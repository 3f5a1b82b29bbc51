package domain

import (
	"errors"
	"fmt"
)

// Eligibility failure reasons, in evaluation order.
const (
	ReasonNotActive     = "not_active"
	ReasonWrongAudience = "wrong_audience"
	ReasonBelowMinimum  = "below_minimum"
	ReasonLimitReached  = "limit_reached"
)

// EligibilityError is a business decline: the shopper does not qualify.
type EligibilityError struct {
	Reason      string
	PromotionID string
}

func (e *EligibilityError) Error() string {
	return fmt.Sprintf("promotion %s not applicable: %s", e.PromotionID, e.Reason)
}

var (
	// ErrLimitExceeded means a reservation lost the race for the last slot
	// under a total or per-customer cap.
	ErrLimitExceeded = errors.New("promotion usage limit exceeded")

	// ErrRedemptionReleased means an order tried to reuse a reservation that
	// has already been released.
	ErrRedemptionReleased = errors.New("redemption already released for this order")

	// ErrLimitBelowUsage rejects lowering usage_limit_total under usage_count.
	ErrLimitBelowUsage = errors.New("usage limit below current usage count")
)
