package domain

import (
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Promotion type constants.
const (
	PromotionTypePercentage   = "percentage"
	PromotionTypeFixedAmount  = "fixed_amount"
	PromotionTypeFreeShipping = "free_shipping"
)

// Target audience constants.
const (
	AudienceAll          = "all"
	AudienceNewCustomers = "new_customers"
	AudienceVIP          = "vip"
	AudienceRegular      = "regular"
)

// MaxCodeLength bounds a redemption code after normalization.
const MaxCodeLength = 50

var codePattern = regexp.MustCompile(`^[A-Z0-9_-]+$`)

// Promotion is a discount rule with a validity window, targeting and usage
// limits. Money amounts are in the smallest currency unit.
type Promotion struct {
	ID                    string          `json:"id"`
	Name                  string          `json:"name"`
	Description           string          `json:"description"`
	Code                  string          `json:"code,omitempty"`
	Type                  string          `json:"type"`
	Value                 decimal.Decimal `json:"value"`
	TargetAudience        string          `json:"target_audience"`
	MinOrderAmount        *int64          `json:"min_order_amount"`
	StartsAt              time.Time       `json:"starts_at"`
	EndsAt                *time.Time      `json:"ends_at"`
	UsageLimitTotal       *int            `json:"usage_limit_total"`
	UsageLimitPerCustomer *int            `json:"usage_limit_per_customer"`
	IsActive              bool            `json:"is_active"`
	UsageCount            int             `json:"usage_count"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
	DeletedAt             *time.Time      `json:"-"`

	// Status is resolved at read time and never persisted.
	Status string `json:"status,omitempty"`
}

// IsAutomatic reports whether the promotion applies without a code.
func (p *Promotion) IsAutomatic() bool {
	return p.Code == ""
}

// Redemption is one application of a promotion to an order. Rows are
// append-only; ReleasedAt comes from the separate release log.
type Redemption struct {
	ID              string     `json:"id"`
	PromotionID     string     `json:"promotion_id"`
	CustomerID      *string    `json:"customer_id"`
	OrderID         string     `json:"order_id"`
	DiscountApplied int64      `json:"discount_applied"`
	ShippingWaived  bool       `json:"shipping_waived"`
	RedeemedAt      time.Time  `json:"redeemed_at"`
	ReleasedAt      *time.Time `json:"released_at,omitempty"`
}

// IsReleased reports whether the reservation has been reversed.
func (r *Redemption) IsReleased() bool {
	return r.ReleasedAt != nil
}

// ValidTypes returns the set of valid promotion types.
func ValidTypes() []string {
	return []string{PromotionTypePercentage, PromotionTypeFixedAmount, PromotionTypeFreeShipping}
}

// IsValidType checks whether t is a known promotion type.
func IsValidType(t string) bool {
	return slices.Contains(ValidTypes(), t)
}

// ValidAudiences returns the set of valid target audiences.
func ValidAudiences() []string {
	return []string{AudienceAll, AudienceNewCustomers, AudienceVIP, AudienceRegular}
}

// IsValidAudience checks whether a is a known target audience.
func IsValidAudience(a string) bool {
	return slices.Contains(ValidAudiences(), a)
}

// NormalizeCode upper-cases and trims a redemption code so lookups are
// case-insensitive.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Value bounds follow the storage column NUMERIC(14, 4).
const (
	MaxValueScale  = 4
	MaxFixedAmount = 9_999_999_999
)

var (
	hundred        = decimal.NewFromInt(100)
	maxFixedAmount = decimal.NewFromInt(MaxFixedAmount)
)

// Validate checks every definition invariant and returns one message per
// violated field, or nil when the definition is sound. Code must already be
// normalized.
func (p *Promotion) Validate() map[string]string {
	fields := make(map[string]string)

	name := strings.TrimSpace(p.Name)
	switch {
	case name == "":
		fields["name"] = "is required"
	case len(name) > 200:
		fields["name"] = "must be at most 200 characters"
	}

	if p.Code != "" {
		switch {
		case len(p.Code) > MaxCodeLength:
			fields["code"] = "must be at most 50 characters"
		case !codePattern.MatchString(p.Code):
			fields["code"] = "may contain only letters, digits, '-' and '_'"
		}
	}

	switch p.Type {
	case PromotionTypePercentage:
		switch {
		case !p.Value.IsPositive() || p.Value.GreaterThan(hundred):
			fields["value"] = "must be greater than 0 and at most 100"
		case !p.Value.Equal(p.Value.Truncate(MaxValueScale)):
			fields["value"] = "must have at most 4 decimal places"
		}
	case PromotionTypeFixedAmount:
		switch {
		case !p.Value.IsPositive() || !p.Value.IsInteger():
			fields["value"] = "must be a positive whole amount"
		case p.Value.GreaterThan(maxFixedAmount):
			fields["value"] = "must be at most 9999999999"
		}
	case PromotionTypeFreeShipping:
	default:
		fields["type"] = "must be one of: percentage, fixed_amount, free_shipping"
	}

	if !IsValidAudience(p.TargetAudience) {
		fields["target_audience"] = "must be one of: all, new_customers, vip, regular"
	}

	if p.MinOrderAmount != nil && *p.MinOrderAmount < 0 {
		fields["min_order_amount"] = "must not be negative"
	}

	if p.StartsAt.IsZero() {
		fields["starts_at"] = "is required"
	} else if p.EndsAt != nil && p.EndsAt.Before(p.StartsAt) {
		fields["ends_at"] = "must not be before starts_at"
	}

	if p.UsageLimitTotal != nil && *p.UsageLimitTotal < 1 {
		fields["usage_limit_total"] = "must be at least 1"
	}
	if p.UsageLimitPerCustomer != nil && *p.UsageLimitPerCustomer < 1 {
		fields["usage_limit_per_customer"] = "must be at least 1"
	}

	if len(fields) == 0 {
		return nil
	}
	return fields
}
