package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/utafrali/promotion-engine/internal/domain"
	apperrors "github.com/utafrali/promotion-engine/pkg/errors"
)

// Eligibility is the verdict for one promotion. Reason is empty when
// Eligible is true.
type Eligibility struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

func declined(reason string) Eligibility {
	return Eligibility{Reason: reason}
}

// UsageReader reports per-customer usage from the ledger.
type UsageReader interface {
	CustomerUsage(ctx context.Context, promotionID, customerID string) (int, error)
}

// CustomerClassifier resolves an identified customer's profile. An unknown
// customer yields an error wrapping apperrors.ErrNotFound.
type CustomerClassifier interface {
	Classify(ctx context.Context, customerID string) (*domain.CustomerProfile, error)
}

// EligibilityEvaluator decides whether a customer and cart qualify for a
// promotion. Business declines are returned as values; errors are reserved
// for malformed input and infrastructure failures.
type EligibilityEvaluator struct {
	usage      UsageReader
	classifier CustomerClassifier
}

// NewEligibilityEvaluator creates an evaluator.
func NewEligibilityEvaluator(usage UsageReader, classifier CustomerClassifier) *EligibilityEvaluator {
	return &EligibilityEvaluator{usage: usage, classifier: classifier}
}

// Evaluate checks p against customer and cart at now.
func (e *EligibilityEvaluator) Evaluate(ctx context.Context, p *domain.Promotion, customer *domain.Customer, cart *domain.Cart, now time.Time) (Eligibility, error) {
	c, err := e.begin(customer, cart)
	if err != nil {
		return Eligibility{}, err
	}
	return c.evaluate(ctx, p, now)
}

// EvaluateAll checks every promotion in order. The customer is classified at
// most once across the whole batch.
func (e *EligibilityEvaluator) EvaluateAll(ctx context.Context, ps []domain.Promotion, customer *domain.Customer, cart *domain.Cart, now time.Time) ([]Eligibility, error) {
	c, err := e.begin(customer, cart)
	if err != nil {
		return nil, err
	}

	out := make([]Eligibility, len(ps))
	for i := range ps {
		if out[i], err = c.evaluate(ctx, &ps[i], now); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (e *EligibilityEvaluator) begin(customer *domain.Customer, cart *domain.Cart) (*check, error) {
	if customer == nil {
		return nil, apperrors.InvalidInput("customer identity is required")
	}
	if cart == nil {
		return nil, apperrors.InvalidInput("cart is required")
	}
	if cart.Subtotal < 0 || cart.ShippingFee < 0 {
		return nil, apperrors.InvalidInput("cart amounts must not be negative")
	}
	return &check{evaluator: e, customer: *customer, cart: *cart}, nil
}

// check carries one shopper's evaluation state.
type check struct {
	evaluator *EligibilityEvaluator
	customer  domain.Customer
	cart      domain.Cart

	classified bool
	profile    *domain.CustomerProfile
}

func (c *check) evaluate(ctx context.Context, p *domain.Promotion, now time.Time) (Eligibility, error) {
	if domain.ResolveStatus(p, now) != domain.StatusActive {
		return declined(domain.ReasonNotActive), nil
	}

	ok, err := c.inAudience(ctx, p.TargetAudience)
	if err != nil {
		return Eligibility{}, err
	}
	if !ok {
		return declined(domain.ReasonWrongAudience), nil
	}

	if p.MinOrderAmount != nil && c.cart.Subtotal < *p.MinOrderAmount {
		return declined(domain.ReasonBelowMinimum), nil
	}

	if p.UsageLimitPerCustomer != nil && !c.customer.IsAnonymous() {
		used, err := c.evaluator.usage.CustomerUsage(ctx, p.ID, c.customer.ID)
		if err != nil {
			return Eligibility{}, fmt.Errorf("read customer usage: %w", err)
		}
		if used >= *p.UsageLimitPerCustomer {
			return declined(domain.ReasonLimitReached), nil
		}
	}

	return Eligibility{Eligible: true}, nil
}

func (c *check) inAudience(ctx context.Context, audience string) (bool, error) {
	if audience == domain.AudienceAll {
		return true, nil
	}
	if c.customer.IsAnonymous() {
		return false, nil
	}

	profile, err := c.classify(ctx)
	if err != nil {
		return false, err
	}
	if profile == nil {
		return false, nil
	}

	switch audience {
	case domain.AudienceNewCustomers:
		return profile.CompletedOrders == 0, nil
	case domain.AudienceVIP:
		return profile.Segment == domain.SegmentVIP, nil
	case domain.AudienceRegular:
		return profile.Segment == domain.SegmentRegular, nil
	}
	return false, nil
}

// classify memoizes the classifier answer. An unknown customer has no
// profile and matches no targeted audience.
func (c *check) classify(ctx context.Context) (*domain.CustomerProfile, error) {
	if c.classified {
		return c.profile, nil
	}

	profile, err := c.evaluator.classifier.Classify(ctx, c.customer.ID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("classify customer: %w", err)
	}

	c.classified = true
	c.profile = profile
	if err != nil {
		c.profile = nil
	}
	return c.profile, nil
}
