package repository

import (
	"context"
	"time"

	"github.com/utafrali/promotion-engine/internal/domain"
)

// PromotionFilter defines filter criteria for listing promotions.
type PromotionFilter struct {
	// Search matches code or name, case-insensitively.
	Search string
	Status *string
	Type   *string

	// Now is the instant status filtering is evaluated against. It must be
	// the same instant the caller annotates the results with.
	Now     time.Time
	Page    int
	PerPage int
}

// PromotionRepository defines persistence for promotion definitions. Deleted
// promotions are invisible to every read.
type PromotionRepository interface {
	// Create inserts a new promotion. A taken code yields ErrAlreadyExists.
	Create(ctx context.Context, p *domain.Promotion) error

	// GetByID retrieves a live promotion by id.
	GetByID(ctx context.Context, id string) (*domain.Promotion, error)

	// GetByCode retrieves a live promotion by its normalized code.
	GetByCode(ctx context.Context, code string) (*domain.Promotion, error)

	// ListAutomatic returns every live code-less promotion, oldest first.
	ListAutomatic(ctx context.Context) ([]domain.Promotion, error)

	// List returns promotions matching the filter along with the total count,
	// ordered by created_at descending then id.
	List(ctx context.Context, filter PromotionFilter) ([]domain.Promotion, int, error)

	// Update replaces the definition of p. usage_count is never written; the
	// stored value is read back into p. Lowering usage_limit_total below the
	// current usage_count yields domain.ErrLimitBelowUsage.
	Update(ctx context.Context, p *domain.Promotion) error

	// Toggle flips is_active and returns the updated promotion.
	Toggle(ctx context.Context, id string, now time.Time) (*domain.Promotion, error)

	// Delete soft-deletes a promotion referenced by any redemption and hard
	// deletes it otherwise. soft reports which one happened.
	Delete(ctx context.Context, id string, now time.Time) (soft bool, err error)
}

// RedemptionRepository is the ledger of promotion usage.
type RedemptionRepository interface {
	// Reserve records r and consumes one total slot and, for identified
	// customers, one per-customer slot, atomically. Losing the race for the
	// last slot yields domain.ErrLimitExceeded with nothing written. A second
	// reservation for the same (promotion, order) returns the original with
	// replayed set.
	Reserve(ctx context.Context, r *domain.Redemption) (stored *domain.Redemption, replayed bool, err error)

	// Release reverses a reservation. released is false when it had already
	// been released.
	Release(ctx context.Context, redemptionID string, now time.Time) (r *domain.Redemption, released bool, err error)

	// ListByOrder returns every redemption attached to an order.
	ListByOrder(ctx context.Context, orderID string) ([]domain.Redemption, error)

	// ListByPromotion returns a page of a promotion's redemptions, newest
	// first, along with the total count.
	ListByPromotion(ctx context.Context, promotionID string, page, perPage int) ([]domain.Redemption, int, error)

	// CustomerUsage returns how many live redemptions a customer holds for a
	// promotion.
	CustomerUsage(ctx context.Context, promotionID, customerID string) (int, error)
}
