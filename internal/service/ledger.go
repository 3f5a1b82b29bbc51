package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/utafrali/promotion-engine/internal/domain"
	"github.com/utafrali/promotion-engine/internal/repository"
)

// Ledger outcome labels.
const (
	outcomeOK       = "ok"
	outcomeReplayed = "replayed"
	outcomeNoop     = "noop"
	outcomeRejected = "rejected"
	outcomeError    = "error"
)

// Ledger tracks promotion usage. Atomicity lives in the repository; the
// ledger adds instrumentation and order-level release.
type Ledger struct {
	repo   repository.RedemptionRepository
	logger *slog.Logger
}

// NewLedger creates a ledger over repo.
func NewLedger(repo repository.RedemptionRepository, logger *slog.Logger) *Ledger {
	return &Ledger{repo: repo, logger: logger}
}

// Reserve consumes usage for r. It fails fast with domain.ErrLimitExceeded
// when no slot is left; there is no retry here.
func (l *Ledger) Reserve(ctx context.Context, r *domain.Redemption) (*domain.Redemption, bool, error) {
	start := time.Now()
	stored, replayed, err := l.repo.Reserve(ctx, r)
	ledgerDuration.WithLabelValues("reserve").Observe(time.Since(start).Seconds())

	switch {
	case err == nil && replayed:
		ledgerOperations.WithLabelValues("reserve", outcomeReplayed).Inc()
	case err == nil:
		ledgerOperations.WithLabelValues("reserve", outcomeOK).Inc()
	case errors.Is(err, domain.ErrLimitExceeded), errors.Is(err, domain.ErrRedemptionReleased):
		ledgerOperations.WithLabelValues("reserve", outcomeRejected).Inc()
		l.logger.InfoContext(ctx, "reservation rejected",
			slog.String("promotion_id", r.PromotionID),
			slog.String("order_id", r.OrderID),
			slog.String("reason", err.Error()),
		)
	default:
		ledgerOperations.WithLabelValues("reserve", outcomeError).Inc()
	}

	return stored, replayed, err
}

// Release reverses one reservation. Releasing twice is a no-op.
func (l *Ledger) Release(ctx context.Context, redemptionID string, now time.Time) (*domain.Redemption, bool, error) {
	start := time.Now()
	r, released, err := l.repo.Release(ctx, redemptionID, now)
	ledgerDuration.WithLabelValues("release").Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		ledgerOperations.WithLabelValues("release", outcomeError).Inc()
	case released:
		ledgerOperations.WithLabelValues("release", outcomeOK).Inc()
		releasesTotal.Inc()
	default:
		ledgerOperations.WithLabelValues("release", outcomeNoop).Inc()
	}

	return r, released, err
}

// ReleaseOrder releases every live redemption of an order and returns the
// ones this call released.
func (l *Ledger) ReleaseOrder(ctx context.Context, orderID string, now time.Time) ([]domain.Redemption, error) {
	redemptions, err := l.OrderRedemptions(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("list order redemptions: %w", err)
	}

	released := []domain.Redemption{}
	for _, r := range redemptions {
		if r.IsReleased() {
			continue
		}
		out, ok, err := l.Release(ctx, r.ID, now)
		if err != nil {
			return released, fmt.Errorf("release redemption %s: %w", r.ID, err)
		}
		if ok {
			released = append(released, *out)
		}
	}

	return released, nil
}

// OrderRedemptions returns every redemption attached to an order, released
// ones included.
func (l *Ledger) OrderRedemptions(ctx context.Context, orderID string) ([]domain.Redemption, error) {
	return l.repo.ListByOrder(ctx, orderID)
}

// CustomerUsage returns the customer's live redemption count for a promotion.
func (l *Ledger) CustomerUsage(ctx context.Context, promotionID, customerID string) (int, error) {
	return l.repo.CustomerUsage(ctx, promotionID, customerID)
}

// History returns a page of a promotion's redemptions.
func (l *Ledger) History(ctx context.Context, promotionID string, page, perPage int) ([]domain.Redemption, int, error) {
	return l.repo.ListByPromotion(ctx, promotionID, page, perPage)
}
