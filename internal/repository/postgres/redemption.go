package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/promotion-engine/internal/domain"
	"github.com/utafrali/promotion-engine/pkg/database"
	apperrors "github.com/utafrali/promotion-engine/pkg/errors"
)

const redemptionColumns = `r.id, r.promotion_id, r.customer_id, r.order_id,
	r.discount_applied, r.shipping_waived, r.redeemed_at, rr.released_at`

const redemptionFrom = `redemptions r
	LEFT JOIN redemption_releases rr ON rr.redemption_id = r.id`

// RedemptionRepository implements repository.RedemptionRepository using
// PostgreSQL. Redemptions and releases are insert-only; counters live on
// promotions.usage_count and customer_redemption_counts.
type RedemptionRepository struct {
	pool database.DBTX
}

// NewRedemptionRepository creates a new PostgreSQL-backed redemption ledger.
func NewRedemptionRepository(pool database.DBTX) *RedemptionRepository {
	return &RedemptionRepository{pool: pool}
}

// Reserve records a redemption and consumes usage slots in one transaction.
// Each counter moves through a single conditional statement, so the check
// and the increment cannot be split by a concurrent reservation.
func (r *RedemptionRepository) Reserve(ctx context.Context, red *domain.Redemption) (_ *domain.Redemption, _ bool, err error) {
	ctx, end := database.TraceQuery(ctx, "ReserveRedemption", "INSERT redemptions")
	defer func() { end(err) }()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var insertedID string
	err = tx.QueryRow(ctx, `
		INSERT INTO redemptions (
			id, promotion_id, customer_id, order_id, discount_applied, shipping_waived, redeemed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (promotion_id, order_id) DO NOTHING
		RETURNING id`,
		red.ID,
		red.PromotionID,
		red.CustomerID,
		red.OrderID,
		red.DiscountApplied,
		red.ShippingWaived,
		red.RedeemedAt,
	).Scan(&insertedID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return r.replay(ctx, tx, red.PromotionID, red.OrderID)
	case isForeignKeyViolation(err):
		return nil, false, apperrors.NotFound("promotion", red.PromotionID)
	case err != nil:
		return nil, false, fmt.Errorf("insert redemption: %w", err)
	}

	var perCustomerLimit *int
	err = tx.QueryRow(ctx, `
		UPDATE promotions
		SET usage_count = usage_count + 1
		WHERE id = $1 AND deleted_at IS NULL
		  AND (usage_limit_total IS NULL OR usage_count < usage_limit_total)
		RETURNING usage_limit_per_customer`,
		red.PromotionID,
	).Scan(&perCustomerLimit)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("increment promotion usage: %w", err)
		}
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM promotions WHERE id = $1 AND deleted_at IS NULL)`, red.PromotionID,
		).Scan(&exists); err != nil {
			return nil, false, fmt.Errorf("check promotion exists: %w", err)
		}
		if !exists {
			return nil, false, apperrors.NotFound("promotion", red.PromotionID)
		}
		return nil, false, domain.ErrLimitExceeded
	}

	if red.CustomerID != nil {
		var customerCount int
		err = tx.QueryRow(ctx, `
			INSERT INTO customer_redemption_counts (promotion_id, customer_id, usage_count)
			VALUES ($1, $2, 1)
			ON CONFLICT (promotion_id, customer_id) DO UPDATE
			SET usage_count = customer_redemption_counts.usage_count + 1
			WHERE $3::int IS NULL OR customer_redemption_counts.usage_count < $3::int
			RETURNING usage_count`,
			red.PromotionID, *red.CustomerID, perCustomerLimit,
		).Scan(&customerCount)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, false, domain.ErrLimitExceeded
			}
			return nil, false, fmt.Errorf("increment customer usage: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit transaction: %w", err)
	}

	stored := *red
	stored.ReleasedAt = nil
	return &stored, false, nil
}

// replay resolves a reservation that collided on (promotion_id, order_id).
func (r *RedemptionRepository) replay(ctx context.Context, tx pgx.Tx, promotionID, orderID string) (*domain.Redemption, bool, error) {
	existing, err := scanRedemption(tx.QueryRow(ctx,
		`SELECT `+redemptionColumns+` FROM `+redemptionFrom+`
		WHERE r.promotion_id = $1 AND r.order_id = $2`,
		promotionID, orderID,
	))
	if err != nil {
		return nil, false, fmt.Errorf("load existing redemption: %w", err)
	}
	if existing.IsReleased() {
		return nil, false, domain.ErrRedemptionReleased
	}
	return existing, true, nil
}

// Release appends a release row and gives the slots back. Only the call that
// inserts the release row decrements, which makes repeats no-ops.
func (r *RedemptionRepository) Release(ctx context.Context, redemptionID string, now time.Time) (_ *domain.Redemption, _ bool, err error) {
	ctx, end := database.TraceQuery(ctx, "ReleaseRedemption", "INSERT redemption_releases")
	defer func() { end(err) }()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	red, err := scanRedemption(tx.QueryRow(ctx,
		`SELECT `+redemptionColumns+` FROM `+redemptionFrom+`
		WHERE r.id = $1`,
		redemptionID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, apperrors.NotFound("redemption", redemptionID)
		}
		return nil, false, fmt.Errorf("load redemption: %w", err)
	}
	if red.IsReleased() {
		return red, false, nil
	}

	var releasedAt time.Time
	err = tx.QueryRow(ctx, `
		INSERT INTO redemption_releases (redemption_id, released_at)
		VALUES ($1, $2)
		ON CONFLICT (redemption_id) DO NOTHING
		RETURNING released_at`,
		redemptionID, now,
	).Scan(&releasedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// A concurrent release won; it did the decrement.
			red.ReleasedAt = &now
			return red, false, nil
		}
		return nil, false, fmt.Errorf("insert redemption release: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE promotions SET usage_count = usage_count - 1
		WHERE id = $1 AND usage_count > 0`,
		red.PromotionID,
	); err != nil {
		return nil, false, fmt.Errorf("decrement promotion usage: %w", err)
	}

	if red.CustomerID != nil {
		if _, err := tx.Exec(ctx, `
			UPDATE customer_redemption_counts SET usage_count = usage_count - 1
			WHERE promotion_id = $1 AND customer_id = $2 AND usage_count > 0`,
			red.PromotionID, *red.CustomerID,
		); err != nil {
			return nil, false, fmt.Errorf("decrement customer usage: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit transaction: %w", err)
	}

	red.ReleasedAt = &releasedAt
	return red, true, nil
}

// ListByOrder returns every redemption attached to an order.
func (r *RedemptionRepository) ListByOrder(ctx context.Context, orderID string) (_ []domain.Redemption, err error) {
	query := `SELECT ` + redemptionColumns + ` FROM ` + redemptionFrom + `
		WHERE r.order_id = $1
		ORDER BY r.redeemed_at ASC, r.id ASC`

	ctx, end := database.TraceQuery(ctx, "ListRedemptionsByOrder", query)
	defer func() { end(err) }()

	rows, err := r.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("list redemptions by order: %w", err)
	}
	defer rows.Close()

	redemptions := []domain.Redemption{}
	for rows.Next() {
		red, err := scanRedemption(rows)
		if err != nil {
			return nil, err
		}
		redemptions = append(redemptions, *red)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate redemption rows: %w", err)
	}

	return redemptions, nil
}

// ListByPromotion returns a page of a promotion's redemptions, newest first.
func (r *RedemptionRepository) ListByPromotion(ctx context.Context, promotionID string, page, perPage int) (_ []domain.Redemption, _ int, err error) {
	query := `SELECT ` + redemptionColumns + `, count(*) OVER() AS total_count
		FROM ` + redemptionFrom + `
		WHERE r.promotion_id = $1
		ORDER BY r.redeemed_at DESC, r.id ASC
		LIMIT $2 OFFSET $3`

	if perPage <= 0 {
		perPage = 20
	}
	offset := 0
	if page > 1 {
		offset = (page - 1) * perPage
	}

	ctx, end := database.TraceQuery(ctx, "ListRedemptionsByPromotion", query)
	defer func() { end(err) }()

	rows, err := r.pool.Query(ctx, query, promotionID, perPage, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list redemptions by promotion: %w", err)
	}
	defer rows.Close()

	var (
		redemptions = []domain.Redemption{}
		totalCount  int
	)
	for rows.Next() {
		red, err := scanRedemption(rows, &totalCount)
		if err != nil {
			return nil, 0, err
		}
		redemptions = append(redemptions, *red)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate redemption rows: %w", err)
	}

	return redemptions, totalCount, nil
}

// CustomerUsage returns the customer's live redemption count for a promotion.
func (r *RedemptionRepository) CustomerUsage(ctx context.Context, promotionID, customerID string) (_ int, err error) {
	query := `
		SELECT usage_count FROM customer_redemption_counts
		WHERE promotion_id = $1 AND customer_id = $2`

	ctx, end := database.TraceQuery(ctx, "CustomerUsage", query)
	defer func() { end(err) }()

	var count int
	err = r.pool.QueryRow(ctx, query, promotionID, customerID).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get customer usage: %w", err)
	}

	return count, nil
}

func scanRedemption(row rowScanner, extra ...any) (*domain.Redemption, error) {
	var red domain.Redemption

	dest := []any{
		&red.ID,
		&red.PromotionID,
		&red.CustomerID,
		&red.OrderID,
		&red.DiscountApplied,
		&red.ShippingWaived,
		&red.RedeemedAt,
		&red.ReleasedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan redemption: %w", err)
	}

	return &red, nil
}
