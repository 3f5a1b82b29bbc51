package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/utafrali/promotion-engine/internal/domain"
	"github.com/utafrali/promotion-engine/internal/repository"
	"github.com/utafrali/promotion-engine/pkg/database"
	apperrors "github.com/utafrali/promotion-engine/pkg/errors"
)

// promotionColumns is the select list every promotion read uses. code is
// NULL for automatic promotions and value is read as text to keep the
// decimal exact.
const promotionColumns = `id, name, description, COALESCE(code, ''), type, value::text,
	target_audience, min_order_amount, starts_at, ends_at,
	usage_limit_total, usage_limit_per_customer, is_active, usage_count,
	created_at, updated_at`

// PromotionRepository implements repository.PromotionRepository using PostgreSQL.
type PromotionRepository struct {
	pool database.DBTX
}

// NewPromotionRepository creates a new PostgreSQL-backed promotion repository.
func NewPromotionRepository(pool database.DBTX) *PromotionRepository {
	return &PromotionRepository{pool: pool}
}

// Create inserts a new promotion.
func (r *PromotionRepository) Create(ctx context.Context, p *domain.Promotion) (err error) {
	query := `
		INSERT INTO promotions (
			id, name, description, code, type, value, target_audience,
			min_order_amount, starts_at, ends_at, usage_limit_total,
			usage_limit_per_customer, is_active, usage_count, created_at, updated_at
		) VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6::numeric, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	ctx, end := database.TraceQuery(ctx, "CreatePromotion", query)
	defer func() { end(err) }()

	_, err = r.pool.Exec(ctx, query,
		p.ID,
		p.Name,
		p.Description,
		p.Code,
		p.Type,
		p.Value.String(),
		p.TargetAudience,
		p.MinOrderAmount,
		p.StartsAt,
		p.EndsAt,
		p.UsageLimitTotal,
		p.UsageLimitPerCustomer,
		p.IsActive,
		p.UsageCount,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.AlreadyExists("promotion", "code", p.Code)
		}
		return fmt.Errorf("insert promotion: %w", err)
	}

	return nil
}

// GetByID retrieves a live promotion by its ID.
func (r *PromotionRepository) GetByID(ctx context.Context, id string) (*domain.Promotion, error) {
	query := `SELECT ` + promotionColumns + `
		FROM promotions
		WHERE id = $1 AND deleted_at IS NULL`

	return r.getOne(ctx, "GetPromotionByID", query, id)
}

// GetByCode retrieves a live promotion by its normalized code.
func (r *PromotionRepository) GetByCode(ctx context.Context, code string) (*domain.Promotion, error) {
	query := `SELECT ` + promotionColumns + `
		FROM promotions
		WHERE code = $1 AND deleted_at IS NULL`

	return r.getOne(ctx, "GetPromotionByCode", query, code)
}

// ListAutomatic returns every live promotion without a code, oldest first.
func (r *PromotionRepository) ListAutomatic(ctx context.Context) (_ []domain.Promotion, err error) {
	query := `SELECT ` + promotionColumns + `
		FROM promotions
		WHERE code IS NULL AND deleted_at IS NULL
		ORDER BY created_at ASC, id ASC`

	ctx, end := database.TraceQuery(ctx, "ListAutomaticPromotions", query)
	defer func() { end(err) }()

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list automatic promotions: %w", err)
	}
	defer rows.Close()

	promotions := []domain.Promotion{}
	for rows.Next() {
		p, err := scanPromotion(rows)
		if err != nil {
			return nil, err
		}
		promotions = append(promotions, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate promotion rows: %w", err)
	}

	return promotions, nil
}

// List returns promotions matching the filter with the total count. Status
// filtering is evaluated in SQL against filter.Now with the same precedence
// as domain.ResolveStatus.
func (r *PromotionRepository) List(ctx context.Context, filter repository.PromotionFilter) (_ []domain.Promotion, _ int, err error) {
	var (
		conditions = []string{"deleted_at IS NULL"}
		args       []any
		argIndex   = 1
	)

	if s := strings.TrimSpace(filter.Search); s != "" {
		conditions = append(conditions, fmt.Sprintf("(code ILIKE $%d OR name ILIKE $%d)", argIndex, argIndex))
		args = append(args, "%"+escapeLike(s)+"%")
		argIndex++
	}

	if filter.Status != nil {
		conditions = append(conditions, statusCondition(*filter.Status, fmt.Sprintf("$%d::timestamptz", argIndex)))
		args = append(args, filter.Now)
		argIndex++
	}

	if filter.Type != nil {
		conditions = append(conditions, fmt.Sprintf("type = $%d", argIndex))
		args = append(args, *filter.Type)
		argIndex++
	}

	query := fmt.Sprintf(`
		SELECT %s,
			   count(*) OVER() AS total_count
		FROM promotions
		WHERE %s
		ORDER BY created_at DESC, id ASC
		LIMIT $%d OFFSET $%d`,
		promotionColumns, strings.Join(conditions, " AND "), argIndex, argIndex+1,
	)

	limit := filter.PerPage
	if limit <= 0 {
		limit = 20
	}
	offset := 0
	if filter.Page > 1 {
		offset = (filter.Page - 1) * limit
	}
	args = append(args, limit, offset)

	ctx, end := database.TraceQuery(ctx, "ListPromotions", query)
	defer func() { end(err) }()

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list promotions: %w", err)
	}
	defer rows.Close()

	var (
		promotions = []domain.Promotion{}
		totalCount int
	)
	for rows.Next() {
		p, err := scanPromotion(rows, &totalCount)
		if err != nil {
			return nil, 0, err
		}
		promotions = append(promotions, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate promotion rows: %w", err)
	}

	return promotions, totalCount, nil
}

// Update replaces the definition of p. The usage cap check and the write are
// one statement so a concurrent reservation cannot slip under a lowered cap.
func (r *PromotionRepository) Update(ctx context.Context, p *domain.Promotion) (err error) {
	query := `
		UPDATE promotions
		SET name = $1, description = $2, code = NULLIF($3, ''), type = $4,
		    value = $5::numeric, target_audience = $6, min_order_amount = $7,
		    starts_at = $8, ends_at = $9, usage_limit_total = $10,
		    usage_limit_per_customer = $11, is_active = $12, updated_at = $13
		WHERE id = $14 AND deleted_at IS NULL
		  AND ($10::int IS NULL OR usage_count <= $10::int)
		RETURNING usage_count, created_at`

	ctx, end := database.TraceQuery(ctx, "UpdatePromotion", query)
	defer func() { end(err) }()

	err = r.pool.QueryRow(ctx, query,
		p.Name,
		p.Description,
		p.Code,
		p.Type,
		p.Value.String(),
		p.TargetAudience,
		p.MinOrderAmount,
		p.StartsAt,
		p.EndsAt,
		p.UsageLimitTotal,
		p.UsageLimitPerCustomer,
		p.IsActive,
		p.UpdatedAt,
		p.ID,
	).Scan(&p.UsageCount, &p.CreatedAt)
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return apperrors.AlreadyExists("promotion", "code", p.Code)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("update promotion: %w", err)
	}

	exists, err := r.exists(ctx, p.ID)
	if err != nil {
		return err
	}
	if !exists {
		return apperrors.NotFound("promotion", p.ID)
	}
	return domain.ErrLimitBelowUsage
}

// Toggle flips is_active.
func (r *PromotionRepository) Toggle(ctx context.Context, id string, now time.Time) (*domain.Promotion, error) {
	query := `
		UPDATE promotions
		SET is_active = NOT is_active, updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING ` + promotionColumns

	p, err := r.getOne(ctx, "TogglePromotion", query, id, now)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.NotFound("promotion", id)
	}
	return p, err
}

// Delete removes a promotion. The row lock serializes against reservations
// inserting a redemption for it, so the soft/hard decision cannot go stale.
func (r *PromotionRepository) Delete(ctx context.Context, id string, now time.Time) (soft bool, err error) {
	ctx, end := database.TraceQuery(ctx, "DeletePromotion", "DELETE promotions")
	defer func() { end(err) }()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var lockedID string
	err = tx.QueryRow(ctx,
		`SELECT id FROM promotions WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id,
	).Scan(&lockedID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, apperrors.NotFound("promotion", id)
		}
		return false, fmt.Errorf("lock promotion: %w", err)
	}

	var referenced bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM redemptions WHERE promotion_id = $1)`, id,
	).Scan(&referenced); err != nil {
		return false, fmt.Errorf("check promotion redemptions: %w", err)
	}

	if referenced {
		_, err = tx.Exec(ctx,
			`UPDATE promotions SET deleted_at = $2, updated_at = $2 WHERE id = $1`, id, now)
	} else {
		_, err = tx.Exec(ctx, `DELETE FROM promotions WHERE id = $1`, id)
	}
	if err != nil {
		return false, fmt.Errorf("delete promotion: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}

	return referenced, nil
}

func (r *PromotionRepository) getOne(ctx context.Context, operation, query string, args ...any) (_ *domain.Promotion, err error) {
	ctx, end := database.TraceQuery(ctx, operation, query)
	defer func() { end(err) }()

	p, err := scanPromotion(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (r *PromotionRepository) exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM promotions WHERE id = $1 AND deleted_at IS NULL)`, id,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check promotion exists: %w", err)
	}
	return exists, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanPromotion reads the promotionColumns select list plus any trailing
// columns into extra.
func scanPromotion(row rowScanner, extra ...any) (*domain.Promotion, error) {
	var (
		p     domain.Promotion
		value string
	)

	dest := []any{
		&p.ID,
		&p.Name,
		&p.Description,
		&p.Code,
		&p.Type,
		&value,
		&p.TargetAudience,
		&p.MinOrderAmount,
		&p.StartsAt,
		&p.EndsAt,
		&p.UsageLimitTotal,
		&p.UsageLimitPerCustomer,
		&p.IsActive,
		&p.UsageCount,
		&p.CreatedAt,
		&p.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan promotion: %w", err)
	}

	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("parse promotion value %q: %w", value, err)
	}
	p.Value = d

	return &p, nil
}

// statusCondition renders the SQL equivalent of domain.ResolveStatus for one
// status, evaluated against the timestamp placeholder now.
func statusCondition(status, now string) string {
	inWindow := fmt.Sprintf("is_active AND starts_at <= %[1]s AND (ends_at IS NULL OR ends_at >= %[1]s)", now)

	switch status {
	case domain.StatusInactive:
		return "NOT is_active"
	case domain.StatusFuture:
		return fmt.Sprintf("(is_active AND %s < starts_at)", now)
	case domain.StatusExpired:
		return fmt.Sprintf("(is_active AND starts_at <= %[1]s AND ends_at IS NOT NULL AND %[1]s > ends_at)", now)
	case domain.StatusExhausted:
		return "(" + inWindow + " AND usage_limit_total IS NOT NULL AND usage_count >= usage_limit_total)"
	default:
		return "(" + inWindow + " AND (usage_limit_total IS NULL OR usage_count < usage_limit_total))"
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// isUniqueViolation checks if the error is a PostgreSQL unique constraint violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}

// isForeignKeyViolation checks for SQLSTATE 23503.
func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23503")
}
