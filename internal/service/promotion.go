package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/utafrali/promotion-engine/internal/domain"
	"github.com/utafrali/promotion-engine/internal/repository"
	apperrors "github.com/utafrali/promotion-engine/pkg/errors"
)

// duplicateAttempts bounds retries when a generated duplicate code collides.
const duplicateAttempts = 3

// EventPublisher emits promotion domain events. Implementations must be safe
// to call when no broker is configured.
type EventPublisher interface {
	PublishPromotionCreated(ctx context.Context, p *domain.Promotion) error
	PublishPromotionUpdated(ctx context.Context, p *domain.Promotion) error
	PublishPromotionToggled(ctx context.Context, p *domain.Promotion) error
	PublishPromotionDeleted(ctx context.Context, id string, soft bool) error
	PublishPromotionRedeemed(ctx context.Context, p *domain.Promotion, r *domain.Redemption) error
	PublishRedemptionReleased(ctx context.Context, r *domain.Redemption) error
}

// PromotionService implements the business logic for promotions.
type PromotionService struct {
	repo        repository.PromotionRepository
	ledger      *Ledger
	eligibility *EligibilityEvaluator
	events      EventPublisher
	logger      *slog.Logger
	now         func() time.Time
}

// NewPromotionService creates a new promotion service.
func NewPromotionService(
	repo repository.PromotionRepository,
	ledger *Ledger,
	eligibility *EligibilityEvaluator,
	events EventPublisher,
	logger *slog.Logger,
) *PromotionService {
	return &PromotionService{
		repo:        repo,
		ledger:      ledger,
		eligibility: eligibility,
		events:      events,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (s *PromotionService) SetClock(now func() time.Time) {
	s.now = now
}

// PromotionInput is a complete promotion definition. Update replaces every
// field.
type PromotionInput struct {
	Name                  string
	Description           string
	Code                  string
	Type                  string
	Value                 decimal.Decimal
	TargetAudience        string
	MinOrderAmount        *int64
	StartsAt              time.Time
	EndsAt                *time.Time
	UsageLimitTotal       *int
	UsageLimitPerCustomer *int
	IsActive              bool
}

// ListFilter holds the admin list query.
type ListFilter struct {
	Search  string
	Status  *string
	Type    *string
	Page    int
	PerPage int
}

// ApplyInput is a checkout's request for a discount. An empty CustomerID is
// an anonymous checkout; an empty Code asks for the best automatic promotion.
type ApplyInput struct {
	CustomerID string
	OrderID    string
	Code       string
	Cart       domain.Cart
}

// ApplyResult is a successful application. Replayed is set when the order
// had already reserved this promotion.
type ApplyResult struct {
	Promotion  *domain.Promotion     `json:"promotion"`
	Redemption *domain.Redemption    `json:"redemption"`
	Discount   domain.DiscountResult `json:"discount"`
	Replayed   bool                  `json:"replayed"`
}

// List returns promotions annotated with their status at a single instant.
func (s *PromotionService) List(ctx context.Context, filter ListFilter) ([]domain.Promotion, int, error) {
	fields := make(map[string]string)
	if filter.Status != nil && !domain.IsValidStatus(*filter.Status) {
		fields["status"] = "must be one of: " + strings.Join(domain.ValidStatuses(), ", ")
	}
	if filter.Type != nil && !domain.IsValidType(*filter.Type) {
		fields["type"] = "must be one of: " + strings.Join(domain.ValidTypes(), ", ")
	}
	if len(fields) > 0 {
		return nil, 0, apperrors.Validation(fields)
	}

	now := s.now()
	promotions, total, err := s.repo.List(ctx, repository.PromotionFilter{
		Search:  filter.Search,
		Status:  filter.Status,
		Type:    filter.Type,
		Now:     now,
		Page:    filter.Page,
		PerPage: filter.PerPage,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list promotions: %w", err)
	}

	for i := range promotions {
		promotions[i].Status = domain.ResolveStatus(&promotions[i], now)
	}
	return promotions, total, nil
}

// Get retrieves a promotion by ID.
func (s *PromotionService) Get(ctx context.Context, id string) (*domain.Promotion, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.NotFound("promotion", id)
		}
		return nil, fmt.Errorf("get promotion: %w", err)
	}
	p.Status = domain.ResolveStatus(p, s.now())
	return p, nil
}

// Create validates and stores a new promotion.
func (s *PromotionService) Create(ctx context.Context, input *PromotionInput) (*domain.Promotion, error) {
	now := s.now()
	p := fromInput(input)
	p.ID = uuid.New().String()
	p.CreatedAt = now
	p.UpdatedAt = now

	if fields := p.Validate(); fields != nil {
		return nil, apperrors.Validation(fields)
	}

	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	p.Status = domain.ResolveStatus(p, now)

	s.logger.InfoContext(ctx, "promotion created",
		slog.String("promotion_id", p.ID),
		slog.String("code", p.Code),
		slog.String("type", p.Type),
	)
	s.publish(ctx, "promotion.created", s.events.PublishPromotionCreated(ctx, p))

	return p, nil
}

// Update replaces a promotion's definition. usage_count is untouched and the
// total cap may not drop below it.
func (s *PromotionService) Update(ctx context.Context, id string, input *PromotionInput) (*domain.Promotion, error) {
	now := s.now()
	p := fromInput(input)
	p.ID = id
	p.UpdatedAt = now

	if fields := p.Validate(); fields != nil {
		return nil, apperrors.Validation(fields)
	}

	if err := s.repo.Update(ctx, p); err != nil {
		if errors.Is(err, domain.ErrLimitBelowUsage) {
			return nil, apperrors.Validation(map[string]string{
				"usage_limit_total": "must not be below the current usage count",
			})
		}
		return nil, err
	}
	p.Status = domain.ResolveStatus(p, now)

	s.logger.InfoContext(ctx, "promotion updated", slog.String("promotion_id", p.ID))
	s.publish(ctx, "promotion.updated", s.events.PublishPromotionUpdated(ctx, p))

	return p, nil
}

// ToggleStatus flips the kill-switch. The validity window is not touched.
func (s *PromotionService) ToggleStatus(ctx context.Context, id string) (*domain.Promotion, error) {
	now := s.now()
	p, err := s.repo.Toggle(ctx, id, now)
	if err != nil {
		return nil, err
	}
	p.Status = domain.ResolveStatus(p, now)

	s.logger.InfoContext(ctx, "promotion toggled",
		slog.String("promotion_id", p.ID),
		slog.Bool("is_active", p.IsActive),
	)
	s.publish(ctx, "promotion.toggled", s.events.PublishPromotionToggled(ctx, p))

	return p, nil
}

// Duplicate copies a promotion's definition under a fresh id with zero
// usage. Coded promotions get a random suffix so the copy stays unique.
func (s *PromotionService) Duplicate(ctx context.Context, id string) (*domain.Promotion, error) {
	src, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	for attempt := 1; ; attempt++ {
		dup := *src
		dup.ID = uuid.New().String()
		dup.UsageCount = 0
		dup.CreatedAt = now
		dup.UpdatedAt = now
		dup.DeletedAt = nil
		if src.Code != "" {
			if dup.Code, err = duplicateCode(src.Code); err != nil {
				return nil, err
			}
		}

		err = s.repo.Create(ctx, &dup)
		if err == nil {
			dup.Status = domain.ResolveStatus(&dup, now)
			s.logger.InfoContext(ctx, "promotion duplicated",
				slog.String("source_id", src.ID),
				slog.String("promotion_id", dup.ID),
			)
			s.publish(ctx, "promotion.created", s.events.PublishPromotionCreated(ctx, &dup))
			return &dup, nil
		}
		if !errors.Is(err, apperrors.ErrAlreadyExists) || attempt == duplicateAttempts {
			return nil, err
		}
	}
}

// Delete removes a promotion, keeping it as a soft-deleted record when
// redemptions reference it.
func (s *PromotionService) Delete(ctx context.Context, id string) error {
	soft, err := s.repo.Delete(ctx, id, s.now())
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "promotion deleted",
		slog.String("promotion_id", id),
		slog.Bool("soft", soft),
	)
	s.publish(ctx, "promotion.deleted", s.events.PublishPromotionDeleted(ctx, id, soft))

	return nil
}

// ApplyToCart selects a promotion, checks eligibility, computes the discount
// and reserves usage. Nothing is returned as success unless the reservation
// committed. Retrying an order that already holds a reservation returns the
// original result without consuming usage again.
func (s *PromotionService) ApplyToCart(ctx context.Context, input *ApplyInput) (*ApplyResult, error) {
	orderID := strings.TrimSpace(input.OrderID)
	if orderID == "" {
		return nil, apperrors.Validation(map[string]string{"order_id": "is required"})
	}

	now := s.now()
	customer := &domain.Customer{ID: strings.TrimSpace(input.CustomerID)}
	cart := input.Cart

	promotions, err := s.candidates(ctx, domain.NormalizeCode(input.Code))
	if err != nil {
		return nil, err
	}

	p, prior, err := s.priorRedemption(ctx, orderID, promotions)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return s.applied(ctx, p, prior, replayDiscount(prior, cart), true, now), nil
	}

	chosen, err := s.choose(ctx, promotions, customer, &cart, now)
	if err != nil {
		return nil, err
	}

	p = chosen.Promotion
	redemption := &domain.Redemption{
		ID:              uuid.New().String(),
		PromotionID:     p.ID,
		OrderID:         orderID,
		DiscountApplied: chosen.Discount.Amount,
		ShippingWaived:  chosen.Discount.ShippingWaived,
		RedeemedAt:      now,
	}
	if !customer.IsAnonymous() {
		redemption.CustomerID = &customer.ID
	}

	stored, replayed, err := s.ledger.Reserve(ctx, redemption)
	if err != nil {
		return nil, err
	}
	if replayed {
		return s.applied(ctx, p, stored, replayDiscount(stored, cart), true, now), nil
	}

	p.UsageCount++
	redemptionsTotal.WithLabelValues(p.Type).Inc()
	return s.applied(ctx, p, stored, chosen.Discount, false, now), nil
}

// candidates resolves a code to its promotion, or lists the automatic
// promotions when no code is given.
func (s *PromotionService) candidates(ctx context.Context, code string) ([]domain.Promotion, error) {
	if code != "" {
		p, err := s.repo.GetByCode(ctx, code)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return nil, apperrors.NotFound("promotion code", code)
			}
			return nil, fmt.Errorf("get promotion by code: %w", err)
		}
		return []domain.Promotion{*p}, nil
	}

	promotions, err := s.repo.ListAutomatic(ctx)
	if err != nil {
		return nil, fmt.Errorf("list automatic promotions: %w", err)
	}
	if len(promotions) == 0 {
		return nil, &apperrors.AppError{
			Code:    "NOT_FOUND",
			Message: "no automatic promotion is available",
			Status:  http.StatusNotFound,
			Err:     apperrors.ErrNotFound,
		}
	}
	return promotions, nil
}

// priorRedemption finds a live reservation the order already holds on one of
// promotions.
func (s *PromotionService) priorRedemption(ctx context.Context, orderID string, promotions []domain.Promotion) (*domain.Promotion, *domain.Redemption, error) {
	existing, err := s.ledger.OrderRedemptions(ctx, orderID)
	if err != nil {
		return nil, nil, fmt.Errorf("list order redemptions: %w", err)
	}

	for i := range existing {
		if existing[i].IsReleased() {
			continue
		}
		for j := range promotions {
			if promotions[j].ID == existing[i].PromotionID {
				return &promotions[j], &existing[i], nil
			}
		}
	}
	return nil, nil, nil
}

// choose evaluates promotions and picks the best eligible one. When none
// qualifies, the first candidate's decline is returned.
func (s *PromotionService) choose(ctx context.Context, promotions []domain.Promotion, customer *domain.Customer, cart *domain.Cart, now time.Time) (domain.Candidate, error) {
	verdicts, err := s.eligibility.EvaluateAll(ctx, promotions, customer, cart, now)
	if err != nil {
		return domain.Candidate{}, err
	}

	var eligible []domain.Candidate
	for i := range promotions {
		if verdicts[i].Eligible {
			eligible = append(eligible, domain.Candidate{
				Promotion: &promotions[i],
				Discount:  domain.ComputeDiscount(&promotions[i], *cart),
			})
		}
	}

	best, ok := domain.BestCandidate(eligible)
	if !ok {
		return domain.Candidate{}, s.decline(ctx, &promotions[0], verdicts[0].Reason)
	}
	return best, nil
}

func (s *PromotionService) applied(ctx context.Context, p *domain.Promotion, r *domain.Redemption, discount domain.DiscountResult, replayed bool, now time.Time) *ApplyResult {
	p.Status = domain.ResolveStatus(p, now)

	s.logger.InfoContext(ctx, "promotion applied",
		slog.String("promotion_id", p.ID),
		slog.String("order_id", r.OrderID),
		slog.Int64("discount", discount.Amount),
		slog.Bool("replayed", replayed),
	)
	if !replayed {
		s.publish(ctx, "promotion.redeemed", s.events.PublishPromotionRedeemed(ctx, p, r))
	}

	return &ApplyResult{
		Promotion:  p,
		Redemption: r,
		Discount:   discount,
		Replayed:   replayed,
	}
}

// replayDiscount rebuilds a result from the stored reservation. The waived
// shipping amount follows the cart being retried.
func replayDiscount(r *domain.Redemption, cart domain.Cart) domain.DiscountResult {
	d := domain.DiscountResult{Amount: r.DiscountApplied, ShippingWaived: r.ShippingWaived}
	if r.ShippingWaived {
		d.ShippingDiscount = cart.ShippingFee
	}
	return d
}

func (s *PromotionService) decline(ctx context.Context, p *domain.Promotion, reason string) error {
	declinesTotal.WithLabelValues(reason).Inc()
	s.logger.InfoContext(ctx, "promotion declined",
		slog.String("promotion_id", p.ID),
		slog.String("reason", reason),
	)
	return &domain.EligibilityError{Reason: reason, PromotionID: p.ID}
}

// ListRedemptions returns a page of a promotion's usage history.
func (s *PromotionService) ListRedemptions(ctx context.Context, promotionID string, page, perPage int) ([]domain.Redemption, int, error) {
	redemptions, total, err := s.ledger.History(ctx, promotionID, page, perPage)
	if err != nil {
		return nil, 0, fmt.Errorf("list redemptions: %w", err)
	}
	return redemptions, total, nil
}

// Release returns a redemption's usage to its promotion. Releasing twice is
// not an error.
func (s *PromotionService) Release(ctx context.Context, redemptionID string) (*domain.Redemption, error) {
	r, released, err := s.ledger.Release(ctx, redemptionID, s.now())
	if err != nil {
		return nil, err
	}

	if released {
		s.logger.InfoContext(ctx, "redemption released",
			slog.String("redemption_id", r.ID),
			slog.String("promotion_id", r.PromotionID),
		)
		s.publish(ctx, "promotion.released", s.events.PublishRedemptionReleased(ctx, r))
	}
	return r, nil
}

// ReleaseOrder releases every redemption attached to a cancelled order.
func (s *PromotionService) ReleaseOrder(ctx context.Context, orderID string) ([]domain.Redemption, error) {
	released, err := s.ledger.ReleaseOrder(ctx, orderID, s.now())
	for i := range released {
		s.publish(ctx, "promotion.released", s.events.PublishRedemptionReleased(ctx, &released[i]))
	}
	if err != nil {
		return released, err
	}

	s.logger.InfoContext(ctx, "order redemptions released",
		slog.String("order_id", orderID),
		slog.Int("released", len(released)),
	)
	return released, nil
}

// publish logs a failed event publication. Events are best effort and never
// fail the operation that produced them.
func (s *PromotionService) publish(ctx context.Context, eventType string, err error) {
	if err != nil {
		s.logger.WarnContext(ctx, "failed to publish event",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

func fromInput(in *PromotionInput) *domain.Promotion {
	p := &domain.Promotion{
		Name:                  strings.TrimSpace(in.Name),
		Description:           in.Description,
		Code:                  domain.NormalizeCode(in.Code),
		Type:                  in.Type,
		Value:                 in.Value,
		TargetAudience:        in.TargetAudience,
		MinOrderAmount:        in.MinOrderAmount,
		StartsAt:              in.StartsAt.UTC(),
		UsageLimitTotal:       in.UsageLimitTotal,
		UsageLimitPerCustomer: in.UsageLimitPerCustomer,
		IsActive:              in.IsActive,
	}
	if p.TargetAudience == "" {
		p.TargetAudience = domain.AudienceAll
	}
	if p.Type == domain.PromotionTypeFreeShipping {
		p.Value = decimal.Zero
	}
	if in.EndsAt != nil {
		end := in.EndsAt.UTC()
		p.EndsAt = &end
	}
	return p
}

// duplicateCode appends a random 4 hex digit suffix, trimming the base so
// the result still fits the code length limit.
func duplicateCode(code string) (string, error) {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate code suffix: %w", err)
	}
	suffix := "-" + strings.ToUpper(hex.EncodeToString(b[:]))

	if maxBase := domain.MaxCodeLength - len(suffix); len(code) > maxBase {
		code = code[:maxBase]
	}
	return code + suffix, nil
}
