package service

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"github.com/utafrali/promotion-engine/internal/domain"
	"github.com/utafrali/promotion-engine/internal/repository"
	apperrors "github.com/utafrali/promotion-engine/pkg/errors"
)

// --- Mock Repositories ---

type mockPromotionRepository struct {
	mock.Mock
}

func (m *mockPromotionRepository) Create(ctx context.Context, p *domain.Promotion) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *mockPromotionRepository) GetByID(ctx context.Context, id string) (*domain.Promotion, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Promotion), args.Error(1)
}

func (m *mockPromotionRepository) GetByCode(ctx context.Context, code string) (*domain.Promotion, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Promotion), args.Error(1)
}

func (m *mockPromotionRepository) ListAutomatic(ctx context.Context) ([]domain.Promotion, error) {
	args := m.Called(ctx)
	return args.Get(0).([]domain.Promotion), args.Error(1)
}

func (m *mockPromotionRepository) List(ctx context.Context, filter repository.PromotionFilter) ([]domain.Promotion, int, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]domain.Promotion), args.Int(1), args.Error(2)
}

func (m *mockPromotionRepository) Update(ctx context.Context, p *domain.Promotion) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *mockPromotionRepository) Toggle(ctx context.Context, id string, now time.Time) (*domain.Promotion, error) {
	args := m.Called(ctx, id, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Promotion), args.Error(1)
}

func (m *mockPromotionRepository) Delete(ctx context.Context, id string, now time.Time) (bool, error) {
	args := m.Called(ctx, id, now)
	return args.Bool(0), args.Error(1)
}

type mockRedemptionRepository struct {
	mock.Mock
}

func (m *mockRedemptionRepository) Reserve(ctx context.Context, r *domain.Redemption) (*domain.Redemption, bool, error) {
	args := m.Called(ctx, r)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*domain.Redemption), args.Bool(1), args.Error(2)
}

func (m *mockRedemptionRepository) Release(ctx context.Context, redemptionID string, now time.Time) (*domain.Redemption, bool, error) {
	args := m.Called(ctx, redemptionID, now)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*domain.Redemption), args.Bool(1), args.Error(2)
}

func (m *mockRedemptionRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Redemption, error) {
	args := m.Called(ctx, orderID)
	return args.Get(0).([]domain.Redemption), args.Error(1)
}

func (m *mockRedemptionRepository) ListByPromotion(ctx context.Context, promotionID string, page, perPage int) ([]domain.Redemption, int, error) {
	args := m.Called(ctx, promotionID, page, perPage)
	return args.Get(0).([]domain.Redemption), args.Int(1), args.Error(2)
}

func (m *mockRedemptionRepository) CustomerUsage(ctx context.Context, promotionID, customerID string) (int, error) {
	args := m.Called(ctx, promotionID, customerID)
	return args.Int(0), args.Error(1)
}

// --- Fakes ---

// stubClassifier answers from a fixed table and counts calls. Unknown ids
// are reported as not found.
type stubClassifier struct {
	mu       sync.Mutex
	profiles map[string]domain.CustomerProfile
	err      error
	calls    int
}

func (c *stubClassifier) Classify(_ context.Context, customerID string) (*domain.CustomerProfile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	p, ok := c.profiles[customerID]
	if !ok {
		return nil, apperrors.NotFound("customer", customerID)
	}
	return &p, nil
}

type recordedEvent struct {
	kind string
	id   string
}

// recordingPublisher keeps every event and can be told to fail.
type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
	err    error
}

func (p *recordingPublisher) record(kind, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{kind: kind, id: id})
	return p.err
}

func (p *recordingPublisher) PublishPromotionCreated(_ context.Context, promo *domain.Promotion) error {
	return p.record("created", promo.ID)
}

func (p *recordingPublisher) PublishPromotionUpdated(_ context.Context, promo *domain.Promotion) error {
	return p.record("updated", promo.ID)
}

func (p *recordingPublisher) PublishPromotionToggled(_ context.Context, promo *domain.Promotion) error {
	return p.record("toggled", promo.ID)
}

func (p *recordingPublisher) PublishPromotionDeleted(_ context.Context, id string, _ bool) error {
	return p.record("deleted", id)
}

func (p *recordingPublisher) PublishPromotionRedeemed(_ context.Context, _ *domain.Promotion, r *domain.Redemption) error {
	return p.record("redeemed", r.ID)
}

func (p *recordingPublisher) PublishRedemptionReleased(_ context.Context, r *domain.Redemption) error {
	return p.record("released", r.ID)
}

func (p *recordingPublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.kind
	}
	return out
}

// --- Test Helpers ---

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func intPtr(i int) *int {
	return &i
}

func int64Ptr(i int64) *int64 {
	return &i
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func activePromotion(id string, typ string, value int64) *domain.Promotion {
	return &domain.Promotion{
		ID:             id,
		Name:           "Promo " + id,
		Type:           typ,
		Value:          decimal.NewFromInt(value),
		TargetAudience: domain.AudienceAll,
		StartsAt:       testNow.Add(-24 * time.Hour),
		IsActive:       true,
		CreatedAt:      testNow.Add(-24 * time.Hour),
		UpdatedAt:      testNow.Add(-24 * time.Hour),
	}
}
