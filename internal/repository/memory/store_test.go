package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/promotion-engine/internal/domain"
	"github.com/utafrali/promotion-engine/internal/repository"
	apperrors "github.com/utafrali/promotion-engine/pkg/errors"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newPromotion(id, code string, createdAt time.Time) *domain.Promotion {
	return &domain.Promotion{
		ID:             id,
		Name:           "Promo " + id,
		Code:           code,
		Type:           domain.PromotionTypePercentage,
		Value:          decimal.NewFromInt(10),
		TargetAudience: domain.AudienceAll,
		StartsAt:       base.Add(-time.Hour),
		IsActive:       true,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

func limited(p *domain.Promotion, total, perCustomer *int) *domain.Promotion {
	p.UsageLimitTotal = total
	p.UsageLimitPerCustomer = perCustomer
	return p
}

func intPtr(v int) *int { return &v }

func redemptionFor(promotionID, orderID string, customerID *string) *domain.Redemption {
	return &domain.Redemption{
		ID:              "red-" + orderID,
		PromotionID:     promotionID,
		CustomerID:      customerID,
		OrderID:         orderID,
		DiscountApplied: 100,
		RedeemedAt:      base,
	}
}

func TestStore_CreateRejectsTakenCode(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newPromotion("p1", "SAVE", base)))
	err := s.Create(ctx, newPromotion("p2", "SAVE", base))
	assert.ErrorIs(t, err, apperrors.ErrAlreadyExists)

	got, err := s.GetByCode(ctx, "SAVE")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ID)
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newPromotion("p1", "", base)))

	got, err := s.GetByID(ctx, "p1")
	require.NoError(t, err)
	got.Name = "mutated"

	again, err := s.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Promo p1", again.Name)
}

func TestStore_ListOrderingAndPaging(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newPromotion("b", "", base)))
	require.NoError(t, s.Create(ctx, newPromotion("a", "", base)))
	require.NoError(t, s.Create(ctx, newPromotion("c", "", base.Add(time.Minute))))

	got, total, err := s.List(ctx, repository.PromotionFilter{Now: base, Page: 1, PerPage: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "a", got[1].ID, "equal created_at ties break by id")

	got, _, err = s.List(ctx, repository.PromotionFilter{Now: base, Page: 2, PerPage: 2})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)

	got, total, err = s.List(ctx, repository.PromotionFilter{Now: base, Page: 9, PerPage: 2})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 3, total)
}

func TestStore_ListFilters(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	exhausted := limited(newPromotion("p1", "WELCOME", base), intPtr(1), nil)
	require.NoError(t, s.Create(ctx, exhausted))
	_, _, err := s.Reserve(ctx, redemptionFor("p1", "o1", nil))
	require.NoError(t, err)

	shipping := newPromotion("p2", "", base)
	shipping.Type = domain.PromotionTypeFreeShipping
	shipping.Name = "Welcome shipping"
	require.NoError(t, s.Create(ctx, shipping))

	status := domain.StatusExhausted
	got, _, err := s.List(ctx, repository.PromotionFilter{Status: &status, Now: base})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].ID)

	got, total, err := s.List(ctx, repository.PromotionFilter{Search: "welcome", Now: base})
	require.NoError(t, err)
	assert.Equal(t, 2, total, "search matches code or name")
	assert.Len(t, got, 2)

	typ := domain.PromotionTypeFreeShipping
	got, _, err = s.List(ctx, repository.PromotionFilter{Type: &typ, Now: base})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p2", got[0].ID)
}

func TestStore_UpdateKeepsUsageAndRejectsLowerCap(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newPromotion("p1", "", base)))
	for i := 0; i < 3; i++ {
		_, _, err := s.Reserve(ctx, redemptionFor("p1", fmt.Sprintf("o%d", i), nil))
		require.NoError(t, err)
	}

	edit := limited(newPromotion("p1", "", time.Time{}), intPtr(2), nil)
	assert.ErrorIs(t, s.Update(ctx, edit), domain.ErrLimitBelowUsage)

	edit = limited(newPromotion("p1", "", time.Time{}), intPtr(3), nil)
	require.NoError(t, s.Update(ctx, edit))
	assert.Equal(t, 3, edit.UsageCount)
	assert.Equal(t, base, edit.CreatedAt)
}

func TestStore_DeleteSoftOrHard(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newPromotion("used", "USED", base)))
	require.NoError(t, s.Create(ctx, newPromotion("fresh", "", base)))
	_, _, err := s.Reserve(ctx, redemptionFor("used", "o1", nil))
	require.NoError(t, err)

	soft, err := s.Delete(ctx, "used", base)
	require.NoError(t, err)
	assert.True(t, soft)

	soft, err = s.Delete(ctx, "fresh", base)
	require.NoError(t, err)
	assert.False(t, soft)

	_, err = s.GetByID(ctx, "used")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = s.Delete(ctx, "used", base)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	history, total, err := s.ListByPromotion(ctx, "used", 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, total, "history outlives the promotion")
	assert.Len(t, history, 1)

	require.NoError(t, s.Create(ctx, newPromotion("again", "USED", base)), "code is free after soft delete")
}

func TestStore_ConcurrentReservationsNeverExceedLimit(t *testing.T) {
	const limit, callers = 10, 64

	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, limited(newPromotion("p1", "", base), intPtr(limit), nil)))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		exceeded  int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := s.Reserve(ctx, redemptionFor("p1", fmt.Sprintf("order-%d", i), nil))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrLimitExceeded):
				exceeded++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, limit, succeeded)
	assert.Equal(t, callers-limit, exceeded)

	p, err := s.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, limit, p.UsageCount)
}

func TestStore_PerCustomerLimit(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, limited(newPromotion("p1", "", base), nil, intPtr(1))))

	alice, bob := "alice", "bob"
	_, _, err := s.Reserve(ctx, redemptionFor("p1", "o1", &alice))
	require.NoError(t, err)

	_, _, err = s.Reserve(ctx, redemptionFor("p1", "o2", &alice))
	assert.ErrorIs(t, err, domain.ErrLimitExceeded)

	_, _, err = s.Reserve(ctx, redemptionFor("p1", "o3", &bob))
	require.NoError(t, err)

	_, _, err = s.Reserve(ctx, redemptionFor("p1", "o4", nil))
	require.NoError(t, err, "anonymous reservations skip the per-customer cap")

	p, _ := s.GetByID(ctx, "p1")
	assert.Equal(t, 3, p.UsageCount, "a rejected reservation writes nothing")
	n, _ := s.CustomerUsage(ctx, "p1", "alice")
	assert.Equal(t, 1, n)
}

func TestStore_ReserveReplaysSameOrder(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newPromotion("p1", "", base)))

	first, replayed, err := s.Reserve(ctx, redemptionFor("p1", "o1", nil))
	require.NoError(t, err)
	assert.False(t, replayed)

	retry := redemptionFor("p1", "o1", nil)
	retry.ID = "red-retry"
	second, replayed, err := s.Reserve(ctx, retry)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, second.ID)

	p, _ := s.GetByID(ctx, "p1")
	assert.Equal(t, 1, p.UsageCount)
}

func TestStore_ReleaseRestoresAndIsIdempotent(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, limited(newPromotion("p1", "", base), intPtr(1), intPtr(1))))

	alice := "alice"
	r, _, err := s.Reserve(ctx, redemptionFor("p1", "o1", &alice))
	require.NoError(t, err)

	released, ok, err := s.Release(ctx, r.ID, base.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	require.NotNil(t, released.ReleasedAt)

	_, ok, err = s.Release(ctx, r.ID, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "second release is a no-op")

	p, _ := s.GetByID(ctx, "p1")
	assert.Zero(t, p.UsageCount)
	n, _ := s.CustomerUsage(ctx, "p1", "alice")
	assert.Zero(t, n)

	_, _, err = s.Reserve(ctx, redemptionFor("p1", "o1", &alice))
	assert.ErrorIs(t, err, domain.ErrRedemptionReleased)

	_, _, err = s.Reserve(ctx, redemptionFor("p1", "o2", &alice))
	require.NoError(t, err, "the released slot is reusable")

	_, _, err = s.Release(ctx, "missing", base)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestStore_ListByOrder(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newPromotion("p1", "A", base)))
	require.NoError(t, s.Create(ctx, newPromotion("p2", "B", base)))

	for _, pid := range []string{"p1", "p2"} {
		r := redemptionFor(pid, "o1", nil)
		r.ID = "red-" + pid
		_, _, err := s.Reserve(ctx, r)
		require.NoError(t, err)
	}

	got, err := s.ListByOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListByOrder(ctx, "o-unknown")
	require.NoError(t, err)
	assert.Empty(t, got)
}
