package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/promotion-engine/internal/domain"
	"github.com/utafrali/promotion-engine/internal/repository"
	"github.com/utafrali/promotion-engine/internal/repository/memory"
	apperrors "github.com/utafrali/promotion-engine/pkg/errors"
)

type fixture struct {
	svc        *PromotionService
	store      *memory.Store
	events     *recordingPublisher
	classifier *stubClassifier
}

// newFixture wires the service over the in-memory backend with a fixed clock.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.NewStore()
	classifier := &stubClassifier{profiles: map[string]domain.CustomerProfile{
		"vip-1": {Segment: domain.SegmentVIP, CompletedOrders: 30},
		"reg-1": {Segment: domain.SegmentRegular, CompletedOrders: 3},
		"new-1": {Segment: domain.SegmentRegular, CompletedOrders: 0},
	}}
	events := &recordingPublisher{}
	logger := newTestLogger()

	ledger := NewLedger(store, logger)
	svc := NewPromotionService(store, ledger, NewEligibilityEvaluator(ledger, classifier), events, logger)
	svc.SetClock(func() time.Time { return testNow })

	return &fixture{svc: svc, store: store, events: events, classifier: classifier}
}

func percentageInput(code string, value int64) *PromotionInput {
	return &PromotionInput{
		Name:     "Summer sale",
		Code:     code,
		Type:     domain.PromotionTypePercentage,
		Value:    decimal.NewFromInt(value),
		StartsAt: testNow.Add(-time.Hour),
		IsActive: true,
	}
}

func (f *fixture) create(t *testing.T, in *PromotionInput) *domain.Promotion {
	t.Helper()
	p, err := f.svc.Create(context.Background(), in)
	require.NoError(t, err)
	return p
}

// --- Create ---

func TestCreate_Success(t *testing.T) {
	f := newFixture(t)

	p := f.create(t, percentageInput("  summer20 ", 20))
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "SUMMER20", p.Code)
	assert.Equal(t, domain.AudienceAll, p.TargetAudience)
	assert.Equal(t, domain.StatusActive, p.Status)
	assert.Zero(t, p.UsageCount)
	assert.Equal(t, []string{"created"}, f.events.kinds())
}

func TestCreate_ValidationListsEveryField(t *testing.T) {
	f := newFixture(t)

	in := percentageInput("BAD CODE", 150)
	in.Name = ""
	in.EndsAt = timePtr(in.StartsAt.Add(-time.Minute))

	_, err := f.svc.Create(context.Background(), in)
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Contains(t, appErr.Fields, "name")
	assert.Contains(t, appErr.Fields, "code")
	assert.Contains(t, appErr.Fields, "value")
	assert.Contains(t, appErr.Fields, "ends_at")
	assert.Empty(t, f.events.kinds())
}

func TestCreate_RejectsFixedAmountBeyondStorage(t *testing.T) {
	f := newFixture(t)
	in := percentageInput("HUGE", 0)
	in.Type = domain.PromotionTypeFixedAmount
	in.Value = decimal.RequireFromString("10000000000000000000")

	_, err := f.svc.Create(context.Background(), in)

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Contains(t, appErr.Fields, "value")
	assert.Empty(t, f.events.kinds())
}

func TestCreate_DuplicateCodeIsCaseInsensitive(t *testing.T) {
	f := newFixture(t)
	f.create(t, percentageInput("WELCOME", 10))

	_, err := f.svc.Create(context.Background(), percentageInput("welcome", 15))
	assert.ErrorIs(t, err, apperrors.ErrAlreadyExists)
}

func TestCreate_FreeShippingIgnoresValue(t *testing.T) {
	f := newFixture(t)
	in := percentageInput("SHIPFREE", 0)
	in.Type = domain.PromotionTypeFreeShipping
	in.Value = decimal.NewFromInt(999)

	p := f.create(t, in)
	assert.True(t, p.Value.IsZero())
}

func TestCreate_PublishFailureDoesNotFail(t *testing.T) {
	f := newFixture(t)
	f.events.err = errors.New("broker unreachable")

	p := f.create(t, percentageInput("", 10))
	_, err := f.store.GetByID(context.Background(), p.ID)
	assert.NoError(t, err)
}

// --- Get / List ---

func TestGet_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Get(context.Background(), "missing")

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "NOT_FOUND", appErr.Code)
}

func TestList_StatusAnnotatedAtOneInstant(t *testing.T) {
	f := newFixture(t)
	f.create(t, percentageInput("NOW", 10))

	future := percentageInput("LATER", 10)
	future.StartsAt = testNow.Add(time.Hour)
	f.create(t, future)

	all, total, err := f.svc.List(context.Background(), ListFilter{Page: 1, PerPage: 20})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	statuses := map[string]string{}
	for _, p := range all {
		statuses[p.Code] = p.Status
	}
	assert.Equal(t, domain.StatusActive, statuses["NOW"])
	assert.Equal(t, domain.StatusFuture, statuses["LATER"])

	status := domain.StatusFuture
	got, total, err := f.svc.List(context.Background(), ListFilter{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "LATER", got[0].Code)
}

func TestList_RejectsUnknownFilters(t *testing.T) {
	repo := new(mockPromotionRepository)
	svc := NewPromotionService(repo, nil, nil, &recordingPublisher{}, newTestLogger())

	status, typ := "paused", "bogo"
	_, _, err := svc.List(context.Background(), ListFilter{Status: &status, Type: &typ})

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Contains(t, appErr.Fields, "status")
	assert.Contains(t, appErr.Fields, "type")
	repo.AssertNotCalled(t, "List", mock.Anything, mock.Anything)
}

func TestList_PassesClockToRepository(t *testing.T) {
	repo := new(mockPromotionRepository)
	svc := NewPromotionService(repo, nil, nil, &recordingPublisher{}, newTestLogger())
	svc.SetClock(func() time.Time { return testNow })

	repo.On("List", mock.Anything, repository.PromotionFilter{Search: "sale", Now: testNow, Page: 2, PerPage: 5}).
		Return([]domain.Promotion{}, 0, nil)

	_, _, err := svc.List(context.Background(), ListFilter{Search: "sale", Page: 2, PerPage: 5})
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

// --- Update / Toggle / Delete ---

func TestUpdate_PreservesUsage(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, percentageInput("EDIT", 10))
	_, err := f.svc.ApplyToCart(context.Background(), &ApplyInput{OrderID: "o1", Code: "EDIT", Cart: domain.Cart{Subtotal: 1000}})
	require.NoError(t, err)

	in := percentageInput("EDIT", 25)
	in.Name = "Renamed"
	updated, err := f.svc.Update(context.Background(), p.ID, in)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, 1, updated.UsageCount)
	assert.Equal(t, p.CreatedAt, updated.CreatedAt)
}

func TestUpdate_LimitBelowUsage(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, percentageInput("", 10))
	for i := 0; i < 2; i++ {
		_, err := f.svc.ApplyToCart(context.Background(), &ApplyInput{OrderID: fmt.Sprintf("o%d", i), Cart: domain.Cart{Subtotal: 1000}})
		require.NoError(t, err)
	}

	in := percentageInput("", 10)
	in.UsageLimitTotal = intPtr(1)
	_, err := f.svc.Update(context.Background(), p.ID, in)

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Contains(t, appErr.Fields, "usage_limit_total")
}

func TestUpdate_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Update(context.Background(), "missing", percentageInput("", 10))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestToggleStatus_FlipsOnlyTheSwitch(t *testing.T) {
	f := newFixture(t)
	in := percentageInput("", 10)
	in.EndsAt = timePtr(testNow.Add(time.Hour))
	p := f.create(t, in)

	off, err := f.svc.ToggleStatus(context.Background(), p.ID)
	require.NoError(t, err)
	assert.False(t, off.IsActive)
	assert.Equal(t, domain.StatusInactive, off.Status)
	assert.Equal(t, p.StartsAt, off.StartsAt)
	assert.Equal(t, p.EndsAt, off.EndsAt)

	on, err := f.svc.ToggleStatus(context.Background(), p.ID)
	require.NoError(t, err)
	assert.True(t, on.IsActive)
	assert.Equal(t, []string{"created", "toggled", "toggled"}, f.events.kinds())
}

func TestDelete_SoftKeepsHistory(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, percentageInput("GONE", 10))
	_, err := f.svc.ApplyToCart(context.Background(), &ApplyInput{OrderID: "o1", Code: "GONE", Cart: domain.Cart{Subtotal: 1000}})
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(context.Background(), p.ID))

	_, err = f.svc.Get(context.Background(), p.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	history, total, err := f.svc.ListRedemptions(context.Background(), p.ID, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, history, 1)

	_, err = f.svc.ApplyToCart(context.Background(), &ApplyInput{OrderID: "o2", Code: "GONE", Cart: domain.Cart{Subtotal: 1000}})
	assert.ErrorIs(t, err, apperrors.ErrNotFound, "a deleted code no longer resolves")
}

// --- Duplicate ---

func TestDuplicate_CodedPromotion(t *testing.T) {
	f := newFixture(t)
	in := percentageInput("SPRING", 10)
	in.UsageLimitTotal = intPtr(50)
	src := f.create(t, in)
	_, err := f.svc.ApplyToCart(context.Background(), &ApplyInput{OrderID: "o1", Code: "SPRING", Cart: domain.Cart{Subtotal: 1000}})
	require.NoError(t, err)

	dup, err := f.svc.Duplicate(context.Background(), src.ID)
	require.NoError(t, err)
	assert.NotEqual(t, src.ID, dup.ID)
	assert.Regexp(t, `^SPRING-[0-9A-F]{4}$`, dup.Code)
	assert.Zero(t, dup.UsageCount)
	assert.Equal(t, src.Name, dup.Name)
	assert.Equal(t, src.UsageLimitTotal, dup.UsageLimitTotal)
	assert.True(t, src.Value.Equal(dup.Value))
}

func TestDuplicate_AutomaticStaysCodeless(t *testing.T) {
	f := newFixture(t)
	src := f.create(t, percentageInput("", 10))

	dup, err := f.svc.Duplicate(context.Background(), src.ID)
	require.NoError(t, err)
	assert.Empty(t, dup.Code)
	assert.True(t, dup.IsAutomatic())
}

func TestDuplicate_LongCodeStaysWithinLimit(t *testing.T) {
	f := newFixture(t)
	src := f.create(t, percentageInput(strings.Repeat("X", domain.MaxCodeLength), 10))

	dup, err := f.svc.Duplicate(context.Background(), src.ID)
	require.NoError(t, err)
	assert.Len(t, dup.Code, domain.MaxCodeLength)
	assert.NotEqual(t, src.Code, dup.Code)
}

func TestDuplicate_RetriesOnCollision(t *testing.T) {
	repo := new(mockPromotionRepository)
	src := activePromotion("p1", domain.PromotionTypePercentage, 10)
	src.Code = "SPRING"
	repo.On("GetByID", mock.Anything, "p1").Return(src, nil)
	repo.On("Create", mock.Anything, mock.Anything).
		Return(apperrors.AlreadyExists("promotion", "code", "SPRING-0000")).Twice()
	repo.On("Create", mock.Anything, mock.Anything).Return(nil).Once()

	svc := NewPromotionService(repo, nil, nil, &recordingPublisher{}, newTestLogger())
	dup, err := svc.Duplicate(context.Background(), "p1")
	require.NoError(t, err)
	assert.Contains(t, dup.Code, "SPRING-")
	repo.AssertNumberOfCalls(t, "Create", 3)
}

func TestDuplicate_GivesUpAfterRepeatedCollisions(t *testing.T) {
	repo := new(mockPromotionRepository)
	src := activePromotion("p1", domain.PromotionTypePercentage, 10)
	src.Code = "SPRING"
	repo.On("GetByID", mock.Anything, "p1").Return(src, nil)
	repo.On("Create", mock.Anything, mock.Anything).
		Return(apperrors.AlreadyExists("promotion", "code", "SPRING-0000"))

	svc := NewPromotionService(repo, nil, nil, &recordingPublisher{}, newTestLogger())
	_, err := svc.Duplicate(context.Background(), "p1")
	assert.ErrorIs(t, err, apperrors.ErrAlreadyExists)
	repo.AssertNumberOfCalls(t, "Create", duplicateAttempts)
}

// --- ApplyToCart ---

func TestApplyToCart_PercentageUntilLimit(t *testing.T) {
	f := newFixture(t)
	in := percentageInput("SAVE20", 20)
	in.UsageLimitTotal = intPtr(1)
	f.create(t, in)

	res, err := f.svc.ApplyToCart(context.Background(), &ApplyInput{
		CustomerID: "reg-1", OrderID: "o1", Code: "save20",
		Cart: domain.Cart{Subtotal: 10000, ShippingFee: 500},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2000), res.Discount.Amount)
	assert.False(t, res.Replayed)
	assert.Equal(t, 1, res.Promotion.UsageCount)
	assert.Equal(t, domain.StatusExhausted, res.Promotion.Status)
	require.NotNil(t, res.Redemption.CustomerID)
	assert.Equal(t, "reg-1", *res.Redemption.CustomerID)

	_, err = f.svc.ApplyToCart(context.Background(), &ApplyInput{
		CustomerID: "reg-1", OrderID: "o2", Code: "SAVE20",
		Cart: domain.Cart{Subtotal: 10000},
	})
	var eligErr *domain.EligibilityError
	require.True(t, errors.As(err, &eligErr))
	assert.Equal(t, domain.ReasonNotActive, eligErr.Reason)
}

func TestApplyToCart_BelowMinimum(t *testing.T) {
	f := newFixture(t)
	in := percentageInput("BIGSPEND", 10)
	in.MinOrderAmount = int64Ptr(5000)
	p := f.create(t, in)

	_, err := f.svc.ApplyToCart(context.Background(), &ApplyInput{OrderID: "o1", Code: "BIGSPEND", Cart: domain.Cart{Subtotal: 4999}})

	var eligErr *domain.EligibilityError
	require.True(t, errors.As(err, &eligErr))
	assert.Equal(t, domain.ReasonBelowMinimum, eligErr.Reason)
	assert.Equal(t, p.ID, eligErr.PromotionID)

	stored, _ := f.store.GetByID(context.Background(), p.ID)
	assert.Zero(t, stored.UsageCount, "a declined apply consumes nothing")
}

func TestApplyToCart_Expired(t *testing.T) {
	f := newFixture(t)
	in := percentageInput("OLD", 10)
	in.StartsAt = testNow.Add(-48 * time.Hour)
	in.EndsAt = timePtr(testNow.Add(-24 * time.Hour))
	f.create(t, in)

	_, err := f.svc.ApplyToCart(context.Background(), &ApplyInput{OrderID: "o1", Code: "OLD", Cart: domain.Cart{Subtotal: 1000}})
	var eligErr *domain.EligibilityError
	require.True(t, errors.As(err, &eligErr))
	assert.Equal(t, domain.ReasonNotActive, eligErr.Reason)
}

func TestApplyToCart_UnknownCode(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ApplyToCart(context.Background(), &ApplyInput{OrderID: "o1", Code: "NOPE", Cart: domain.Cart{Subtotal: 1000}})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestApplyToCart_RequiresOrderID(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ApplyToCart(context.Background(), &ApplyInput{Code: "ANY", Cart: domain.Cart{Subtotal: 1000}})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestApplyToCart_FreeShipping(t *testing.T) {
	f := newFixture(t)
	in := percentageInput("SHIP", 0)
	in.Type = domain.PromotionTypeFreeShipping
	f.create(t, in)

	res, err := f.svc.ApplyToCart(context.Background(), &ApplyInput{OrderID: "o1", Code: "SHIP", Cart: domain.Cart{Subtotal: 3000, ShippingFee: 499}})
	require.NoError(t, err)
	assert.Zero(t, res.Discount.Amount)
	assert.True(t, res.Discount.ShippingWaived)
	assert.Equal(t, int64(499), res.Discount.ShippingDiscount)
	assert.True(t, res.Redemption.ShippingWaived)
}

func TestApplyToCart_AutomaticPicksBest(t *testing.T) {
	f := newFixture(t)
	f.create(t, percentageInput("", 10))

	fixed := percentageInput("", 0)
	fixed.Type = domain.PromotionTypeFixedAmount
	fixed.Value = decimal.NewFromInt(1500)
	best := f.create(t, fixed)

	vipOnly := percentageInput("", 50)
	vipOnly.TargetAudience = domain.AudienceVIP
	f.create(t, vipOnly)

	res, err := f.svc.ApplyToCart(context.Background(), &ApplyInput{CustomerID: "reg-1", OrderID: "o1", Cart: domain.Cart{Subtotal: 10000}})
	require.NoError(t, err)
	assert.Equal(t, best.ID, res.Promotion.ID)
	assert.Equal(t, int64(1500), res.Discount.Amount)
	assert.Equal(t, 1, f.classifier.calls, "one classification per apply")

	res, err = f.svc.ApplyToCart(context.Background(), &ApplyInput{CustomerID: "vip-1", OrderID: "o2", Cart: domain.Cart{Subtotal: 10000}})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), res.Discount.Amount)
}

func TestApplyToCart_AutomaticNoneEligible(t *testing.T) {
	f := newFixture(t)
	in := percentageInput("", 10)
	in.MinOrderAmount = int64Ptr(10000)
	p := f.create(t, in)

	_, err := f.svc.ApplyToCart(context.Background(), &ApplyInput{OrderID: "o1", Cart: domain.Cart{Subtotal: 100}})
	var eligErr *domain.EligibilityError
	require.True(t, errors.As(err, &eligErr))
	assert.Equal(t, domain.ReasonBelowMinimum, eligErr.Reason)
	assert.Equal(t, p.ID, eligErr.PromotionID)
}

func TestApplyToCart_AutomaticNoneDefined(t *testing.T) {
	f := newFixture(t)
	f.create(t, percentageInput("CODED", 10))

	_, err := f.svc.ApplyToCart(context.Background(), &ApplyInput{OrderID: "o1", Cart: domain.Cart{Subtotal: 100}})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestApplyToCart_ReplayAfterExhaustion(t *testing.T) {
	f := newFixture(t)
	in := percentageInput("ONCE", 20)
	in.UsageLimitTotal = intPtr(1)
	f.create(t, in)

	apply := &ApplyInput{OrderID: "o1", Code: "ONCE", Cart: domain.Cart{Subtotal: 10000}}
	first, err := f.svc.ApplyToCart(context.Background(), apply)
	require.NoError(t, err)

	retry, err := f.svc.ApplyToCart(context.Background(), apply)
	require.NoError(t, err, "the order already holds the last slot")
	assert.True(t, retry.Replayed)
	assert.Equal(t, first.Redemption.ID, retry.Redemption.ID)
	assert.Equal(t, int64(2000), retry.Discount.Amount)

	_, err = f.svc.ApplyToCart(context.Background(), &ApplyInput{OrderID: "o2", Code: "ONCE", Cart: domain.Cart{Subtotal: 10000}})
	var eligErr *domain.EligibilityError
	require.True(t, errors.As(err, &eligErr))
	assert.Equal(t, domain.ReasonNotActive, eligErr.Reason)

	p, _ := f.store.GetByID(context.Background(), first.Promotion.ID)
	assert.Equal(t, 1, p.UsageCount)
	assert.Equal(t, []string{"created", "redeemed"}, f.events.kinds())
}

func TestApplyToCart_ReleasedOrderCannotReapply(t *testing.T) {
	f := newFixture(t)
	f.create(t, percentageInput("UNDO", 10))

	apply := &ApplyInput{OrderID: "o1", Code: "UNDO", Cart: domain.Cart{Subtotal: 1000}}
	res, err := f.svc.ApplyToCart(context.Background(), apply)
	require.NoError(t, err)
	_, err = f.svc.Release(context.Background(), res.Redemption.ID)
	require.NoError(t, err)

	_, err = f.svc.ApplyToCart(context.Background(), apply)
	assert.ErrorIs(t, err, domain.ErrRedemptionReleased)
}

func TestApplyToCart_ReplayReturnsStoredDiscount(t *testing.T) {
	f := newFixture(t)
	f.create(t, percentageInput("AGAIN", 20))

	apply := &ApplyInput{OrderID: "o1", Code: "AGAIN", Cart: domain.Cart{Subtotal: 10000}}
	first, err := f.svc.ApplyToCart(context.Background(), apply)
	require.NoError(t, err)

	second, err := f.svc.ApplyToCart(context.Background(), apply)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Redemption.ID, second.Redemption.ID)
	assert.Equal(t, first.Discount.Amount, second.Discount.Amount)

	p, _ := f.store.GetByID(context.Background(), first.Promotion.ID)
	assert.Equal(t, 1, p.UsageCount, "a replay consumes nothing")
}

func TestApplyToCart_PerCustomerLimit(t *testing.T) {
	f := newFixture(t)
	in := percentageInput("ONEEACH", 10)
	in.UsageLimitPerCustomer = intPtr(1)
	f.create(t, in)

	_, err := f.svc.ApplyToCart(context.Background(), &ApplyInput{CustomerID: "reg-1", OrderID: "o1", Code: "ONEEACH", Cart: domain.Cart{Subtotal: 1000}})
	require.NoError(t, err)

	_, err = f.svc.ApplyToCart(context.Background(), &ApplyInput{CustomerID: "reg-1", OrderID: "o2", Code: "ONEEACH", Cart: domain.Cart{Subtotal: 1000}})
	var eligErr *domain.EligibilityError
	require.True(t, errors.As(err, &eligErr))
	assert.Equal(t, domain.ReasonLimitReached, eligErr.Reason)

	_, err = f.svc.ApplyToCart(context.Background(), &ApplyInput{CustomerID: "new-1", OrderID: "o3", Code: "ONEEACH", Cart: domain.Cart{Subtotal: 1000}})
	require.NoError(t, err)
}

func TestApplyToCart_ConcurrentNeverOverRedeems(t *testing.T) {
	const limit, shoppers = 5, 40

	f := newFixture(t)
	in := percentageInput("RUSH", 10)
	in.UsageLimitTotal = intPtr(limit)
	p := f.create(t, in)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < shoppers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.ApplyToCart(context.Background(), &ApplyInput{
				OrderID: fmt.Sprintf("order-%d", i), Code: "RUSH", Cart: domain.Cart{Subtotal: 1000},
			})
			if err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
				return
			}
			var eligErr *domain.EligibilityError
			if !errors.Is(err, domain.ErrLimitExceeded) && !errors.As(err, &eligErr) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, limit, applied)
	stored, _ := f.store.GetByID(context.Background(), p.ID)
	assert.Equal(t, limit, stored.UsageCount)
}

func TestApplyToCart_ReservationFailurePropagates(t *testing.T) {
	repo := new(mockPromotionRepository)
	redemptions := new(mockRedemptionRepository)
	p := activePromotion("p1", domain.PromotionTypePercentage, 10)
	p.Code = "X"
	repo.On("GetByCode", mock.Anything, "X").Return(p, nil)
	redemptions.On("ListByOrder", mock.Anything, "o1").Return([]domain.Redemption{}, nil)
	redemptions.On("Reserve", mock.Anything, mock.Anything).Return(nil, false, errors.New("connection refused"))

	events := &recordingPublisher{}
	ledger := NewLedger(redemptions, newTestLogger())
	svc := NewPromotionService(repo, ledger, NewEligibilityEvaluator(ledger, &stubClassifier{}), events, newTestLogger())
	svc.SetClock(func() time.Time { return testNow })

	_, err := svc.ApplyToCart(context.Background(), &ApplyInput{OrderID: "o1", Code: "x", Cart: domain.Cart{Subtotal: 1000}})
	assert.ErrorContains(t, err, "connection refused")
	assert.Empty(t, events.kinds())
}

func TestApplyToCart_LostReservationRaceIsLimitExceeded(t *testing.T) {
	repo := new(mockPromotionRepository)
	redemptions := new(mockRedemptionRepository)
	p := activePromotion("p1", domain.PromotionTypePercentage, 20)
	p.Code = "LAST"
	p.UsageLimitTotal = intPtr(1)
	repo.On("GetByCode", mock.Anything, "LAST").Return(p, nil)
	redemptions.On("ListByOrder", mock.Anything, "o2").Return([]domain.Redemption{}, nil)
	redemptions.On("Reserve", mock.Anything, mock.Anything).Return(nil, false, domain.ErrLimitExceeded)

	events := &recordingPublisher{}
	ledger := NewLedger(redemptions, newTestLogger())
	svc := NewPromotionService(repo, ledger, NewEligibilityEvaluator(ledger, &stubClassifier{}), events, newTestLogger())
	svc.SetClock(func() time.Time { return testNow })

	result, err := svc.ApplyToCart(context.Background(), &ApplyInput{OrderID: "o2", Code: "last", Cart: domain.Cart{Subtotal: 10000}})

	assert.Nil(t, result)
	assert.True(t, errors.Is(err, domain.ErrLimitExceeded))
	assert.Empty(t, events.kinds())
	redemptions.AssertExpectations(t)
}

func TestApplyToCart_OversizedFixedAmountNeverGoesNegative(t *testing.T) {
	f := newFixture(t)
	p := activePromotion("p-big", domain.PromotionTypeFixedAmount, 0)
	p.Value = decimal.RequireFromString("10000000000000000000")
	p.Code = "BIG"
	require.NoError(t, f.store.Create(context.Background(), p))

	result, err := f.svc.ApplyToCart(context.Background(), &ApplyInput{OrderID: "o-big", Code: "BIG", Cart: domain.Cart{Subtotal: 10000}})

	require.NoError(t, err)
	assert.Equal(t, int64(10000), result.Discount.Amount)
	assert.Equal(t, int64(10000), result.Redemption.DiscountApplied)
}

// --- Release ---

func TestRelease_RestoresUsage(t *testing.T) {
	f := newFixture(t)
	in := percentageInput("BACK", 10)
	in.UsageLimitTotal = intPtr(1)
	p := f.create(t, in)

	res, err := f.svc.ApplyToCart(context.Background(), &ApplyInput{OrderID: "o1", Code: "BACK", Cart: domain.Cart{Subtotal: 1000}})
	require.NoError(t, err)

	released, err := f.svc.Release(context.Background(), res.Redemption.ID)
	require.NoError(t, err)
	assert.True(t, released.IsReleased())

	again, err := f.svc.Release(context.Background(), res.Redemption.ID)
	require.NoError(t, err)
	assert.True(t, again.IsReleased())

	stored, _ := f.store.GetByID(context.Background(), p.ID)
	assert.Zero(t, stored.UsageCount)
	assert.Equal(t, []string{"created", "redeemed", "released"}, f.events.kinds())

	_, err = f.svc.ApplyToCart(context.Background(), &ApplyInput{OrderID: "o2", Code: "BACK", Cart: domain.Cart{Subtotal: 1000}})
	assert.NoError(t, err, "the released slot can be used again")
}

func TestRelease_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Release(context.Background(), "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestReleaseOrder(t *testing.T) {
	f := newFixture(t)
	f.create(t, percentageInput("A", 10))
	f.create(t, percentageInput("B", 10))

	for _, code := range []string{"A", "B"} {
		_, err := f.svc.ApplyToCart(context.Background(), &ApplyInput{OrderID: "o1", Code: code, Cart: domain.Cart{Subtotal: 1000}})
		require.NoError(t, err)
	}

	released, err := f.svc.ReleaseOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Len(t, released, 2)

	released, err = f.svc.ReleaseOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Empty(t, released, "a redelivered cancellation is a no-op")
}
