// Package memory is an in-process storage backend with the same semantics as
// the PostgreSQL repositories. One mutex guards all state, which makes every
// ledger operation trivially atomic.
package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/utafrali/promotion-engine/internal/domain"
	"github.com/utafrali/promotion-engine/internal/repository"
	apperrors "github.com/utafrali/promotion-engine/pkg/errors"
)

type customerKey struct {
	promotionID string
	customerID  string
}

type orderKey struct {
	promotionID string
	orderID     string
}

// Store implements repository.PromotionRepository and
// repository.RedemptionRepository.
type Store struct {
	mu sync.Mutex

	promotions     map[string]*domain.Promotion
	redemptions    map[string]*domain.Redemption
	byOrder        map[orderKey]string
	releases       map[string]time.Time
	customerCounts map[customerKey]int
}

var (
	_ repository.PromotionRepository  = (*Store)(nil)
	_ repository.RedemptionRepository = (*Store)(nil)
)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		promotions:     make(map[string]*domain.Promotion),
		redemptions:    make(map[string]*domain.Redemption),
		byOrder:        make(map[orderKey]string),
		releases:       make(map[string]time.Time),
		customerCounts: make(map[customerKey]int),
	}
}

// Create inserts a new promotion.
func (s *Store) Create(_ context.Context, p *domain.Promotion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Code != "" && s.codeTaken(p.Code, p.ID) {
		return apperrors.AlreadyExists("promotion", "code", p.Code)
	}
	if _, ok := s.promotions[p.ID]; ok {
		return apperrors.AlreadyExists("promotion", "id", p.ID)
	}

	stored := *p
	stored.Status = ""
	s.promotions[p.ID] = &stored
	return nil
}

// GetByID retrieves a live promotion.
func (s *Store) GetByID(_ context.Context, id string) (*domain.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.live(id)
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	out := *p
	return &out, nil
}

// GetByCode retrieves a live promotion by its normalized code.
func (s *Store) GetByCode(_ context.Context, code string) (*domain.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.promotions {
		if p.DeletedAt == nil && p.Code != "" && p.Code == code {
			out := *p
			return &out, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

// ListAutomatic returns live code-less promotions, oldest first.
func (s *Store) ListAutomatic(_ context.Context) ([]domain.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []domain.Promotion{}
	for _, p := range s.promotions {
		if p.DeletedAt == nil && p.IsAutomatic() {
			out = append(out, *p)
		}
	}
	slices.SortFunc(out, func(a, b domain.Promotion) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// List filters, orders and pages promotions.
func (s *Store) List(_ context.Context, filter repository.PromotionFilter) ([]domain.Promotion, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	search := strings.ToLower(strings.TrimSpace(filter.Search))

	matched := []domain.Promotion{}
	for _, p := range s.promotions {
		if p.DeletedAt != nil {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(p.Code), search) &&
			!strings.Contains(strings.ToLower(p.Name), search) {
			continue
		}
		if filter.Status != nil && domain.ResolveStatus(p, filter.Now) != *filter.Status {
			continue
		}
		if filter.Type != nil && p.Type != *filter.Type {
			continue
		}
		matched = append(matched, *p)
	}

	slices.SortFunc(matched, func(a, b domain.Promotion) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	total := len(matched)
	limit := filter.PerPage
	if limit <= 0 {
		limit = 20
	}
	offset := 0
	if filter.Page > 1 {
		offset = (filter.Page - 1) * limit
	}
	if offset >= total {
		return []domain.Promotion{}, total, nil
	}
	return matched[offset:min(offset+limit, total)], total, nil
}

// Update replaces a promotion definition, keeping its usage and creation time.
func (s *Store) Update(_ context.Context, p *domain.Promotion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.live(p.ID)
	if !ok {
		return apperrors.NotFound("promotion", p.ID)
	}
	if p.UsageLimitTotal != nil && current.UsageCount > *p.UsageLimitTotal {
		return domain.ErrLimitBelowUsage
	}
	if p.Code != "" && s.codeTaken(p.Code, p.ID) {
		return apperrors.AlreadyExists("promotion", "code", p.Code)
	}

	p.UsageCount = current.UsageCount
	p.CreatedAt = current.CreatedAt

	stored := *p
	stored.Status = ""
	s.promotions[p.ID] = &stored
	return nil
}

// Toggle flips is_active.
func (s *Store) Toggle(_ context.Context, id string, now time.Time) (*domain.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.live(id)
	if !ok {
		return nil, apperrors.NotFound("promotion", id)
	}
	p.IsActive = !p.IsActive
	p.UpdatedAt = now

	out := *p
	return &out, nil
}

// Delete soft-deletes promotions with redemption history and removes the rest.
func (s *Store) Delete(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.live(id)
	if !ok {
		return false, apperrors.NotFound("promotion", id)
	}

	for _, r := range s.redemptions {
		if r.PromotionID == id {
			p.DeletedAt = &now
			p.UpdatedAt = now
			return true, nil
		}
	}

	delete(s.promotions, id)
	return false, nil
}

// Reserve records a redemption and consumes its slots under the store lock.
func (s *Store) Reserve(_ context.Context, r *domain.Redemption) (*domain.Redemption, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byOrder[orderKey{r.PromotionID, r.OrderID}]; ok {
		if _, released := s.releases[id]; released {
			return nil, false, domain.ErrRedemptionReleased
		}
		return s.redemption(id), true, nil
	}

	p, ok := s.live(r.PromotionID)
	if !ok {
		return nil, false, apperrors.NotFound("promotion", r.PromotionID)
	}
	if p.UsageLimitTotal != nil && p.UsageCount >= *p.UsageLimitTotal {
		return nil, false, domain.ErrLimitExceeded
	}

	var key customerKey
	if r.CustomerID != nil {
		key = customerKey{r.PromotionID, *r.CustomerID}
		if p.UsageLimitPerCustomer != nil && s.customerCounts[key] >= *p.UsageLimitPerCustomer {
			return nil, false, domain.ErrLimitExceeded
		}
		s.customerCounts[key]++
	}
	p.UsageCount++

	stored := *r
	stored.ReleasedAt = nil
	if r.CustomerID != nil {
		customer := *r.CustomerID
		stored.CustomerID = &customer
	}
	s.redemptions[r.ID] = &stored
	s.byOrder[orderKey{r.PromotionID, r.OrderID}] = r.ID

	return s.redemption(r.ID), false, nil
}

// Release appends a release and gives the slots back the first time.
func (s *Store) Release(_ context.Context, redemptionID string, now time.Time) (*domain.Redemption, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.redemptions[redemptionID]
	if !ok {
		return nil, false, apperrors.NotFound("redemption", redemptionID)
	}
	if _, released := s.releases[redemptionID]; released {
		return s.redemption(redemptionID), false, nil
	}

	s.releases[redemptionID] = now
	if p, ok := s.promotions[r.PromotionID]; ok && p.UsageCount > 0 {
		p.UsageCount--
	}
	if r.CustomerID != nil {
		key := customerKey{r.PromotionID, *r.CustomerID}
		if s.customerCounts[key] > 0 {
			s.customerCounts[key]--
		}
	}

	return s.redemption(redemptionID), true, nil
}

// ListByOrder returns every redemption attached to an order.
func (s *Store) ListByOrder(_ context.Context, orderID string) ([]domain.Redemption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []domain.Redemption{}
	for id, r := range s.redemptions {
		if r.OrderID == orderID {
			out = append(out, *s.redemption(id))
		}
	}
	slices.SortFunc(out, func(a, b domain.Redemption) int {
		if c := a.RedeemedAt.Compare(b.RedeemedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// ListByPromotion returns a page of a promotion's redemptions, newest first.
func (s *Store) ListByPromotion(_ context.Context, promotionID string, page, perPage int) ([]domain.Redemption, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []domain.Redemption{}
	for id, r := range s.redemptions {
		if r.PromotionID == promotionID {
			out = append(out, *s.redemption(id))
		}
	}
	slices.SortFunc(out, func(a, b domain.Redemption) int {
		if c := b.RedeemedAt.Compare(a.RedeemedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	total := len(out)
	if perPage <= 0 {
		perPage = 20
	}
	offset := 0
	if page > 1 {
		offset = (page - 1) * perPage
	}
	if offset >= total {
		return []domain.Redemption{}, total, nil
	}
	return out[offset:min(offset+perPage, total)], total, nil
}

// CustomerUsage returns the customer's live redemption count.
func (s *Store) CustomerUsage(_ context.Context, promotionID, customerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.customerCounts[customerKey{promotionID, customerID}], nil
}

// live returns the stored, non-deleted promotion. Callers hold the lock.
func (s *Store) live(id string) (*domain.Promotion, bool) {
	p, ok := s.promotions[id]
	if !ok || p.DeletedAt != nil {
		return nil, false
	}
	return p, true
}

func (s *Store) codeTaken(code, exceptID string) bool {
	for id, p := range s.promotions {
		if id != exceptID && p.DeletedAt == nil && p.Code == code {
			return true
		}
	}
	return false
}

// redemption returns a copy of a stored redemption with its release joined.
func (s *Store) redemption(id string) *domain.Redemption {
	out := *s.redemptions[id]
	if at, ok := s.releases[id]; ok {
		out.ReleasedAt = &at
	}
	return &out
}
