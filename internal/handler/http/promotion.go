package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/utafrali/promotion-engine/internal/domain"
	"github.com/utafrali/promotion-engine/internal/service"
	apperrors "github.com/utafrali/promotion-engine/pkg/errors"
	"github.com/utafrali/promotion-engine/pkg/httputil"
	"github.com/utafrali/promotion-engine/pkg/middleware"
	"github.com/utafrali/promotion-engine/pkg/pagination"
	"github.com/utafrali/promotion-engine/pkg/validator"
)

const maxBodyBytes = 1 << 20

// PromotionHandler handles HTTP requests for promotion and checkout endpoints.
type PromotionHandler struct {
	service *service.PromotionService
	logger  *slog.Logger
}

// NewPromotionHandler creates a new promotion HTTP handler.
func NewPromotionHandler(svc *service.PromotionService, logger *slog.Logger) *PromotionHandler {
	return &PromotionHandler{
		service: svc,
		logger:  logger,
	}
}

// --- Request DTOs ---

// PromotionRequest is the JSON body for creating or replacing a promotion.
// value accepts a JSON number or a decimal string.
type PromotionRequest struct {
	Name                  string          `json:"name" validate:"required,max=200"`
	Description           string          `json:"description" validate:"max=2000"`
	Code                  string          `json:"code" validate:"max=50"`
	Type                  string          `json:"type" validate:"required,oneof=percentage fixed_amount free_shipping"`
	Value                 decimal.Decimal `json:"value"`
	TargetAudience        string          `json:"target_audience" validate:"omitempty,oneof=all new_customers vip regular"`
	MinOrderAmount        *int64          `json:"min_order_amount" validate:"omitempty,gte=0"`
	StartsAt              time.Time       `json:"starts_at" validate:"required"`
	EndsAt                *time.Time      `json:"ends_at"`
	UsageLimitTotal       *int            `json:"usage_limit_total" validate:"omitempty,gte=1"`
	UsageLimitPerCustomer *int            `json:"usage_limit_per_customer" validate:"omitempty,gte=1"`
	IsActive              *bool           `json:"is_active"`
}

func (req *PromotionRequest) toInput() *service.PromotionInput {
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	return &service.PromotionInput{
		Name:                  req.Name,
		Description:           req.Description,
		Code:                  req.Code,
		Type:                  req.Type,
		Value:                 req.Value,
		TargetAudience:        req.TargetAudience,
		MinOrderAmount:        req.MinOrderAmount,
		StartsAt:              req.StartsAt,
		EndsAt:                req.EndsAt,
		UsageLimitTotal:       req.UsageLimitTotal,
		UsageLimitPerCustomer: req.UsageLimitPerCustomer,
		IsActive:              active,
	}
}

// CartRequest carries the cart amounts in the smallest currency unit.
type CartRequest struct {
	Subtotal    int64 `json:"subtotal" validate:"gte=0"`
	ShippingFee int64 `json:"shipping_fee" validate:"gte=0"`
}

// ApplyRequest is the JSON body checkout sends to apply a promotion.
// customer_id falls back to the X-Customer-ID header; an empty value is an
// anonymous checkout.
type ApplyRequest struct {
	OrderID    string      `json:"order_id" validate:"required,max=100"`
	CustomerID string      `json:"customer_id" validate:"max=100"`
	Code       string      `json:"code" validate:"max=50"`
	Cart       CartRequest `json:"cart"`
}

// --- Handlers ---

// ListPromotions handles GET /api/v1/promotions
func (h *PromotionHandler) ListPromotions(w http.ResponseWriter, r *http.Request) {
	page := pagination.FromRequest(r)
	q := r.URL.Query()

	filter := service.ListFilter{
		Search:  q.Get("search"),
		Page:    page.Page,
		PerPage: page.PerPage,
	}
	if v := q.Get("status"); v != "" {
		filter.Status = &v
	}
	if v := q.Get("type"); v != "" {
		filter.Type = &v
	}

	promotions, total, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.NewPaginatedResponse(promotions, total, page.Page, page.PerPage))
}

// CreatePromotion handles POST /api/v1/promotions
func (h *PromotionHandler) CreatePromotion(w http.ResponseWriter, r *http.Request) {
	var req PromotionRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	promotion, err := h.service.Create(r.Context(), req.toInput())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Data: promotion})
}

// GetPromotion handles GET /api/v1/promotions/{id}
func (h *PromotionHandler) GetPromotion(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	promotion, err := h.service.Get(r.Context(), id.String())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: promotion})
}

// UpdatePromotion handles PUT /api/v1/promotions/{id}
func (h *PromotionHandler) UpdatePromotion(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	var req PromotionRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	promotion, err := h.service.Update(r.Context(), id.String(), req.toInput())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: promotion})
}

// DeletePromotion handles DELETE /api/v1/promotions/{id}
func (h *PromotionHandler) DeletePromotion(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), id.String()); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// TogglePromotion handles POST /api/v1/promotions/{id}/toggle
func (h *PromotionHandler) TogglePromotion(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	promotion, err := h.service.ToggleStatus(r.Context(), id.String())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: promotion})
}

// DuplicatePromotion handles POST /api/v1/promotions/{id}/duplicate
func (h *PromotionHandler) DuplicatePromotion(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	promotion, err := h.service.Duplicate(r.Context(), id.String())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Data: promotion})
}

// ListRedemptions handles GET /api/v1/promotions/{id}/redemptions
func (h *PromotionHandler) ListRedemptions(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	page := pagination.FromRequest(r)

	redemptions, total, err := h.service.ListRedemptions(r.Context(), id.String(), page.Page, page.PerPage)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.NewPaginatedResponse(redemptions, total, page.Page, page.PerPage))
}

// ApplyToCart handles POST /api/v1/checkout/apply
func (h *PromotionHandler) ApplyToCart(w http.ResponseWriter, r *http.Request) {
	var req ApplyRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	customerID := req.CustomerID
	if customerID == "" {
		customerID = r.Header.Get(middleware.CustomerIDHeader)
	}

	result, err := h.service.ApplyToCart(r.Context(), &service.ApplyInput{
		CustomerID: customerID,
		OrderID:    req.OrderID,
		Code:       req.Code,
		Cart:       domain.Cart{Subtotal: req.Cart.Subtotal, ShippingFee: req.Cart.ShippingFee},
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, httputil.Response{Data: result})
}

// ReleaseRedemption handles POST /api/v1/redemptions/{id}/release
func (h *PromotionHandler) ReleaseRedemption(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	redemption, err := h.service.Release(r.Context(), id.String())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: redemption})
}

// --- Helpers ---

func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "invalid request body: " + err.Error()},
		})
		return false
	}

	if err := validator.Validate(dst); err != nil {
		httputil.WriteValidationError(w, err)
		return false
	}
	return true
}

// writeError maps engine errors onto their HTTP codes and leaves the rest to
// the shared envelope.
func (h *PromotionHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var eligErr *domain.EligibilityError
	switch {
	case errors.As(err, &eligErr):
		err = apperrors.Unprocessable(
			"ELIGIBILITY_"+strings.ToUpper(eligErr.Reason),
			fmt.Sprintf("promotion %s does not apply: %s", eligErr.PromotionID, eligErr.Reason),
		)
	case errors.Is(err, domain.ErrLimitExceeded):
		err = apperrors.Conflict("LIMIT_EXCEEDED", "promotion usage limit reached")
	case errors.Is(err, domain.ErrRedemptionReleased):
		err = apperrors.Conflict("REDEMPTION_RELEASED", "the order's redemption of this promotion was released")
	}

	httputil.WriteError(w, r, err, h.logger)
}
