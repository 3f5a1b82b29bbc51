package event

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/utafrali/promotion-engine/internal/domain"
	pkgkafka "github.com/utafrali/promotion-engine/pkg/kafka"
	"github.com/utafrali/promotion-engine/pkg/logger"
)

// Kafka topic constants for promotion domain events.
var (
	TopicPromotionCreated   = pkgkafka.Topic("promotion", "created")
	TopicPromotionUpdated   = pkgkafka.Topic("promotion", "updated")
	TopicPromotionToggled   = pkgkafka.Topic("promotion", "toggled")
	TopicPromotionDeleted   = pkgkafka.Topic("promotion", "deleted")
	TopicPromotionRedeemed  = pkgkafka.Topic("promotion", "redeemed")
	TopicRedemptionReleased = pkgkafka.Topic("promotion", "released")
)

// Aggregate type constant.
const AggregateTypePromotion = "promotion"

// Source identifier for events originating from the promotion engine.
const SourcePromotionEngine = "promotion-engine"

// PromotionData is the payload for promotion lifecycle events.
type PromotionData struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Code           string `json:"code,omitempty"`
	Type           string `json:"type"`
	Value          string `json:"value"`
	TargetAudience string `json:"target_audience"`
	IsActive       bool   `json:"is_active"`
	Status         string `json:"status,omitempty"`
}

// PromotionDeletedData is the payload for a promotion.deleted event.
type PromotionDeletedData struct {
	ID   string `json:"id"`
	Soft bool   `json:"soft"`
}

// RedemptionData is the payload for redeemed and released events.
type RedemptionData struct {
	RedemptionID    string     `json:"redemption_id"`
	PromotionID     string     `json:"promotion_id"`
	CustomerID      string     `json:"customer_id,omitempty"`
	OrderID         string     `json:"order_id"`
	Code            string     `json:"code,omitempty"`
	DiscountApplied int64      `json:"discount_applied"`
	ShippingWaived  bool       `json:"shipping_waived"`
	ReleasedAt      *time.Time `json:"released_at,omitempty"`
}

// Publisher writes an event to a topic. *pkgkafka.Producer satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// Producer publishes promotion domain events to Kafka. A nil publisher turns
// every call into a no-op, which is how the engine runs without a broker.
type Producer struct {
	kafka  Publisher
	logger *slog.Logger
}

// NewProducer creates a new event producer for the promotion engine.
func NewProducer(kafka Publisher, logger *slog.Logger) *Producer {
	return &Producer{
		kafka:  kafka,
		logger: logger,
	}
}

// PublishPromotionCreated publishes a promotion.created event.
func (p *Producer) PublishPromotionCreated(ctx context.Context, promotion *domain.Promotion) error {
	return p.publishPromotion(ctx, TopicPromotionCreated, promotion)
}

// PublishPromotionUpdated publishes a promotion.updated event.
func (p *Producer) PublishPromotionUpdated(ctx context.Context, promotion *domain.Promotion) error {
	return p.publishPromotion(ctx, TopicPromotionUpdated, promotion)
}

// PublishPromotionToggled publishes a promotion.toggled event.
func (p *Producer) PublishPromotionToggled(ctx context.Context, promotion *domain.Promotion) error {
	return p.publishPromotion(ctx, TopicPromotionToggled, promotion)
}

// PublishPromotionDeleted publishes a promotion.deleted event.
func (p *Producer) PublishPromotionDeleted(ctx context.Context, id string, soft bool) error {
	return p.publish(ctx, TopicPromotionDeleted, id, PromotionDeletedData{ID: id, Soft: soft})
}

// PublishPromotionRedeemed publishes a promotion.redeemed event.
func (p *Producer) PublishPromotionRedeemed(ctx context.Context, promotion *domain.Promotion, r *domain.Redemption) error {
	data := redemptionData(r)
	data.Code = promotion.Code
	return p.publish(ctx, TopicPromotionRedeemed, promotion.ID, data)
}

// PublishRedemptionReleased publishes a promotion.released event.
func (p *Producer) PublishRedemptionReleased(ctx context.Context, r *domain.Redemption) error {
	return p.publish(ctx, TopicRedemptionReleased, r.PromotionID, redemptionData(r))
}

func (p *Producer) publishPromotion(ctx context.Context, topic string, promotion *domain.Promotion) error {
	data := PromotionData{
		ID:             promotion.ID,
		Name:           promotion.Name,
		Code:           promotion.Code,
		Type:           promotion.Type,
		Value:          promotion.Value.String(),
		TargetAudience: promotion.TargetAudience,
		IsActive:       promotion.IsActive,
		Status:         promotion.Status,
	}
	return p.publish(ctx, topic, promotion.ID, data)
}

func (p *Producer) publish(ctx context.Context, topic, aggregateID string, data any) error {
	if p.kafka == nil {
		return nil
	}

	event, err := pkgkafka.NewEvent(topic, aggregateID, AggregateTypePromotion, SourcePromotionEngine, data)
	if err != nil {
		return fmt.Errorf("create %s event: %w", topic, err)
	}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		event.WithCorrelationID(id)
	}

	if err := p.kafka.Publish(ctx, topic, event); err != nil {
		return fmt.Errorf("publish %s event: %w", topic, err)
	}

	p.logger.DebugContext(ctx, "published event",
		slog.String("topic", topic),
		slog.String("promotion_id", aggregateID),
	)

	return nil
}

func redemptionData(r *domain.Redemption) RedemptionData {
	data := RedemptionData{
		RedemptionID:    r.ID,
		PromotionID:     r.PromotionID,
		OrderID:         r.OrderID,
		DiscountApplied: r.DiscountApplied,
		ShippingWaived:  r.ShippingWaived,
		ReleasedAt:      r.ReleasedAt,
	}
	if r.CustomerID != nil {
		data.CustomerID = *r.CustomerID
	}
	return data
}
