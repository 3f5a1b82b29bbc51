package event

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/utafrali/promotion-engine/internal/domain"
	pkgkafka "github.com/utafrali/promotion-engine/pkg/kafka"
)

// Kafka topics consumed by the promotion engine.
var TopicOrderCanceled = pkgkafka.Topic("order", "canceled")

// RedemptionReleaser defines the interface required by the event consumer.
type RedemptionReleaser interface {
	ReleaseOrder(ctx context.Context, orderID string) ([]domain.Redemption, error)
}

// OrderCanceledData is the expected payload of an order.canceled event.
type OrderCanceledData struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

// Consumer processes incoming Kafka events for the promotion engine.
type Consumer struct {
	logger  *slog.Logger
	service RedemptionReleaser
}

// NewConsumer creates a new event consumer.
func NewConsumer(service RedemptionReleaser, logger *slog.Logger) *Consumer {
	return &Consumer{
		service: service,
		logger:  logger,
	}
}

// HandleOrderCanceled gives back every promotion slot a canceled order held.
// Redelivery is harmless: already released redemptions are skipped.
func (c *Consumer) HandleOrderCanceled(ctx context.Context, event *pkgkafka.Event) error {
	var data OrderCanceledData
	if err := event.UnmarshalData(&data); err != nil {
		return fmt.Errorf("unmarshal order.canceled data: %w", err)
	}
	if data.OrderID == "" {
		c.logger.WarnContext(ctx, "order.canceled event without order_id",
			slog.String("event_id", event.EventID),
		)
		return nil
	}

	c.logger.InfoContext(ctx, "processing order.canceled event",
		slog.String("order_id", data.OrderID),
		slog.String("event_id", event.EventID),
	)

	released, err := c.service.ReleaseOrder(ctx, data.OrderID)
	if err != nil {
		return fmt.Errorf("release redemptions for order %s: %w", data.OrderID, err)
	}

	c.logger.InfoContext(ctx, "redemptions released for canceled order",
		slog.String("order_id", data.OrderID),
		slog.Int("released", len(released)),
	)

	return nil
}
