package customer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/utafrali/promotion-engine/internal/domain"
)

const keyPrefix = "customer:classification:"

// Classifier resolves a customer's profile.
type Classifier interface {
	Classify(ctx context.Context, customerID string) (*domain.CustomerProfile, error)
}

// CachedClassifier keeps classifications in Redis for ttl. Redis failures
// degrade to calling next directly.
type CachedClassifier struct {
	next   Classifier
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedClassifier wraps next with a Redis read-through cache.
func NewCachedClassifier(next Classifier, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedClassifier {
	return &CachedClassifier{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// Classify returns the cached profile or fetches and stores it. Errors from
// next, including not-found, are never cached.
func (c *CachedClassifier) Classify(ctx context.Context, customerID string) (*domain.CustomerProfile, error) {
	key := keyPrefix + customerID

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var profile domain.CustomerProfile
		if err := json.Unmarshal(data, &profile); err == nil {
			return &profile, nil
		}
		c.logger.WarnContext(ctx, "discarding corrupt cached classification",
			slog.String("customer_id", customerID),
		)
	case !errors.Is(err, redis.Nil):
		c.logger.WarnContext(ctx, "classification cache read failed",
			slog.String("customer_id", customerID),
			slog.String("error", err.Error()),
		)
	}

	profile, err := c.next.Classify(ctx, customerID)
	if err != nil {
		return nil, err
	}

	if err := c.store(ctx, key, profile); err != nil {
		c.logger.WarnContext(ctx, "classification cache write failed",
			slog.String("customer_id", customerID),
			slog.String("error", err.Error()),
		)
	}

	return profile, nil
}

func (c *CachedClassifier) store(ctx context.Context, key string, profile *domain.CustomerProfile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal classification: %w", err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set classification: %w", err)
	}
	return nil
}
