// Package customer adapts the customer service's classification endpoint for
// audience targeting.
package customer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/utafrali/promotion-engine/internal/domain"
	apperrors "github.com/utafrali/promotion-engine/pkg/errors"
	"github.com/utafrali/promotion-engine/pkg/httpclient"
)

const serviceName = "customer"

// HTTPDoer is the interface for executing HTTP requests.
// Both httpclient.Client and httpclient.CircuitBreakerClient satisfy this.
type HTTPDoer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

type classificationResponse struct {
	Data *domain.CustomerProfile `json:"data"`
}

// Client fetches customer classifications over HTTP.
type Client struct {
	http    HTTPDoer
	baseURL string
	logger  *slog.Logger
}

// NewClient creates a classification client for the service at baseURL.
func NewClient(doer HTTPDoer, baseURL string, logger *slog.Logger) *Client {
	return &Client{
		http:    doer,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// Classify returns the customer's segment and completed order count. An
// unknown customer yields an ErrNotFound AppError.
func (c *Client) Classify(ctx context.Context, customerID string) (*domain.CustomerProfile, error) {
	endpoint := c.baseURL + "/api/v1/customers/" + url.PathEscape(customerID) + "/classification"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create classification request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("call customer service: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// Proxies answer 404 without the error envelope; the status alone
		// means the customer is unknown.
		_ = resp.Body.Close()
		return nil, apperrors.NotFound("customer", customerID)
	case resp.StatusCode != http.StatusOK:
		return nil, httpclient.ParseResponseError(resp, serviceName)
	}
	defer resp.Body.Close()

	var body classificationResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode classification response: %w", err)
	}
	if body.Data == nil {
		return nil, fmt.Errorf("classification response for customer %s has no data", customerID)
	}

	c.logger.DebugContext(ctx, "customer classified",
		slog.String("customer_id", customerID),
		slog.String("segment", body.Data.Segment),
		slog.Int("completed_orders", body.Data.CompletedOrders),
	)

	return body.Data, nil
}
