package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"checkout-reconciler/internal/models"
	"checkout-reconciler/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaymentVerifier confirms a payment intent with the external gateway.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, paymentRef string) (*models.PaymentConfirmation, error)
}

// GatewayClient retrieves payment intents from the hosted payment gateway
// over HTTP. The gateway is the source of truth for charge status; the
// service only trusts "succeeded" as the reconciliation trigger.
type GatewayClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewGatewayClient creates a new gateway client
func NewGatewayClient(baseURL, apiKey string) *GatewayClient {
	return &GatewayClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: util.GetLogger(),
	}
}

// gatewayIntent mirrors the gateway's payment intent payload. Amounts come
// back in minor units (cents).
type gatewayIntent struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

// VerifyPayment fetches the payment intent and returns its confirmation.
func (c *GatewayClient) VerifyPayment(ctx context.Context, paymentRef string) (*models.PaymentConfirmation, error) {
	ctx, span := util.StartSpan(ctx, "GatewayClient.VerifyPayment")
	defer span.End()

	url := fmt.Sprintf("%s/v1/payment_intents/%s", c.baseURL, paymentRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned status %d for %s", resp.StatusCode, paymentRef)
	}

	var intent gatewayIntent
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return nil, fmt.Errorf("failed to decode gateway response: %w", err)
	}

	c.logger.Debug("Payment intent verified",
		zap.String("payment_reference", intent.ID),
		zap.String("status", intent.Status))

	return &models.PaymentConfirmation{
		PaymentReference: intent.ID,
		Amount:           decimal.New(intent.Amount, -2),
		Currency:         intent.Currency,
		Status:           intent.Status,
	}, nil
}
