package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kindly-giving/backend/internal/models"
)

// Client is the HTTP JSON client for the processor API.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// NewClient creates a new processor client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error) {
	var charge Charge
	err := c.post(ctx, "/charges", fmt.Sprintf("%s-%d", req.DonationID, req.Attempt), req, &charge)
	return charge, err
}

func (c *Client) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	var refund RefundResult
	err := c.post(ctx, "/refunds", req.RefundID.String(), req, &refund)
	return refund, err
}

func (c *Client) Transfer(ctx context.Context, req TransferRequest) (Transfer, error) {
	var transfer Transfer
	err := c.post(ctx, "/transfers", req.PayoutID.String(), req, &transfer)
	return transfer, err
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, body, target any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: request to %s failed: %w", models.ErrExternal, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %w", models.ErrExternal, err)
	}

	if resp.StatusCode == http.StatusPaymentRequired {
		return fmt.Errorf("%w: %s", ErrDeclined, errorMessage(respBody))
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s returned %d: %s", models.ErrExternal, path, resp.StatusCode, errorMessage(respBody))
	}

	if err := json.Unmarshal(respBody, target); err != nil {
		return fmt.Errorf("%w: failed to parse response: %w", models.ErrExternal, err)
	}

	return nil
}

func errorMessage(body []byte) string {
	var e apiError
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}

	return strings.TrimSpace(string(body))
}
