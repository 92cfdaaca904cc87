package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kindly-giving/backend/internal/models"
)

// Client is the HTTP JSON client for the aggregator API.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewClient creates a new aggregator client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) ListTransactions(ctx context.Context, accountID, cursor string) (Page, error) {
	query := url.Values{}
	if cursor != "" {
		query.Set("cursor", cursor)
	}

	var page Page
	err := c.get(ctx, fmt.Sprintf("/accounts/%s/transactions?%s", url.PathEscape(accountID), query.Encode()), &page)
	return page, err
}

func (c *Client) Consent(ctx context.Context, accountID string) (Consent, error) {
	var consent Consent
	err := c.get(ctx, fmt.Sprintf("/accounts/%s/consent", url.PathEscape(accountID)), &consent)
	return consent, err
}

func (c *Client) get(ctx context.Context, path string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: aggregator request failed: %w", models.ErrExternal, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read aggregator response: %w", models.ErrExternal, err)
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: aggregator returned %d: %s", models.ErrExternal, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("%w: failed to parse aggregator response: %w", models.ErrExternal, err)
	}

	return nil
}
