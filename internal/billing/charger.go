package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// HTTPCharger purchases credit top-up packages through the payment
// collaborator. The ledger treats any error here as "top-up unavailable" and
// falls through to the insufficient-funds outcome.
type HTTPCharger struct {
	url    string
	apiKey string
	client *http.Client
}

var ErrUnconfigured = errors.New("billing: top-up endpoint not configured")

func NewHTTPCharger(url, apiKey string) *HTTPCharger {
	return &HTTPCharger{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type chargeRequest struct {
	OwnerID  string `json:"owner_id"`
	Packages int64  `json:"packages"`
}

func (c *HTTPCharger) Charge(ctx context.Context, ownerID string, packages int64) error {
	if c.url == "" {
		return ErrUnconfigured
	}
	body, err := json.Marshal(chargeRequest{OwnerID: ownerID, Packages: packages})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("billing: charge request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("billing: charge rejected with status %d", resp.StatusCode)
	}
	return nil
}
