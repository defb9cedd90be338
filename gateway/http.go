package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Client talks to the processor's REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type holdRequest struct {
	AmountCents int64             `json:"amount_cents"`
	Currency    string            `json:"currency"`
	Capture     string            `json:"capture_method"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type holdResponse struct {
	ID          string `json:"id"`
	ClientToken string `json:"client_token"`
}

func (c *Client) CreateHold(ctx context.Context, amountCents int64, currency string, md Metadata) (Hold, error) {
	body := holdRequest{
		AmountCents: amountCents,
		Currency:    currency,
		Capture:     "manual",
		Metadata:    md,
	}

	var resp holdResponse
	if err := c.do(ctx, "create_hold", "/v1/holds", "", body, &resp); err != nil {
		return Hold{}, err
	}
	return Hold{Ref: resp.ID, ClientToken: resp.ClientToken}, nil
}

func (c *Client) Capture(ctx context.Context, ref, idempotencyKey string) error {
	path := "/v1/holds/" + url.PathEscape(ref) + "/capture"
	return c.do(ctx, "capture", path, idempotencyKey, struct{}{}, nil)
}

func (c *Client) Cancel(ctx context.Context, ref string) error {
	path := "/v1/holds/" + url.PathEscape(ref) + "/cancel"
	return c.do(ctx, "cancel", path, "", struct{}{}, nil)
}

func (c *Client) Refund(ctx context.Context, ref, idempotencyKey string) error {
	path := "/v1/holds/" + url.PathEscape(ref) + "/refund"
	return c.do(ctx, "refund", path, idempotencyKey, struct{}{}, nil)
}

func (c *Client) Transfer(ctx context.Context, amountCents int64, destination, idempotencyKey string) error {
	body := struct {
		AmountCents int64  `json:"amount_cents"`
		Destination string `json:"destination"`
	}{amountCents, destination}
	return c.do(ctx, "transfer", "/v1/transfers", idempotencyKey, body, nil)
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, op, path, idempotencyKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("gateway: %s: encode request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("gateway: %s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope errorEnvelope
		_ = json.NewDecoder(resp.Body).Decode(&envelope)
		return &Error{
			Op:      op,
			Status:  resp.StatusCode,
			Code:    envelope.Error.Code,
			Message: envelope.Error.Message,
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("gateway: %s: decode response: %w", op, err)
		}
	}
	return nil
}
