package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrProvider signals a failed call to the external payment provider. Safe to
// retry; no case state is committed when it is returned.
var ErrProvider = errors.New("payment: checkout provider failure")

// CheckoutSession is the provider's handle for a pending payment attempt.
type CheckoutSession struct {
	ID  string
	URL string
}

// SessionParams describes the one checkout product this system sells: the
// flat contract-generation fee for a case.
type SessionParams struct {
	CaseID      string
	AmountCents int64
	ProductName string
	Description string
	SuccessURL  string
	CancelURL   string
}

// Provider creates checkout sessions with the external payment provider.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, params SessionParams) (CheckoutSession, error)
}

// Client talks to a Stripe-compatible checkout API. The case id rides along
// as opaque session metadata and comes back on the completion event.
type Client struct {
	baseURL   string
	secretKey string
	http      *http.Client
}

func NewClient(baseURL, secretKey string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		http:      &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) CreateCheckoutSession(ctx context.Context, params SessionParams) (CheckoutSession, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", "usd")
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(params.AmountCents, 10))
	form.Set("line_items[0][price_data][product_data][name]", params.ProductName)
	form.Set("line_items[0][price_data][product_data][description]", params.Description)
	form.Set("metadata[caseId]", params.CaseID)
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("%w: build request: %v", ErrProvider, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return CheckoutSession{}, fmt.Errorf("%w: provider returned %d", ErrProvider, resp.StatusCode)
	}

	var out struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return CheckoutSession{}, fmt.Errorf("%w: decode response: %v", ErrProvider, err)
	}
	if out.ID == "" || out.URL == "" {
		return CheckoutSession{}, fmt.Errorf("%w: incomplete session in response", ErrProvider)
	}
	return CheckoutSession{ID: out.ID, URL: out.URL}, nil
}
