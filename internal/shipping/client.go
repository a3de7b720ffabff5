// Package shipping talks to the carrier-rate API (EasyPost v2 wire format) used for
// rate previews, label purchases, label refunds and address verification.
package shipping

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hanko-field/marketplace/internal/platform/observability"
)

const (
	defaultBaseURL     = "https://api.easypost.com"
	defaultServiceTier = "Priority"
	defaultTimeout     = 15 * time.Second
	maxErrorBody       = 4 << 10
)

var (
	// ErrNoMatchingRate is returned when the carrier offers no rate for the configured service tier.
	ErrNoMatchingRate = errors.New("shipping: no rate matches service tier")
	// ErrShipmentNotFound is returned when the carrier API does not know the shipment ID.
	ErrShipmentNotFound = errors.New("shipping: shipment not found")
)

// APIError carries a non-2xx response from the carrier API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("shipping: api status %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("shipping: api status %d: %s", e.Status, e.Message)
}

// Config configures a Client.
type Config struct {
	BaseURL     string
	APIKey      string
	ServiceTier string
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Client is a thin REST client. Every call is bounded by the configured timeout and is never
// retried: a label purchase may already have been billed when a response is lost.
type Client struct {
	baseURL string
	apiKey  string
	tier    string
	timeout time.Duration
	http    *http.Client
}

// NewClient constructs a Client from cfg.
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("shipping: api key is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("shipping: invalid base url: %w", err)
	}
	tier := strings.TrimSpace(cfg.ServiceTier)
	if tier == "" {
		tier = defaultServiceTier
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		tier:    tier,
		timeout: timeout,
		http:    httpClient,
	}, nil
}

// ServiceTier reports the configured service level used for rate selection.
func (c *Client) ServiceTier() string { return c.tier }

func (c *Client) do(ctx context.Context, method, path string, body any, out any) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, end := observability.StartSpan(ctx, "shipping "+method+" "+spanPath(path),
		attribute.String("http.request.method", method),
	)
	defer func() { end(err) }()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("shipping: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("shipping: build request: %w", err)
	}
	req.SetBasicAuth(c.apiKey, "")
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("shipping: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("shipping: decode %s response: %w", path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{Status: resp.StatusCode}

	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// spanPath drops resource IDs so span names stay low-cardinality.
func spanPath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if strings.Contains(part, "_") {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}
