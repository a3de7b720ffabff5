// Package tax is a client for a TaxJar-compatible sales tax API.
package tax

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hanko-field/marketplace/internal/domain"
	"github.com/hanko-field/marketplace/internal/platform/observability"
)

const (
	defaultBaseURL = "https://api.taxjar.com"
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 4 << 10
)

// APIError carries a non-2xx response from the tax API.
type APIError struct {
	Status int
	Kind   string
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tax: api status %d (%s): %s", e.Status, e.Kind, e.Detail)
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client calls the tax API. Calls are bounded by the configured timeout and never retried.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
}

// NewClient constructs a Client from cfg.
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("tax: api key is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: baseURL, apiKey: apiKey, timeout: timeout, http: httpClient}, nil
}

// Quote describes a candidate sale for tax calculation. Amounts are in minor units.
type Quote struct {
	From         domain.Address
	To           domain.Address
	Amount       int64
	Shipping     int64
	CategoryCode string
}

// Transaction is a completed sale reported for remittance. Amounts are in minor units.
type Transaction struct {
	ID           string
	Date         time.Time
	From         domain.Address
	To           domain.Address
	Amount       int64
	Shipping     int64
	SalesTax     int64
	CategoryCode string
	ProductID    string
	Description  string
}

type lineItem struct {
	ID             string      `json:"id,omitempty"`
	Quantity       int         `json:"quantity"`
	UnitPrice      json.Number `json:"unit_price"`
	ProductTaxCode string      `json:"product_tax_code,omitempty"`
	Description    string      `json:"description,omitempty"`
	SalesTax       json.Number `json:"sales_tax,omitempty"`
}

type addressFields struct {
	Country string
	Zip     string
	State   string
	City    string
	Street  string
}

// AmountToCollect returns the sales tax for q in major currency units.
func (c *Client) AmountToCollect(ctx context.Context, q Quote) (decimal.Decimal, error) {
	from, to := addressOf(q.From), addressOf(q.To)
	payload := map[string]any{
		"from_country": from.Country,
		"from_zip":     from.Zip,
		"from_state":   from.State,
		"from_city":    from.City,
		"from_street":  from.Street,
		"to_country":   to.Country,
		"to_zip":       to.Zip,
		"to_state":     to.State,
		"to_city":      to.City,
		"to_street":    to.Street,
		"amount":       majorUnits(q.Amount),
		"shipping":     majorUnits(q.Shipping),
		"line_items": []lineItem{{
			Quantity:       1,
			UnitPrice:      majorUnits(q.Amount),
			ProductTaxCode: q.CategoryCode,
		}},
	}

	var resp struct {
		Tax struct {
			AmountToCollect decimal.Decimal `json:"amount_to_collect"`
		} `json:"tax"`
	}
	if err := c.do(ctx, "/v2/taxes", payload, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Tax.AmountToCollect, nil
}

// RecordTransaction reports a completed order so the collected tax can be remitted.
func (c *Client) RecordTransaction(ctx context.Context, tx Transaction) error {
	if strings.TrimSpace(tx.ID) == "" {
		return errors.New("tax: transaction id is required")
	}
	from, to := addressOf(tx.From), addressOf(tx.To)
	salesTax := majorUnits(tx.SalesTax)
	payload := map[string]any{
		"transaction_id":   tx.ID,
		"transaction_date": tx.Date.UTC().Format(time.RFC3339),
		"from_country":     from.Country,
		"from_zip":         from.Zip,
		"from_state":       from.State,
		"from_city":        from.City,
		"from_street":      from.Street,
		"to_country":       to.Country,
		"to_zip":           to.Zip,
		"to_state":         to.State,
		"to_city":          to.City,
		"to_street":        to.Street,
		"amount":           majorUnits(tx.Amount + tx.Shipping),
		"shipping":         majorUnits(tx.Shipping),
		"sales_tax":        salesTax,
		"line_items": []lineItem{{
			ID:             tx.ProductID,
			Quantity:       1,
			UnitPrice:      majorUnits(tx.Amount),
			ProductTaxCode: tx.CategoryCode,
			Description:    tx.Description,
			SalesTax:       salesTax,
		}},
	}
	return c.do(ctx, "/v2/transactions/orders", payload, nil)
}

func (c *Client) do(ctx context.Context, path string, body any, out any) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, end := observability.StartSpan(ctx, "tax POST "+path,
		attribute.String("http.request.method", http.MethodPost),
	)
	defer func() { end(err) }()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("tax: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("tax: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tax: POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{Status: resp.StatusCode, Kind: http.StatusText(resp.StatusCode)}
		var envelope struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Detail != "" {
			apiErr.Kind = envelope.Error
			apiErr.Detail = envelope.Detail
		} else {
			apiErr.Detail = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("tax: decode %s response: %w", path, err)
	}
	return nil
}

func addressOf(a domain.Address) addressFields {
	street := strings.TrimSpace(a.Line1)
	if a.Line2 != nil && strings.TrimSpace(*a.Line2) != "" {
		street += " " + strings.TrimSpace(*a.Line2)
	}
	return addressFields{
		Country: strings.ToUpper(strings.TrimSpace(a.Country)),
		Zip:     strings.TrimSpace(a.PostalCode),
		State:   a.StateCode(),
		City:    strings.TrimSpace(a.City),
		Street:  street,
	}
}

// majorUnits renders minor units as a JSON number with two decimal places.
func majorUnits(minor int64) json.Number {
	return json.Number(decimal.New(minor, -2).StringFixed(2))
}
