// Package catalog provides clients for external component-data supplier APIs.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
)

// Lifecycle statuses reported by suppliers.
const (
	LifecycleActive   = "active"
	LifecycleNRND     = "nrnd"
	LifecycleEOL      = "eol"
	LifecycleObsolete = "obsolete"
	LifecycleUnknown  = "unknown"
)

// PartData is the enrichment payload a supplier returns for one component.
type PartData struct {
	MPN              string   `json:"mpn"`
	Manufacturer     string   `json:"manufacturer"`
	Description      string   `json:"description,omitempty"`
	LifecycleStatus  string   `json:"lifecycle_status"`
	StockQty         int      `json:"stock_qty"`
	LeadTimeWeeks    int      `json:"lead_time_weeks"`
	UnitPrice        float64  `json:"unit_price,omitempty"`
	Currency         string   `json:"currency,omitempty"`
	RoHS             bool     `json:"rohs"`
	REACH            bool     `json:"reach"`
	YearsToEOL       *float64 `json:"years_to_eol,omitempty"`
	AlternateSources int      `json:"alternate_sources"`
	DatasheetURL     string   `json:"datasheet_url,omitempty"`
	Supplier         string   `json:"supplier,omitempty"`
}

// Client defines the supplier lookup operations.
type Client interface {
	// Name identifies the supplier for logs, breaker keys, and rate limits.
	Name() string
	// Lookup resolves a part by MPN and manufacturer.
	Lookup(ctx context.Context, mpn, manufacturer string) (*PartData, error)
}

// ErrNotFound indicates the supplier has no record of the requested part.
var ErrNotFound = eris.New("catalog: part not found")

// APIError is a non-2xx supplier response. Callers decide retryability from
// the status code.
type APIError struct {
	Supplier   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("catalog: %s returned status %d: %s", e.Supplier, e.StatusCode, e.Body)
}

// Option configures the HTTP supplier client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout overrides the default request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.http.Timeout = d
	}
}

type httpClient struct {
	name    string
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a supplier client against a parts API. Retries, rate
// limiting, and circuit breaking are the caller's concern; each Lookup makes
// exactly one request.
func NewClient(name, baseURL, apiKey string, opts ...Option) Client {
	c := &httpClient{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Name() string {
	return c.name
}

func (c *httpClient) Lookup(ctx context.Context, mpn, manufacturer string) (*PartData, error) {
	q := url.Values{}
	q.Set("mpn", mpn)
	q.Set("manufacturer", manufacturer)
	reqURL := fmt.Sprintf("%s/v1/parts?%s", c.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: %s request failed", c.name)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: %s read response body", c.name)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, &APIError{Supplier: c.name, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var part PartData
	if err := json.Unmarshal(body, &part); err != nil {
		return nil, eris.Wrapf(err, "catalog: %s unmarshal response", c.name)
	}
	if part.Supplier == "" {
		part.Supplier = c.name
	}
	if part.LifecycleStatus == "" {
		part.LifecycleStatus = LifecycleUnknown
	}
	return &part, nil
}
