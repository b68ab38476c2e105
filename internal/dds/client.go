// Package dds is the digital-downloads-store API client: customers,
// products, sales, and order validation. Authentication is key+token query
// parameters; the store also runs embedded next to the site, so loopback
// base URLs get a fixed timeout independent of the shared API policy.
package dds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bemamusic/crm-engine/internal/domain"
	"github.com/bemamusic/crm-engine/internal/pkg/httpretry"
)

// loopbackTimeout applies to calls against the embedding host.
const loopbackTimeout = 30 * time.Second

// Client is the DDS API client.
type Client struct {
	baseURL      string
	apiKey       string
	token        string
	maxRetries   int
	productCodes map[string]string
	batchBuffer  int
	httpClient   httpretry.HTTPDoer
}

// NewClient creates a new DDS API client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if isLoopback(cfg.BaseURL) {
		timeout = loopbackTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	policy := httpretry.DefaultPolicy()
	policy.MaxRetries = maxRetries
	if cfg.MinInterval > 0 {
		policy.MinInterval = cfg.MinInterval
	}
	batchBuffer := cfg.BatchBuffer
	if batchBuffer <= 0 {
		batchBuffer = 4
	}
	codes := make(map[string]string, len(cfg.ProductCodes))
	for k, v := range cfg.ProductCodes {
		codes[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		token:        cfg.Token,
		maxRetries:   maxRetries,
		productCodes: codes,
		batchBuffer:  batchBuffer,
		httpClient:   httpretry.New(&http.Client{Timeout: timeout}, policy),
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing)
func (c *Client) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

func isLoopback(baseURL string) bool {
	u, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// doRequest performs an authenticated GET against the DDS API. All store
// endpoints are reads; the key and token ride as query parameters.
func (c *Client) doRequest(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("key", c.apiKey)
	params.Set("token", c.token)
	reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, endpoint, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.E(domain.KindTransport, "dds.GET "+endpoint,
			fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.E(domain.KindTransport, "dds.GET "+endpoint,
			fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &domain.APIError{
			Endpoint: endpoint,
			Method:   http.MethodGet,
			Status:   resp.StatusCode,
			Body:     truncateBody(respBody),
		}
	}

	return respBody, nil
}

// getJSON fetches and decodes an endpoint, re-issuing the request when the
// body does not parse. Payloads from the embedded store are occasionally
// cut off mid-stream.
func (c *Client) getJSON(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		body, err := c.doRequest(ctx, endpoint, cloneValues(params))
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, out); err != nil {
			lastErr = domain.E(domain.KindTransport, "dds.GET "+endpoint,
				fmt.Errorf("failed to parse response (attempt %d/%d): %w", attempt, c.maxRetries, err))
			continue
		}
		return nil
	}
	return lastErr
}

func cloneValues(v url.Values) url.Values {
	out := url.Values{}
	for k, vals := range v {
		for _, val := range vals {
			out.Add(k, val)
		}
	}
	return out
}

func truncateBody(body []byte) string {
	const max = 512
	s := string(body)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// ========== Customer Methods ==========

// Customers retrieves one page of store customers. Pages are numbered from 1.
func (c *Client) Customers(ctx context.Context, page, size int) ([]Customer, error) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 100
	}
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("number", strconv.Itoa(size))

	var resp customersResponse
	if err := c.getJSON(ctx, "/customers", params, &resp); err != nil {
		return nil, err
	}
	return resp.Customers, nil
}

// ========== Product Methods ==========

// Products retrieves all store products.
func (c *Client) Products(ctx context.Context) ([]Product, error) {
	var resp productsResponse
	if err := c.getJSON(ctx, "/products", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Products, nil
}

// FindProductByTitle resolves a campaign's product by matching the artist
// and the title the short code maps to against product names. The empty
// string without error means no product matched, which is normal for
// campaigns that have nothing to sell yet.
func (c *Client) FindProductByTitle(ctx context.Context, artist, productCode string) (string, error) {
	title := c.productCodes[strings.ToUpper(strings.TrimSpace(productCode))]
	if title == "" {
		title = productCode
	}
	artistLower := strings.ToLower(strings.TrimSpace(artist))
	titleLower := strings.ToLower(strings.TrimSpace(title))
	if titleLower == "" {
		return "", nil
	}

	products, err := c.Products(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range products {
		name := strings.ToLower(p.Name)
		if strings.Contains(name, titleLower) && (artistLower == "" || strings.Contains(name, artistLower)) {
			return p.ID.String(), nil
		}
	}
	return "", nil
}

// ========== Sales Methods ==========

// SalesPage retrieves one page of sales, optionally filtered by product.
// Pages are numbered from 1.
func (c *Client) SalesPage(ctx context.Context, productID string, page, size int) (*SalesPage, error) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 100
	}
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("number", strconv.Itoa(size))
	if productID != "" {
		params.Set("product_id", productID)
	}

	var resp salesResponse
	if err := c.getJSON(ctx, "/sales", params, &resp); err != nil {
		return nil, err
	}

	out := &SalesPage{Sales: resp.Sales}
	seen := make(map[string]bool, len(resp.Sales))
	for _, s := range resp.Sales {
		email := domain.NormalizeEmail(s.Email)
		if email == "" || seen[email] {
			continue
		}
		seen[email] = true
		out.Emails = append(out.Emails, email)
	}
	return out, nil
}

// SalesBatches streams sales pages over a bounded channel so fetching can
// overlap with persistence. The sequence starts at startPage and ends at the
// first empty page, a fetch error (delivered as the final batch), or context
// cancellation. The caller must drain the channel.
func (c *Client) SalesBatches(ctx context.Context, productID string, startPage, size int) <-chan SalesBatch {
	if startPage < 1 {
		startPage = 1
	}
	ch := make(chan SalesBatch, c.batchBuffer)
	go func() {
		defer close(ch)
		for page := startPage; ; page++ {
			sp, err := c.SalesPage(ctx, productID, page, size)
			if err != nil {
				select {
				case ch <- SalesBatch{Page: page, Err: err}:
				case <-ctx.Done():
				}
				return
			}
			if len(sp.Sales) == 0 {
				return
			}
			select {
			case ch <- SalesBatch{Page: page, Emails: sp.Emails, Sales: sp.Sales}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// HasPurchased reports whether any sale of the product belongs to the given
// email.
func (c *Client) HasPurchased(ctx context.Context, email, productID string) (bool, error) {
	params := url.Values{}
	params.Set("email", domain.NormalizeEmail(email))
	if productID != "" {
		params.Set("product_id", productID)
	}
	params.Set("number", "1")

	var resp salesResponse
	if err := c.getJSON(ctx, "/sales", params, &resp); err != nil {
		return false, err
	}
	return len(resp.Sales) > 0, nil
}

// ValidateOrder resolves an order by id and reports whether it belongs to
// the given email, compared case-insensitively. An unknown order is a clean
// false, not an error.
func (c *Client) ValidateOrder(ctx context.Context, orderID, email string) (bool, error) {
	params := url.Values{}
	params.Set("id", orderID)

	var resp salesResponse
	err := c.getJSON(ctx, "/sales", params, &resp)
	if err != nil {
		var apiErr *domain.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	want := domain.NormalizeEmail(email)
	for _, s := range resp.Sales {
		if s.ID.String() == orderID && domain.NormalizeEmail(s.Email) == want {
			return true, nil
		}
	}
	return false, nil
}

// Ping verifies connectivity and credentials with a cheap read.
func (c *Client) Ping(ctx context.Context) error {
	params := url.Values{}
	params.Set("number", "1")
	var resp productsResponse
	return c.getJSON(ctx, "/products", params, &resp)
}
