// Package mlp is the marketing-list-provider API client: campaigns, custom
// fields, groups, subscribers and group membership. All calls go through a
// shared retry client that honours the provider's rate-limit headers and
// enforces minimum request spacing.
package mlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bemamusic/crm-engine/internal/domain"
	"github.com/bemamusic/crm-engine/internal/pkg/httpretry"
)

// Client is the MLP API client.
type Client struct {
	baseURL     string
	apiKey      string
	maxRetries  int
	verifyPolls int
	verifyDelay time.Duration
	httpClient  httpretry.HTTPDoer
	cache       *responseCache
	sleep       httpretry.Sleeper

	mu      sync.Mutex
	abortCh chan struct{}
}

// NewClient creates a new MLP API client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
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
	verifyPolls := cfg.VerifyPolls
	if verifyPolls <= 0 {
		verifyPolls = 3
	}
	verifyDelay := cfg.VerifyDelay
	if verifyDelay <= 0 {
		verifyDelay = 2 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		maxRetries:  maxRetries,
		verifyPolls: verifyPolls,
		verifyDelay: verifyDelay,
		httpClient:  httpretry.New(&http.Client{Timeout: timeout}, policy),
		cache:       newResponseCache(cfg.CacheTTL),
		sleep:       time.Sleep,
		abortCh:     make(chan struct{}),
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing)
func (c *Client) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

// SetSleeper replaces the sleep used between verify polls (tests).
func (c *Client) SetSleeper(s httpretry.Sleeper) {
	c.sleep = s
}

// AbortPending cancels every in-flight request issued through this client.
// Subsequent requests proceed normally.
func (c *Client) AbortPending() {
	c.mu.Lock()
	close(c.abortCh)
	c.abortCh = make(chan struct{})
	c.mu.Unlock()
}

// FlushCache drops all memoized GET responses. The resource guard calls
// this when memory pressure crosses the threshold.
func (c *Client) FlushCache() {
	c.cache.flush()
}

// watchAbort derives a context that is cancelled by AbortPending.
func (c *Client) watchAbort(ctx context.Context) (context.Context, context.CancelFunc) {
	c.mu.Lock()
	ch := c.abortCh
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// doRequest performs an authenticated request to the MLP API.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	ctx, cancel := c.watchAbort(ctx)
	defer cancel()

	reqURL := fmt.Sprintf("%s%s", c.baseURL, endpoint)
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.E(domain.KindTransport, "mlp."+method+" "+endpoint,
			fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.E(domain.KindTransport, "mlp."+method+" "+endpoint,
			fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &domain.APIError{
			Endpoint: endpoint,
			Method:   method,
			Status:   resp.StatusCode,
			Body:     truncateBody(respBody),
		}
	}

	return respBody, nil
}

// getEnvelope fetches an endpoint and parses the response envelope. Parsed
// responses are memoized when cacheable; a parse failure re-issues the GET
// up to maxRetries times since a truncated body usually means a bad proxy
// hop rather than a real provider response.
func (c *Client) getEnvelope(ctx context.Context, endpoint string, cacheable bool) (*envelope, error) {
	if cacheable {
		if body, ok := c.cache.get(endpoint); ok {
			var env envelope
			if err := json.Unmarshal(body, &env); err == nil {
				return &env, nil
			}
			// A cached body that no longer parses is dropped and refetched.
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		body, err := c.doRequest(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			lastErr = domain.E(domain.KindTransport, "mlp.GET "+endpoint,
				fmt.Errorf("failed to parse response (attempt %d/%d): %w", attempt, c.maxRetries, err))
			continue
		}
		if cacheable {
			c.cache.set(endpoint, body)
		}
		return &env, nil
	}
	return nil, lastErr
}

// callEnvelope issues a mutating request and parses the envelope. Mutations
// are never re-issued on parse failure.
func (c *Client) callEnvelope(ctx context.Context, method, endpoint string, body interface{}) (*envelope, error) {
	respBody, err := c.doRequest(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if len(respBody) == 0 {
		return &envelope{}, nil
	}
	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, domain.E(domain.KindTransport, "mlp."+method+" "+endpoint,
			fmt.Errorf("failed to parse response: %w", err))
	}
	return &env, nil
}

func truncateBody(body []byte) string {
	const max = 512
	s := string(body)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// ========== Group Methods ==========

// ListGroups retrieves all groups, following cursor pagination to the end.
func (c *Client) ListGroups(ctx context.Context) ([]domain.Group, error) {
	var out []domain.Group
	cursor := ""
	for {
		endpoint := "/groups?limit=250"
		if cursor != "" {
			endpoint += "&cursor=" + url.QueryEscape(cursor)
		}
		env, err := c.getEnvelope(ctx, endpoint, true)
		if err != nil {
			return nil, err
		}
		var page []wireGroup
		if err := json.Unmarshal(env.Data, &page); err != nil {
			return nil, domain.E(domain.KindTransport, "mlp.ListGroups",
				fmt.Errorf("failed to parse groups payload: %w", err))
		}
		for _, g := range page {
			out = append(out, g.toDomain())
		}
		next := ""
		if env.Meta != nil {
			next = env.Meta.NextCursor
		}
		if next == "" || next == cursor {
			return out, nil
		}
		cursor = next
	}
}

// CreateGroup creates a group with the given name.
func (c *Client) CreateGroup(ctx context.Context, name string) (*domain.Group, error) {
	env, err := c.callEnvelope(ctx, http.MethodPost, "/groups", map[string]string{"name": name})
	if err != nil {
		return nil, err
	}
	var g wireGroup
	if err := json.Unmarshal(env.Data, &g); err != nil {
		return nil, domain.E(domain.KindTransport, "mlp.CreateGroup",
			fmt.Errorf("failed to parse created group: %w", err))
	}
	c.cache.invalidatePrefix("/groups")
	created := g.toDomain()
	return &created, nil
}

// GroupSubscribersPage retrieves one page of a group's subscribers. Pages
// are numbered from 1.
func (c *Client) GroupSubscribersPage(ctx context.Context, groupID string, page, perPage int) ([]domain.Subscriber, error) {
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 100
	}
	endpoint := fmt.Sprintf("/groups/%s/subscribers?limit=%d&page=%d", url.PathEscape(groupID), perPage, page)
	env, err := c.getEnvelope(ctx, endpoint, true)
	if err != nil {
		return nil, err
	}
	var wires []wireSubscriber
	if err := json.Unmarshal(env.Data, &wires); err != nil {
		return nil, domain.E(domain.KindTransport, "mlp.GroupSubscribersPage",
			fmt.Errorf("failed to parse group subscribers: %w", err))
	}
	subs := make([]domain.Subscriber, 0, len(wires))
	for _, w := range wires {
		subs = append(subs, w.toDomain())
	}
	return subs, nil
}

// ========== Field Methods ==========

// ListFields retrieves all custom fields.
func (c *Client) ListFields(ctx context.Context) ([]domain.Field, error) {
	env, err := c.getEnvelope(ctx, "/fields?limit=250", true)
	if err != nil {
		return nil, err
	}
	var wires []wireField
	if err := json.Unmarshal(env.Data, &wires); err != nil {
		return nil, domain.E(domain.KindTransport, "mlp.ListFields",
			fmt.Errorf("failed to parse fields payload: %w", err))
	}
	fields := make([]domain.Field, 0, len(wires))
	for _, f := range wires {
		fields = append(fields, f.toDomain())
	}
	return fields, nil
}

// CreateField creates a custom field of the given type ("number", "text").
func (c *Client) CreateField(ctx context.Context, name, fieldType string) (*domain.Field, error) {
	body := map[string]string{"name": name, "type": fieldType}
	env, err := c.callEnvelope(ctx, http.MethodPost, "/fields", body)
	if err != nil {
		return nil, err
	}
	var f wireField
	if err := json.Unmarshal(env.Data, &f); err != nil {
		return nil, domain.E(domain.KindTransport, "mlp.CreateField",
			fmt.Errorf("failed to parse created field: %w", err))
	}
	c.cache.invalidatePrefix("/fields")
	created := f.toDomain()
	return &created, nil
}

// ========== Subscriber Methods ==========

// SubscribersPage retrieves one cursor page of subscribers. An empty cursor
// starts from the beginning; the returned cursor is empty on the last page.
func (c *Client) SubscribersPage(ctx context.Context, cursor string, limit int) ([]domain.Subscriber, string, error) {
	if limit <= 0 {
		limit = 100
	}
	endpoint := fmt.Sprintf("/subscribers?limit=%d", limit)
	if cursor != "" {
		endpoint += "&cursor=" + url.QueryEscape(cursor)
	}
	env, err := c.getEnvelope(ctx, endpoint, true)
	if err != nil {
		return nil, "", err
	}
	var wires []wireSubscriber
	if err := json.Unmarshal(env.Data, &wires); err != nil {
		return nil, "", domain.E(domain.KindTransport, "mlp.SubscribersPage",
			fmt.Errorf("failed to parse subscribers payload: %w", err))
	}
	subs := make([]domain.Subscriber, 0, len(wires))
	for _, w := range wires {
		subs = append(subs, w.toDomain())
	}
	next := ""
	if env.Meta != nil && env.Meta.NextCursor != cursor {
		next = env.Meta.NextCursor
	}
	return subs, next, nil
}

// ListSubscribers retrieves subscribers across pages until the cursor ends
// or max is reached. A max of zero means no cap.
func (c *Client) ListSubscribers(ctx context.Context, max int) ([]domain.Subscriber, error) {
	var out []domain.Subscriber
	cursor := ""
	for {
		limit := 100
		if max > 0 && max-len(out) < limit {
			limit = max - len(out)
		}
		page, next, err := c.SubscribersPage(ctx, cursor, limit)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if next == "" || (max > 0 && len(out) >= max) {
			if max > 0 && len(out) > max {
				out = out[:max]
			}
			return out, nil
		}
		cursor = next
	}
}

// GetSubscriber retrieves a single subscriber by id or email.
func (c *Client) GetSubscriber(ctx context.Context, idOrEmail string) (*domain.Subscriber, error) {
	endpoint := "/subscribers/" + url.PathEscape(strings.TrimSpace(idOrEmail))
	env, err := c.getEnvelope(ctx, endpoint, true)
	if err != nil {
		return nil, err
	}
	var w wireSubscriber
	if err := json.Unmarshal(env.Data, &w); err != nil {
		return nil, domain.E(domain.KindTransport, "mlp.GetSubscriber",
			fmt.Errorf("failed to parse subscriber payload: %w", err))
	}
	sub := w.toDomain()
	return &sub, nil
}

// SubscriberGroups retrieves the groups a subscriber belongs to.
func (c *Client) SubscriberGroups(ctx context.Context, subscriberID string) ([]domain.Group, error) {
	return c.subscriberGroups(ctx, subscriberID, true)
}

func (c *Client) subscriberGroups(ctx context.Context, subscriberID string, cacheable bool) ([]domain.Group, error) {
	endpoint := fmt.Sprintf("/subscribers/%s/groups", url.PathEscape(subscriberID))
	env, err := c.getEnvelope(ctx, endpoint, cacheable)
	if err != nil {
		return nil, err
	}
	var wires []wireGroup
	if err := json.Unmarshal(env.Data, &wires); err != nil {
		return nil, domain.E(domain.KindTransport, "mlp.SubscriberGroups",
			fmt.Errorf("failed to parse subscriber groups: %w", err))
	}
	groups := make([]domain.Group, 0, len(wires))
	for _, g := range wires {
		groups = append(groups, g.toDomain())
	}
	return groups, nil
}

// UpdateSubscriberFields writes custom field values on a subscriber.
func (c *Client) UpdateSubscriberFields(ctx context.Context, idOrEmail string, fields map[string]string) error {
	endpoint := "/subscribers/" + url.PathEscape(strings.TrimSpace(idOrEmail))
	body := map[string]interface{}{"fields": fields}
	if _, err := c.callEnvelope(ctx, http.MethodPut, endpoint, body); err != nil {
		return err
	}
	c.cache.invalidatePrefix("/subscribers")
	return nil
}

// ========== Membership Methods ==========

// AddToGroup adds a subscriber to a group.
func (c *Client) AddToGroup(ctx context.Context, subscriberID, groupID string) error {
	endpoint := fmt.Sprintf("/subscribers/%s/groups/%s", url.PathEscape(subscriberID), url.PathEscape(groupID))
	if _, err := c.callEnvelope(ctx, http.MethodPost, endpoint, nil); err != nil {
		return err
	}
	c.cache.invalidatePrefix("/subscribers", "/groups")
	return nil
}

// RemoveFromGroup removes a subscriber from a group.
func (c *Client) RemoveFromGroup(ctx context.Context, subscriberID, groupID string) error {
	endpoint := fmt.Sprintf("/subscribers/%s/groups/%s", url.PathEscape(subscriberID), url.PathEscape(groupID))
	if _, err := c.callEnvelope(ctx, http.MethodDelete, endpoint, nil); err != nil {
		return err
	}
	c.cache.invalidatePrefix("/subscribers", "/groups")
	return nil
}

// BulkImportToGroup imports subscribers into a group in one call. Existing
// members are unaffected; the provider de-duplicates by email.
func (c *Client) BulkImportToGroup(ctx context.Context, subs []domain.Subscriber, groupID string) error {
	if len(subs) == 0 {
		return nil
	}
	payload := make([]map[string]interface{}, 0, len(subs))
	for _, s := range subs {
		entry := map[string]interface{}{"email": s.Email}
		if len(s.Fields) > 0 {
			entry["fields"] = s.Fields
		}
		payload = append(payload, entry)
	}
	endpoint := fmt.Sprintf("/groups/%s/import", url.PathEscape(groupID))
	if _, err := c.callEnvelope(ctx, http.MethodPost, endpoint, map[string]interface{}{"subscribers": payload}); err != nil {
		return err
	}
	c.cache.invalidatePrefix("/subscribers", "/groups")
	return nil
}

// ========== Campaign Methods ==========

// CreateDraftCampaign creates an unsent campaign shell so the provider has
// a campaign id for a locally known name.
func (c *Client) CreateDraftCampaign(ctx context.Context, name, campaignType, subject string) (*CampaignRef, error) {
	body := map[string]interface{}{
		"name": name,
		"type": campaignType,
		"emails": []map[string]string{
			{"subject": subject},
		},
	}
	env, err := c.callEnvelope(ctx, http.MethodPost, "/campaigns", body)
	if err != nil {
		return nil, err
	}
	var ref CampaignRef
	if err := json.Unmarshal(env.Data, &ref); err != nil {
		return nil, domain.E(domain.KindTransport, "mlp.CreateDraftCampaign",
			fmt.Errorf("failed to parse created campaign: %w", err))
	}
	c.cache.invalidatePrefix("/campaigns")
	return &ref, nil
}

// CampaignNameToID retrieves all campaigns and returns a normalized
// name-to-id map.
func (c *Client) CampaignNameToID(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	cursor := ""
	for {
		endpoint := "/campaigns?limit=100"
		if cursor != "" {
			endpoint += "&cursor=" + url.QueryEscape(cursor)
		}
		env, err := c.getEnvelope(ctx, endpoint, true)
		if err != nil {
			return nil, err
		}
		var page []CampaignRef
		if err := json.Unmarshal(env.Data, &page); err != nil {
			return nil, domain.E(domain.KindTransport, "mlp.CampaignNameToID",
				fmt.Errorf("failed to parse campaigns payload: %w", err))
		}
		for _, ref := range page {
			name := strings.ToUpper(strings.TrimSpace(ref.Name))
			if name != "" {
				out[name] = ref.ID
			}
		}
		next := ""
		if env.Meta != nil {
			next = env.Meta.NextCursor
		}
		if next == "" || next == cursor {
			return out, nil
		}
		cursor = next
	}
}

// ========== Verification ==========

// VerifyTier polls the subscriber's groups until one matches the expected
// tier or the poll budget runs out. Group membership is eventually
// consistent upstream, hence the polling. expectedTier may be a bare tier
// ("GOLD") or a full group name.
func (c *Client) VerifyTier(ctx context.Context, subscriberID, expectedTier string) (bool, error) {
	want := strings.ToUpper(strings.TrimSpace(expectedTier))
	for attempt := 1; attempt <= c.verifyPolls; attempt++ {
		groups, err := c.subscriberGroups(ctx, subscriberID, false)
		if err != nil {
			return false, err
		}
		for _, g := range groups {
			name := strings.ToUpper(g.GroupName)
			if name == want || strings.HasSuffix(name, "_"+want) {
				return true, nil
			}
		}
		if attempt < c.verifyPolls {
			c.sleep(c.verifyDelay)
		}
	}
	return false, nil
}

// Ping verifies connectivity and credentials with a cheap live read.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.getEnvelope(ctx, "/fields?limit=1", false)
	return err
}
