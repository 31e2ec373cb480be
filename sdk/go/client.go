package leasepoolsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Leasepool HTTP API client. AgentID is sent with every
// lease operation, so one Client speaks for one agent.
type Client struct {
	BaseURL     string
	AgentID     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, agentID string) *Client {
	return &Client{
		BaseURL: baseURL,
		AgentID: agentID,
		Timeout: 10 * time.Second,
	}
}

// Item represents the API work item model.
type Item struct {
	Key             string         `json:"key"`
	Payload         map[string]any `json:"payload,omitempty"`
	PriorityScore   float64        `json:"priority_score"`
	Status          string         `json:"status"`
	Owner           string         `json:"owner,omitempty"`
	AssignedAt      string         `json:"assigned_at,omitempty"`
	LastHeartbeatAt string         `json:"last_heartbeat_at,omitempty"`
	AttemptCount    int            `json:"attempt_count"`
	CreatedAt       string         `json:"created_at"`
	UpdatedAt       string         `json:"updated_at"`
}

// Lease is one agent-item assignment in a status report.
type Lease struct {
	Key                 string  `json:"key"`
	Owner               string  `json:"owner"`
	PriorityScore       float64 `json:"priority_score"`
	AssignedAt          string  `json:"assigned_at"`
	LastHeartbeatAt     string  `json:"last_heartbeat_at"`
	HeartbeatAgeSeconds int64   `json:"heartbeat_age_seconds"`
}

// AgentStatus groups the leases held by one agent.
type AgentStatus struct {
	AgentID string  `json:"agent_id"`
	Leases  []Lease `json:"leases"`
}

// Status is the pool status report.
type Status struct {
	GeneratedAt string         `json:"generated_at"`
	Counts      map[string]int `json:"counts"`
	Agents      []AgentStatus  `json:"agents"`
	Stale       []Lease        `json:"stale"`
}

// Event represents a log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	ItemKey string         `json:"item_key,omitempty"`
	AgentID string         `json:"agent_id,omitempty"`
	Payload map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// AddItem registers or refreshes a work item.
func (c *Client) AddItem(ctx context.Context, key string, payload map[string]any, priorityScore float64) (Item, error) {
	body := map[string]any{
		"key":            key,
		"payload":        payload,
		"priority_score": priorityScore,
	}
	var resp Item
	err := c.do(ctx, http.MethodPost, "v0/items", body, &resp)
	return resp, err
}

// SetPriority updates an item's priority score.
func (c *Client) SetPriority(ctx context.Context, key string, score float64) (Item, error) {
	body := map[string]any{"priority_score": score}
	var resp Item
	endpoint := fmt.Sprintf("v0/items/%s/priority", url.PathEscape(key))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// Claim takes the highest-priority available item. A nil item with a nil
// error means the pool has nothing claimable right now.
func (c *Client) Claim(ctx context.Context) (*Item, error) {
	body := map[string]any{"agent_id": c.AgentID}
	var resp struct {
		Item *Item `json:"item"`
	}
	if err := c.do(ctx, http.MethodPost, "v0/claim", body, &resp); err != nil {
		return nil, err
	}
	return resp.Item, nil
}

// ClaimItem claims a specific item by key.
func (c *Client) ClaimItem(ctx context.Context, key string) (Item, error) {
	body := map[string]any{"agent_id": c.AgentID}
	var resp Item
	endpoint := fmt.Sprintf("v0/items/%s/claim", url.PathEscape(key))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Heartbeat renews the lease on key. False means the lease is gone and the
// caller must stop working on the item.
func (c *Client) Heartbeat(ctx context.Context, key string) (bool, error) {
	body := map[string]any{"agent_id": c.AgentID}
	var resp struct {
		Held bool `json:"held"`
	}
	endpoint := fmt.Sprintf("v0/items/%s/heartbeat", url.PathEscape(key))
	if err := c.do(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return false, err
	}
	return resp.Held, nil
}

// Complete marks the item done.
func (c *Client) Complete(ctx context.Context, key string) (Item, error) {
	body := map[string]any{"agent_id": c.AgentID}
	var resp Item
	endpoint := fmt.Sprintf("v0/items/%s/complete", url.PathEscape(key))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Fail reports that the item could not be finished.
func (c *Client) Fail(ctx context.Context, key, reason string) (Item, error) {
	body := map[string]any{"agent_id": c.AgentID, "reason": reason}
	var resp Item
	endpoint := fmt.Sprintf("v0/items/%s/fail", url.PathEscape(key))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Release drops every lease this client's agent holds and reports how many.
func (c *Client) Release(ctx context.Context) (int, error) {
	var resp struct {
		Released int `json:"released"`
	}
	endpoint := fmt.Sprintf("v0/agents/%s/release", url.PathEscape(c.AgentID))
	if err := c.do(ctx, http.MethodPost, endpoint, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Released, nil
}

// Sweep reclaims leases whose heartbeat is older than timeoutSeconds and
// reports how many. Zero uses the pool's configured timeout.
func (c *Client) Sweep(ctx context.Context, timeoutSeconds int) (int, error) {
	body := map[string]any{}
	if timeoutSeconds > 0 {
		body["timeout_seconds"] = timeoutSeconds
	}
	var resp struct {
		Reclaimed int `json:"reclaimed"`
	}
	if err := c.do(ctx, http.MethodPost, "v0/sweep", body, &resp); err != nil {
		return 0, err
	}
	return resp.Reclaimed, nil
}

// AssignedItems lists the items this client's agent currently holds.
func (c *Client) AssignedItems(ctx context.Context) ([]Item, error) {
	var resp []Item
	endpoint := fmt.Sprintf("v0/agents/%s/items", url.PathEscape(c.AgentID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Status returns the pool status report.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "v0/status", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
