package timelocksdk

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

// Client is a minimal Timelock HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Descriptor is the full identity of a delayed command.
type Descriptor struct {
	Target     string `json:"target"`
	Value      uint64 `json:"value,omitempty"`
	Signature  string `json:"signature,omitempty"`
	Data       []byte `json:"data,omitempty"`
	WindowFrom int64  `json:"window_from"`
	WindowTo   int64  `json:"window_to"`
}

// Command represents the API command model.
type Command struct {
	ID         string `json:"id"`
	Target     string `json:"target"`
	Value      uint64 `json:"value"`
	Signature  string `json:"signature,omitempty"`
	Data       []byte `json:"data,omitempty"`
	WindowFrom int64  `json:"window_from"`
	WindowTo   int64  `json:"window_to"`
	Status     string `json:"status"`
	ExecutedAt *int64 `json:"executed_at,omitempty"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// ExecuteResult pairs the executed command with the target's return bytes.
type ExecuteResult struct {
	Command Command `json:"command"`
	Result  []byte  `json:"result,omitempty"`
}

// EmergencyEntry represents a registered emergency call.
type EmergencyEntry struct {
	ID           string `json:"id"`
	Target       string `json:"target"`
	Signature    string `json:"signature"`
	RegisteredAt string `json:"registered_at"`
	RegisteredBy string `json:"registered_by"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedCommands wraps list responses with cursors.
type PaginatedCommands struct {
	Items      []Command `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Queue registers a command for delayed execution.
func (c *Client) Queue(ctx context.Context, d Descriptor) (Command, error) {
	var resp Command
	err := c.do(ctx, http.MethodPost, "v0/commands", d, &resp)
	return resp, err
}

// Execute executes a queued command; the caller must supply the full descriptor.
func (c *Client) Execute(ctx context.Context, d Descriptor) (ExecuteResult, error) {
	var resp ExecuteResult
	err := c.do(ctx, http.MethodPost, "v0/commands/execute", d, &resp)
	return resp, err
}

// Cancel returns a queued command to the unqueued state.
func (c *Client) Cancel(ctx context.Context, id string) (Command, error) {
	var resp Command
	err := c.do(ctx, http.MethodDelete, "v0/commands/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// GetCommand fetches a command by id.
func (c *Client) GetCommand(ctx context.Context, id string) (Command, error) {
	var resp Command
	err := c.do(ctx, http.MethodGet, "v0/commands/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Commands returns a paginated command listing.
func (c *Client) Commands(ctx context.Context, status string, limit int, cursor string) (PaginatedCommands, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/commands"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedCommands
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Derive returns the identifier a descriptor would queue under.
func (c *Client) Derive(ctx context.Context, d Descriptor) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "v0/commands/derive", d, &resp)
	return resp.ID, err
}

// ExecuteEmergency fires a registered emergency call.
func (c *Client) ExecuteEmergency(ctx context.Context, target string, value uint64, signature string, data []byte) ([]byte, error) {
	body := map[string]any{
		"target":    target,
		"value":     value,
		"signature": signature,
		"data":      data,
	}
	var resp struct {
		Result []byte `json:"result"`
	}
	err := c.do(ctx, http.MethodPost, "v0/emergency/execute", body, &resp)
	return resp.Result, err
}

// IsEmergencyRegistered checks whether a (target, signature) pair is registered.
func (c *Client) IsEmergencyRegistered(ctx context.Context, target, signature string) (bool, error) {
	q := url.Values{}
	q.Set("target", target)
	if signature != "" {
		q.Set("signature", signature)
	}
	var resp struct {
		Registered bool `json:"registered"`
	}
	err := c.do(ctx, http.MethodGet, "v0/emergency/registered?"+q.Encode(), nil, &resp)
	return resp.Registered, err
}

// EmergencyEntries lists the registered emergency calls.
func (c *Client) EmergencyEntries(ctx context.Context) ([]EmergencyEntry, error) {
	var resp []EmergencyEntry
	err := c.do(ctx, http.MethodGet, "v0/emergency", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
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
