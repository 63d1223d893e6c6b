package cyclecountsdk

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

// Client is a minimal cycle count HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Discrepancy is one shortage or overage.
type Discrepancy struct {
	Serial       string   `json:"serial"`
	SKU          string   `json:"sku"`
	Name         string   `json:"name"`
	Kind         string   `json:"kind"`
	UnitPrice    string   `json:"unit_price"`
	Reason       string   `json:"reason,omitempty"`
	Remarks      string   `json:"remarks,omitempty"`
	Evidence     []string `json:"evidence"`
	AutoResolved bool     `json:"auto_resolved"`
}

// Progress reports counting coverage.
type Progress struct {
	CountedSKUs   int `json:"counted_skus"`
	TotalSKUs     int `json:"total_skus"`
	CountedUnits  int `json:"counted_units"`
	ExpectedUnits int `json:"expected_units"`
	Overages      int `json:"overages"`
}

// Task represents the API task model (partial).
type Task struct {
	ID               string        `json:"id"`
	Date             string        `json:"date"`
	Phase            string        `json:"phase"`
	Status           string        `json:"status"`
	ConfirmedSerials []string      `json:"confirmed_serials"`
	Discrepancies    []Discrepancy `json:"discrepancies"`
	Stale            bool          `json:"stale"`
	Submittable      bool          `json:"submittable"`
	PendingSKUs      []string      `json:"pending_skus"`
	Progress         Progress      `json:"progress"`
	Version          int64         `json:"version"`
}

// ScanResult is the task after a scan plus whether the serial was already confirmed.
type ScanResult struct {
	Task             Task `json:"task"`
	AlreadyConfirmed bool `json:"already_confirmed"`
}

// Annotation explains the discrepancies of one SKU.
type Annotation struct {
	Reason         string   `json:"reason,omitempty"`
	ShortageReason string   `json:"shortage_reason,omitempty"`
	OverageReason  string   `json:"overage_reason,omitempty"`
	Remarks        string   `json:"remarks,omitempty"`
	Evidence       []string `json:"evidence,omitempty"`
}

// Summary carries discrepancy totals; amounts are decimal strings.
type Summary struct {
	TaskID         string `json:"task_id"`
	Total          int    `json:"total"`
	Confirmed      int    `json:"confirmed"`
	Pending        int    `json:"pending"`
	Loss           int    `json:"loss"`
	Profit         int    `json:"profit"`
	Withdrawn      int    `json:"withdrawn"`
	AllConfirmed   bool   `json:"all_confirmed"`
	ShortageAmount string `json:"shortage_amount"`
	OverageAmount  string `json:"overage_amount"`
	NetAmount      string `json:"net_amount"`
}

// HistoryEntry is an archived task.
type HistoryEntry struct {
	ID         string `json:"id"`
	TaskID     string `json:"task_id"`
	Date       string `json:"date"`
	ArchivedAt string `json:"archived_at"`
	Task       Task   `json:"task"`
}

// Event represents a log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	TaskID  string         `json:"task_id"`
	Serial  string         `json:"serial"`
	Payload map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Task returns the current task.
func (c *Client) Task(ctx context.Context) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "task", nil, &resp)
	return resp, err
}

// Open opens or resumes the task for date; an empty date means today.
func (c *Client) Open(ctx context.Context, date string) (Task, error) {
	body := map[string]any{}
	if date != "" {
		body["date"] = date
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "task/open", body, &resp)
	return resp, err
}

func (c *Client) Start(ctx context.Context) (Task, error)    { return c.transition(ctx, "start") }
func (c *Client) Finalize(ctx context.Context) (Task, error) { return c.transition(ctx, "finalize") }
func (c *Client) Reopen(ctx context.Context) (Task, error)   { return c.transition(ctx, "reopen") }
func (c *Client) Reset(ctx context.Context) (Task, error)    { return c.transition(ctx, "reset") }
func (c *Client) Complete(ctx context.Context) (Task, error) { return c.transition(ctx, "complete") }

func (c *Client) transition(ctx context.Context, name string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "task/"+name, nil, &resp)
	return resp, err
}

// Scan records a scanned serial.
func (c *Client) Scan(ctx context.Context, serial string) (ScanResult, error) {
	var resp ScanResult
	err := c.do(ctx, http.MethodPost, "task/scans", map[string]any{"serial": serial}, &resp)
	return resp, err
}

// Unscan removes a confirmed serial.
func (c *Client) Unscan(ctx context.Context, serial string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodDelete, "task/scans/"+url.PathEscape(serial), nil, &resp)
	return resp, err
}

// SetQuantity sets the counted total of a quantity SKU.
func (c *Client) SetQuantity(ctx context.Context, sku string, n int) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPut, "task/quantities/"+url.PathEscape(sku), map[string]any{"count": n}, &resp)
	return resp, err
}

// Annotate explains the discrepancies of sku.
func (c *Client) Annotate(ctx context.Context, sku string, a Annotation) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPut, "task/discrepancies/"+url.PathEscape(sku), a, &resp)
	return resp, err
}

// Sign signs off the reconciled task. image is a data URI.
func (c *Client) Sign(ctx context.Context, signedBy, image string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "task/sign", map[string]any{"signed_by": signedBy, "image": image}, &resp)
	return resp, err
}

// Summary returns discrepancy totals of the current task.
func (c *Client) Summary(ctx context.Context) (Summary, error) {
	var resp Summary
	err := c.do(ctx, http.MethodGet, "task/summary", nil, &resp)
	return resp, err
}

// Export downloads the xlsx report of the current task.
func (c *Client) Export(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	err := c.do(ctx, http.MethodGet, "task/export", nil, &buf)
	return buf.Bytes(), err
}

// History lists archived tasks, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	endpoint := "history"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []HistoryEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
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
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if w, ok := out.(io.Writer); ok {
		_, err := io.Copy(w, resp.Body)
		return err
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
