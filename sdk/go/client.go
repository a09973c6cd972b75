package okrlinesdk

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

// DefaultSession is the session used when Client.SessionID is empty.
const DefaultSession = "default"

// Client is a minimal okrline HTTP API client.
type Client struct {
	BaseURL     string
	SessionID   string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, sessionID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		SessionID: sessionID,
		Timeout:   10 * time.Second,
	}
}

// RunStatus is a pipeline snapshot.
type RunStatus struct {
	SessionID  string `json:"session_id"`
	RunID      string `json:"run_id"`
	Actor      string `json:"actor"`
	State      string `json:"state"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	Detail     string `json:"detail"`
	Count      int    `json:"count"`
	InFlight   bool   `json:"in_flight"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
}

// Terminal reports whether the run has settled.
func (s RunStatus) Terminal() bool {
	return !s.InFlight
}

// Initiative is an extracted record with its derived display fields.
type Initiative struct {
	InitiativeID string `json:"initiative_id"`
	Name         string `json:"name"`
	Owner        string `json:"owner"`
	Status       string `json:"status"`
	DueDate      string `json:"due_date"`
	Description  string `json:"description"`
	RelatedOKR   string `json:"related_okr"`
	Objectives   string `json:"objectives"`
	MetricsKPIs  string `json:"metrics_kpis"`
	Notes        string `json:"notes"`
	Progress     int    `json:"progress_percentage"`
	Category     string `json:"category"`
	Overdue      bool   `json:"overdue"`
}

type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// Dashboard is the initiatives listing.
type Dashboard struct {
	Status  RunStatus     `json:"status"`
	Items   []Initiative  `json:"items"`
	Summary []StatusCount `json:"summary"`
	Objects []string      `json:"objects"`
}

// Call is one remote call log entry.
type Call struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Timestamp string          `json:"timestamp"`
	Endpoint  string          `json:"endpoint"`
	Method    string          `json:"method"`
	Payload   json.RawMessage `json:"payload"`
	Response  json.RawMessage `json:"response"`
	Error     string          `json:"error"`
}

// PaginatedCalls wraps call listings with cursors.
type PaginatedCalls struct {
	Items      []Call `json:"items"`
	NextCursor string `json:"next_cursor"`
}

type RemoteObject struct {
	Name      string `json:"name"`
	TrackedAt string `json:"tracked_at"`
}

type ReclaimResult struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

type ReclaimResponse struct {
	Results []ReclaimResult `json:"results"`
	Failed  []string        `json:"failed"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Conflict reports whether the server refused because a run is in flight.
func (e *APIError) Conflict() bool {
	return e.StatusCode == http.StatusConflict
}

// StartRun submits csv for asynchronous ingestion.
func (c *Client) StartRun(ctx context.Context, csv string) (RunStatus, error) {
	var resp RunStatus
	err := c.do(ctx, http.MethodPost, c.sessionPath("runs"), map[string]any{"csv": csv}, &resp)
	return resp, err
}

// Status returns the current pipeline snapshot.
func (c *Client) Status(ctx context.Context) (RunStatus, error) {
	var resp RunStatus
	err := c.do(ctx, http.MethodGet, c.sessionPath("status"), nil, &resp)
	return resp, err
}

// Wait polls Status every interval until the run settles or ctx ends.
func (c *Client) Wait(ctx context.Context, interval time.Duration) (RunStatus, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	for {
		st, err := c.Status(ctx)
		if err != nil || st.Terminal() {
			return st, err
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Cancel abandons the in-flight run. cancelled is false when nothing was running.
func (c *Client) Cancel(ctx context.Context) (RunStatus, bool, error) {
	var resp struct {
		Cancelled bool      `json:"cancelled"`
		Status    RunStatus `json:"status"`
	}
	err := c.do(ctx, http.MethodPost, c.sessionPath("cancel"), nil, &resp)
	return resp.Status, resp.Cancelled, err
}

// Initiatives returns the records, optionally filtered by status.
func (c *Client) Initiatives(ctx context.Context, status string) (Dashboard, error) {
	endpoint := c.sessionPath("initiatives")
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp Dashboard
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Initiative fetches one record by initiative_id.
func (c *Client) Initiative(ctx context.Context, id string) (Initiative, error) {
	var resp Initiative
	err := c.do(ctx, http.MethodGet, c.sessionPath("initiatives/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Export returns the CSV export.
func (c *Client) Export(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	err := c.do(ctx, http.MethodGet, c.sessionPath("export"), nil, &buf)
	return buf.Bytes(), err
}

// CallsPage returns a page of the call log, newest first.
func (c *Client) CallsPage(ctx context.Context, limit int, cursor string) (PaginatedCalls, error) {
	var resp PaginatedCalls
	err := c.do(ctx, http.MethodGet, withPage(c.sessionPath("calls"), limit, cursor), nil, &resp)
	return resp, err
}

// ClearCalls empties the call log.
func (c *Client) ClearCalls(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, c.sessionPath("calls"), nil, nil)
}

// Objects lists tracked remote objects.
func (c *Client) Objects(ctx context.Context) ([]RemoteObject, error) {
	var resp struct {
		Items []RemoteObject `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.sessionPath("objects"), nil, &resp)
	return resp.Items, err
}

// Reclaim deletes every tracked remote object.
func (c *Client) Reclaim(ctx context.Context) (ReclaimResponse, error) {
	var resp ReclaimResponse
	err := c.do(ctx, http.MethodPost, c.sessionPath("objects/reclaim"), nil, &resp)
	return resp, err
}

// ResetObjects forgets tracked objects without deleting them.
func (c *Client) ResetObjects(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, c.sessionPath("objects/reset"), nil, nil)
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withPage(c.sessionPath("events"), limit, cursor), nil, &resp)
	return resp, err
}

func withPage(endpoint string, limit int, cursor string) string {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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
	switch dst := out.(type) {
	case nil:
		return nil
	case io.Writer:
		_, err := io.Copy(dst, resp.Body)
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

func (c *Client) sessionPath(p string) string {
	session := c.SessionID
	if session == "" {
		session = DefaultSession
	}
	return fmt.Sprintf("v0/sessions/%s/%s", url.PathEscape(session), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
