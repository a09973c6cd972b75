// Package remote talks to the object-oriented extraction service: raw data
// is stored under a name, transformed by a prompt into new named objects,
// fetched back and finally deleted.
package remote

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

	"golang.org/x/time/rate"

	"okrline/internal/domain"
)

const DefaultBaseURL = "https://builder.empromptu.ai/api_tools"

// Combination modes for transform inputs.
const ModeCombineEvents = "combine_events"

// Data and return types understood by the service.
const (
	DataTypeStrings = "strings"
	ReturnTypeJSON  = "json"
)

// ErrMalformedResponse is returned when an acknowledgment is not JSON.
var ErrMalformedResponse = errors.New("malformed response")

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote error: status=%d body=%s", e.StatusCode, e.Body)
}

// Recorder receives one entry per call, successful or not.
type Recorder interface {
	Record(entry domain.CallLogEntry) domain.CallLogEntry
}

// Input references a stored object as transform input.
type Input struct {
	Name string `json:"input_object_name"`
	Mode string `json:"mode"`
}

// Client is safe for concurrent use once configured.
type Client struct {
	BaseURL    string
	Token      string
	AppID      string
	UsageKey   string
	HTTPClient *http.Client
	Limiter    *rate.Limiter
	Recorder   Recorder
}

// New creates a client with a default HTTP timeout and no rate limit.
func New(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// WithRecorder returns a shallow copy that records into r. The HTTP client
// and limiter stay shared.
func (c *Client) WithRecorder(r Recorder) *Client {
	cp := *c
	cp.Recorder = r
	return &cp
}

type storeRequest struct {
	CreatedObjectName string   `json:"created_object_name"`
	DataType          string   `json:"data_type"`
	InputData         []string `json:"input_data"`
}

type transformRequest struct {
	CreatedObjectNames []string `json:"created_object_names"`
	PromptString       string   `json:"prompt_string"`
	Inputs             []Input  `json:"inputs"`
}

type fetchRequest struct {
	ObjectName string `json:"object_name"`
	ReturnType string `json:"return_type"`
}

// Store persists payload under name and returns the acknowledgment.
func (c *Client) Store(ctx context.Context, name string, payload []string) (json.RawMessage, error) {
	body := storeRequest{CreatedObjectName: name, DataType: DataTypeStrings, InputData: payload}
	resp, err := c.do(ctx, http.MethodPost, "/input_data", body)
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", name, err)
	}
	return ack(resp)
}

// Transform runs prompt over inputs and materializes the result under outputNames.
func (c *Client) Transform(ctx context.Context, outputNames []string, prompt string, inputs []Input) (json.RawMessage, error) {
	body := transformRequest{CreatedObjectNames: outputNames, PromptString: prompt, Inputs: inputs}
	resp, err := c.do(ctx, http.MethodPost, "/apply_prompt", body)
	if err != nil {
		return nil, fmt.Errorf("transform %s: %w", strings.Join(outputNames, ","), err)
	}
	return ack(resp)
}

// Fetch returns the raw `value` member for name. A missing member yields nil.
func (c *Client) Fetch(ctx context.Context, name, returnType string) (json.RawMessage, error) {
	resp, err := c.do(ctx, http.MethodPost, "/return_data", fetchRequest{ObjectName: name, ReturnType: returnType})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", name, err)
	}
	var out struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", name, ErrMalformedResponse)
	}
	return out.Value, nil
}

// Reclaim deletes name. Unknown names surface as an error the caller may ignore.
func (c *Client) Reclaim(ctx context.Context, name string) error {
	if _, err := c.do(ctx, http.MethodDelete, "/objects/"+url.PathEscape(name), nil); err != nil {
		return fmt.Errorf("reclaim %s: %w", name, err)
	}
	return nil
}

func ack(resp []byte) (json.RawMessage, error) {
	if !json.Valid(resp) {
		return nil, ErrMalformedResponse
	}
	return json.RawMessage(resp), nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any) ([]byte, error) {
	entry := domain.CallLogEntry{Endpoint: endpoint, Method: method}
	var buf bytes.Buffer
	if body != nil {
		if err := newEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
		entry.Payload = json.RawMessage(bytes.TrimSpace(buf.Bytes()))
	}
	data, err := c.roundTrip(ctx, method, endpoint, &buf)
	if len(data) > 0 {
		entry.Response = asJSON(data)
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if c.Recorder != nil {
		c.Recorder.Record(entry)
	}
	return data, err
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint string, body io.Reader) ([]byte, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.AppID != "" {
		req.Header.Set("X-Generated-App-ID", c.AppID)
	}
	if c.UsageKey != "" {
		req.Header.Set("X-Usage-Key", c.UsageKey)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return data, err
	}
	if resp.StatusCode >= 300 {
		return data, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

// asJSON keeps JSON bodies verbatim and quotes anything else.
func asJSON(data []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(data)
	if json.Valid(trimmed) {
		return append(json.RawMessage(nil), trimmed...)
	}
	var buf bytes.Buffer
	_ = newEncoder(&buf).Encode(string(data))
	return json.RawMessage(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
}

// newEncoder writes JSON with <, > and & left unescaped.
func newEncoder(w io.Writer) *json.Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc
}
