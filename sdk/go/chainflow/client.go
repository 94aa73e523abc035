// Package chainflow is a Go client for the chainflowd REST API.
package chainflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 30 * time.Second

// Client wraps the HTTP interactions with the chainflowd API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Network is one network offered by a provider.
type Network struct {
	Key     string `json:"key"`
	Name    string `json:"name"`
	ChainID uint64 `json:"chainId,omitempty"`
	Testnet bool   `json:"testnet,omitempty"`
}

// Node describes a node type.
type Node struct {
	Type           string    `json:"type"`
	Provider       string    `json:"provider"`
	DisplayName    string    `json:"displayName"`
	Kind           string    `json:"kind"`
	Description    string    `json:"description,omitempty"`
	Categories     []string  `json:"categories"`
	Networks       []Network `json:"networks"`
	DefaultNetwork string    `json:"defaultNetwork,omitempty"`
	LoadMethods    []string  `json:"loadMethods"`
}

// Option is one entry returned by a load method.
type Option struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

// Call is a synchronous node invocation.
type Call struct {
	Operation string          `json:"operation"`
	Network   string          `json:"network,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Profile   string          `json:"profile,omitempty"`
}

// ExecutionRequest queues a node invocation.
type ExecutionRequest struct {
	ID         string          `json:"id,omitempty"`
	Node       string          `json:"node"`
	Operation  string          `json:"operation"`
	Network    string          `json:"network,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Profile    string          `json:"profile,omitempty"`
	MaxRetries int             `json:"max_retries,omitempty"`
}

// Execution is the server-side record of a queued invocation.
type Execution struct {
	ID         string          `json:"id"`
	Node       string          `json:"node"`
	Operation  string          `json:"operation"`
	Network    string          `json:"network,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Profile    string          `json:"profile,omitempty"`
	Status     string          `json:"status"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"max_retries"`
	LastError  string          `json:"last_error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Terminal   bool            `json:"terminal,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
	CreatedAt  int64           `json:"created_at"`
	UpdatedAt  int64           `json:"updated_at"`
}

// ExecutionStats aggregates executions by status.
type ExecutionStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at"`
	NewestUpdatedAt int64 `json:"newest_updated_at"`
}

// ExecutionQuery filters ListExecutions and ExecutionStats. Zero fields are omitted.
type ExecutionQuery struct {
	Statuses    []string
	Node        string
	Operation   string
	Query       string
	Limit       int
	Offset      int
	Since       time.Time
	Until       time.Time
	HasResponse *bool
	Ascending   bool
}

func (q ExecutionQuery) values() url.Values {
	v := url.Values{}
	if len(q.Statuses) > 0 {
		v.Set("status", strings.Join(q.Statuses, ","))
	}
	if q.Node != "" {
		v.Set("node", q.Node)
	}
	if q.Operation != "" {
		v.Set("operation", q.Operation)
	}
	if q.Query != "" {
		v.Set("q", q.Query)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		v.Set("until", q.Until.UTC().Format(time.RFC3339))
	}
	if q.HasResponse != nil {
		v.Set("has_response", strconv.FormatBool(*q.HasResponse))
	}
	if q.Ascending {
		v.Set("order", "asc")
	}
	return v
}

// TriggerRequest starts a trigger on the daemon.
type TriggerRequest struct {
	ID        string          `json:"id,omitempty"`
	Node      string          `json:"node"`
	Operation string          `json:"operation"`
	Network   string          `json:"network,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Interval  string          `json:"interval,omitempty"`
	Profile   string          `json:"profile,omitempty"`
	Filter    string          `json:"filter,omitempty"`
}

// Trigger describes a running trigger.
type Trigger struct {
	ID        string    `json:"id"`
	Node      string    `json:"node"`
	Operation string    `json:"operation"`
	Network   string    `json:"network,omitempty"`
	Profile   string    `json:"profile,omitempty"`
	Filter    string    `json:"filter,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Events    int64     `json:"events"`
	Dropped   int64     `json:"dropped"`
}

// TriggerEvent is one payload buffered by the daemon.
type TriggerEvent struct {
	TriggerID  string          `json:"trigger_id"`
	Node       string          `json:"node"`
	Operation  string          `json:"operation"`
	Network    string          `json:"network,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("chainflow api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("chainflow api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the chainflowd API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets a bearer token sent with every request, for daemons
// deployed behind an authenticating gateway.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// ListNodes returns every node type, optionally restricted to "action" or "trigger".
func (c *Client) ListNodes(ctx context.Context, kind string) ([]Node, error) {
	var nodes []Node
	endpoint := "/api/v1/nodes"
	if kind != "" {
		endpoint += "?kind=" + url.QueryEscape(kind)
	}
	if err := c.get(ctx, endpoint, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// DescribeNode returns one node type.
func (c *Client) DescribeNode(ctx context.Context, nodeType string) (Node, error) {
	var n Node
	if err := c.get(ctx, "/api/v1/nodes/"+url.PathEscape(nodeType), &n); err != nil {
		return Node{}, err
	}
	return n, nil
}

// LoadMethod runs a dynamic option loader such as getOperations.
func (c *Client) LoadMethod(ctx context.Context, nodeType, method, network, category string) ([]Option, error) {
	v := url.Values{}
	if network != "" {
		v.Set("network", network)
	}
	if category != "" {
		v.Set("category", category)
	}
	endpoint := "/api/v1/nodes/" + url.PathEscape(nodeType) + "/methods/" + url.PathEscape(method)
	if len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var options []Option
	if err := c.get(ctx, endpoint, &options); err != nil {
		return nil, err
	}
	return options, nil
}

// Run invokes a node synchronously and returns the provider response unchanged.
func (c *Client) Run(ctx context.Context, nodeType string, call Call) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.send(ctx, http.MethodPost, "/api/v1/nodes/"+url.PathEscape(nodeType)+"/run", call, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// SubmitExecution queues an invocation. A positive wait asks the daemon to
// hold the response until the execution finishes or wait elapses.
func (c *Client) SubmitExecution(ctx context.Context, req ExecutionRequest, wait time.Duration) (Execution, error) {
	endpoint := "/api/v1/executions"
	if wait > 0 {
		endpoint += "?wait=" + url.QueryEscape(wait.String())
	}
	var exec Execution
	if err := c.send(ctx, http.MethodPost, endpoint, req, &exec); err != nil {
		return Execution{}, err
	}
	return exec, nil
}

// GetExecution fetches one execution.
func (c *Client) GetExecution(ctx context.Context, id string) (Execution, error) {
	var exec Execution
	if err := c.get(ctx, "/api/v1/executions/"+url.PathEscape(id), &exec); err != nil {
		return Execution{}, err
	}
	return exec, nil
}

// ListExecutions lists executions matching q.
func (c *Client) ListExecutions(ctx context.Context, q ExecutionQuery) ([]Execution, error) {
	endpoint := "/api/v1/executions"
	if v := q.values(); len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var list []Execution
	if err := c.get(ctx, endpoint, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// ExecutionStats aggregates executions matching q.
func (c *Client) ExecutionStats(ctx context.Context, q ExecutionQuery) (ExecutionStats, error) {
	endpoint := "/api/v1/executions/stats"
	if v := q.values(); len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var stats ExecutionStats
	if err := c.get(ctx, endpoint, &stats); err != nil {
		return ExecutionStats{}, err
	}
	return stats, nil
}

// StartTrigger starts a trigger on the daemon.
func (c *Client) StartTrigger(ctx context.Context, req TriggerRequest) (Trigger, error) {
	var tr Trigger
	if err := c.send(ctx, http.MethodPost, "/api/v1/triggers", req, &tr); err != nil {
		return Trigger{}, err
	}
	return tr, nil
}

// ListTriggers returns the running triggers.
func (c *Client) ListTriggers(ctx context.Context) ([]Trigger, error) {
	var list []Trigger
	if err := c.get(ctx, "/api/v1/triggers", &list); err != nil {
		return nil, err
	}
	return list, nil
}

// StopTrigger unsubscribes a running trigger.
func (c *Client) StopTrigger(ctx context.Context, id string) error {
	return c.send(ctx, http.MethodDelete, "/api/v1/triggers/"+url.PathEscape(id), nil, nil)
}

// TriggerEvents returns the events buffered for a trigger.
func (c *Client) TriggerEvents(ctx context.Context, id string) ([]TriggerEvent, error) {
	var events []TriggerEvent
	if err := c.get(ctx, "/api/v1/triggers/"+url.PathEscape(id)+"/events", &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, ref.Path)
	u.RawPath = ""
	if ref.RawPath != "" {
		u.RawPath = path.Join(c.baseURL.EscapedPath(), ref.RawPath)
	}
	u.RawQuery = ref.RawQuery
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			var envelope struct {
				Error *APIError `json:"error"`
			}
			envelope.Error = apiErr
			if err := json.Unmarshal(data, &envelope); err != nil {
				apiErr.Message = string(bytes.TrimSpace(data))
			}
			apiErr.StatusCode = resp.StatusCode
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		*raw = data
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
