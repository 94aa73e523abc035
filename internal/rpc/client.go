package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "ChainFlow-Nodes/internal/errors"
	"ChainFlow-Nodes/internal/observability/metrics"
	"ChainFlow-Nodes/pkg/logger"
)

const (
	defaultTimeout = 30 * time.Second
	excerptBytes   = 512

	// DefaultMaxResponseBytes caps how much of a provider body is read.
	DefaultMaxResponseBytes int64 = 32 << 20
)

// Target labels a call for errors, logs and metrics.
type Target struct {
	Provider  string
	Operation string
	Network   string
}

// Client performs provider HTTP calls.
type Client struct {
	httpClient       *http.Client
	userAgent        string
	maxResponseBytes int64
}

// Option customises the client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		if c != nil {
			client.httpClient = c
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		if d > 0 {
			client.httpClient = &http.Client{Timeout: d}
		}
	}
}

// WithUserAgent sets the User-Agent header sent to providers.
func WithUserAgent(ua string) Option {
	return func(client *Client) {
		client.userAgent = strings.TrimSpace(ua)
	}
}

// WithMaxResponseBytes caps the provider response size. Larger bodies fail
// with PROVIDER_REJECTED instead of being truncated.
func WithMaxResponseBytes(n int64) Option {
	return func(client *Client) {
		if n > 0 {
			client.maxResponseBytes = n
		}
	}
}

// NewClient constructs a client with sane defaults.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient:       &http.Client{Timeout: defaultTimeout},
		userAgent:        "chainflow-nodes",
		maxResponseBytes: DefaultMaxResponseBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Call POSTs a JSON-RPC body. JSON-RPC error objects inside a 2xx response
// are part of the response and are returned as-is.
func (c *Client) Call(ctx context.Context, target Target, endpoint string, body json.RawMessage) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "build provider request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.send(target, req)
}

// RESTRequest describes a REST call.
type RESTRequest struct {
	Target
	Method     string
	BaseURL    string
	Path       string
	PathParams map[string]string
	Query      url.Values
	Headers    map[string]string
	Body       any
}

// Do performs a REST call after expanding path placeholders.
func (c *Client) Do(ctx context.Context, r RESTRequest) (json.RawMessage, error) {
	path, err := ExpandPath(r.Path, r.PathParams)
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimRight(r.BaseURL, "/") + path
	if len(r.Query) > 0 {
		endpoint += "?" + r.Query.Encode()
	}

	var reader io.Reader
	if r.Body != nil {
		payload, err := json.Marshal(r.Body)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidParams, err, "encode request body")
		}
		reader = bytes.NewReader(payload)
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "build provider request")
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.Headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	return c.send(r.Target, req)
}

// ExpandPath fills {name} segments with escaped values.
func ExpandPath(path string, values map[string]string) (string, error) {
	var b strings.Builder
	rest := path
	for {
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unterminated placeholder in %s", path))
		}
		name := rest[start+1 : start+end]
		value := strings.TrimSpace(values[name])
		if value == "" {
			return "", xerrors.New(xerrors.CodeInvalidParams,
				fmt.Sprintf("path parameter %s is required", name),
				xerrors.WithMetadata("param", name))
		}
		b.WriteString(rest[:start])
		b.WriteString(url.PathEscape(value))
		rest = rest[start+end+1:]
	}
}

func (c *Client) send(target Target, req *http.Request) (json.RawMessage, error) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	started := time.Now()
	payload, status, err := c.roundTrip(req)
	elapsed := time.Since(started)

	outcome := "ok"
	if err != nil {
		outcome = string(xerrors.CodeOf(err))
	}
	metrics.ObserveProviderCall(target.Provider, target.Operation, outcome, elapsed)
	// The URL is never logged: it usually embeds the API key.
	logger.L().Debug("provider call",
		slog.String("provider", target.Provider),
		slog.String("operation", target.Operation),
		slog.String("network", target.Network),
		slog.Int("status", status),
		slog.String("outcome", outcome),
		slog.Duration("elapsed", elapsed),
	)
	return payload, err
}

func (c *Client) roundTrip(req *http.Request) (json.RawMessage, int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, 0, xerrors.Wrap(xerrors.CodeProviderUnavailable, scrub(err), "provider request timed out")
		}
		return nil, 0, xerrors.Wrap(xerrors.CodeProviderUnavailable, scrub(err), "provider request failed")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes+1))
	if err != nil {
		return nil, resp.StatusCode, xerrors.Wrap(xerrors.CodeProviderUnavailable, err, "read provider response")
	}
	status := resp.StatusCode
	statusMeta := xerrors.WithMetadata("status", fmt.Sprint(status))
	if int64(len(payload)) > c.maxResponseBytes {
		return nil, status, xerrors.New(xerrors.CodeProviderRejected,
			fmt.Sprintf("provider response exceeds %d bytes", c.maxResponseBytes),
			statusMeta, xerrors.WithMetadata("reason", "response_too_large"))
	}

	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return nil, status, xerrors.New(xerrors.CodeProviderUnavailable,
			fmt.Sprintf("provider returned %d: %s", status, excerpt(payload)), statusMeta)
	case status < 200 || status > 299:
		return nil, status, xerrors.New(xerrors.CodeProviderRejected,
			fmt.Sprintf("provider returned %d: %s", status, excerpt(payload)), statusMeta)
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return json.RawMessage("null"), status, nil
	}
	if !json.Valid(trimmed) {
		return nil, status, xerrors.New(xerrors.CodeProviderRejected,
			fmt.Sprintf("provider returned non-JSON body: %s", excerpt(trimmed)), statusMeta)
	}
	return json.RawMessage(payload), status, nil
}

func excerpt(b []byte) string {
	text := strings.TrimSpace(string(b))
	if len(text) > excerptBytes {
		return text[:excerptBytes] + "..."
	}
	return text
}

// scrub drops the request URL from transport errors so API keys never reach
// error messages or logs.
func scrub(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s request: %w", urlErr.Op, urlErr.Err)
	}
	return err
}

// Close drops idle keep-alive connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
