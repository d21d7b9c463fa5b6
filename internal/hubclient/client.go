// Package hubclient calls a running hub's HTTP API. The command line
// uses it for operations whose state lives in the hub process, such as
// issuing pairing tokens.
package hubclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/thane-mesh/internal/api"
	"github.com/nugget/thane-mesh/internal/buildinfo"
	"github.com/nugget/thane-mesh/internal/device"
)

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 << 10

// APIError is a non-2xx response from the hub.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("hub returned %d", e.StatusCode)
	}
	return fmt.Sprintf("hub returned %d: %s", e.StatusCode, e.Message)
}

// Option configures a Client.
type Option func(*options)

type options struct {
	timeout    time.Duration
	retryCount int
	retryDelay time.Duration
	logger     *slog.Logger
}

// WithTimeout sets the overall request timeout (default 5m, long
// enough for a synchronous tool execution).
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithRetry retries requests that could not connect.
func WithRetry(count int, delay time.Duration) Option {
	return func(o *options) {
		o.retryCount = count
		o.retryDelay = delay
	}
}

// WithLogger sets the logger for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Client talks to one hub.
type Client struct {
	base *url.URL
	http *http.Client
}

// New creates a client for the hub at baseURL (http or https).
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse hub URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("hub URL must be http or https, got %q", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("hub URL %q has no host", baseURL)
	}

	o := options{timeout: 5 * time.Minute}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	var rt http.RoundTripper = &userAgentTransport{
		base: newTransport(),
		ua:   buildinfo.UserAgent("cli"),
	}
	if o.retryCount > 0 {
		rt = &retryTransport{base: rt, count: o.retryCount, delay: o.retryDelay, logger: o.logger}
	}

	return &Client{
		base: u,
		http: &http.Client{Timeout: o.timeout, Transport: rt},
	}, nil
}

// do sends a JSON request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer drainAndClose(resp.Body, 4096)

	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		apiErr.Message = fmt.Sprintf("(failed to read error body: %v)", err)
		return apiErr
	}
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error.Message != "" {
		apiErr.Message = body.Error.Message
		apiErr.Type = body.Error.Type
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

// Health returns the hub's health report.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// IssuePairingToken asks the hub for a new pairing token.
func (c *Client) IssuePairingToken(ctx context.Context) (api.PairingTokenResponse, error) {
	var out api.PairingTokenResponse
	err := c.do(ctx, http.MethodPost, "/v1/pairing/tokens", nil, &out)
	return out, err
}

// Execute runs tool on the mesh.
func (c *Client) Execute(ctx context.Context, tool string, req api.ExecuteRequest) (api.ExecuteResponse, error) {
	var out api.ExecuteResponse
	err := c.do(ctx, http.MethodPost, "/v1/tools/"+url.PathEscape(tool)+"/execute", req, &out)
	return out, err
}

// Devices lists connected devices.
func (c *Client) Devices(ctx context.Context) ([]device.Device, error) {
	var out struct {
		Devices []device.Device `json:"devices"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/devices", nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

// CancelCommand cancels a pending command.
func (c *Client) CancelCommand(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/commands/"+url.PathEscape(id)+"/cancel", nil, nil)
}
