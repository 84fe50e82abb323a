// Package api is the HTTP transport for the conversation backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/killallgit/thrive/pkg/logger"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL        = "https://vital.ninimu.com/api/v1"
	DefaultRequestTimeout = 30 * time.Second

	// SecretHeader carries the fixed application secret on every request
	SecretHeader = "X-App-Secret"

	maxErrorBody = 64 << 10
)

// Client talks to the conversation backend
type Client struct {
	baseURL        string
	authToken      string
	secret         string
	requestTimeout time.Duration

	httpClient   *http.Client
	streamClient *http.Client
	customClient bool

	resumeLimiter *rate.Limiter
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithAuthToken sets the bearer token sent to endpoints that require auth
func WithAuthToken(token string) ClientOption {
	return func(c *Client) {
		c.authToken = token
	}
}

// WithSecret sets the value of the fixed secret header
func WithSecret(secret string) ClientOption {
	return func(c *Client) {
		c.secret = secret
	}
}

// WithHTTPClient replaces the underlying HTTP client for every request
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
		c.streamClient = hc
		c.customClient = true
	}
}

// WithRequestTimeout bounds connecting and waiting for response headers.
// Plain JSON requests are bounded end to end; stream bodies are not.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithResumeLimiter throttles how often resume streams may be opened
func WithResumeLimiter(l *rate.Limiter) ClientOption {
	return func(c *Client) {
		c.resumeLimiter = l
	}
}

// NewClient creates a client for the backend at baseURL
func NewClient(baseURL string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	c := &Client{
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		requestTimeout: DefaultRequestTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	if !c.customClient {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.DialContext = (&net.Dialer{
			Timeout:   c.requestTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext
		transport.ResponseHeaderTimeout = c.requestTimeout

		c.httpClient = &http.Client{Transport: transport, Timeout: c.requestTimeout}
		c.streamClient = &http.Client{Transport: transport}
	}

	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// OpenStream issues a streaming request and returns the response body once
// the server has answered with a 2xx status. The caller closes the body.
func (c *Client) OpenStream(ctx context.Context, ep Endpoint) (io.ReadCloser, error) {
	if ep.Throttled && c.resumeLimiter != nil {
		if err := c.resumeLimiter.Wait(ctx); err != nil {
			return nil, &TransportError{Err: fmt.Errorf("resume throttled: %w", err)}
		}
	}

	req, err := c.newRequest(ctx, ep, "text/event-stream")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-cache")

	logger.Debug("Opening stream %s %s", ep.Method, req.URL.Path)

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, newTransportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}

	return resp.Body, nil
}

// doJSON performs a plain request and decodes the JSON response into result
func (c *Client) doJSON(ctx context.Context, ep Endpoint, result interface{}) error {
	req, err := c.newRequest(ctx, ep, "application/json")
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return newTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, ep Endpoint, accept string) (*http.Request, error) {
	var body io.Reader
	if ep.Body != nil {
		payload, err := json.Marshal(ep.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	reqURL := c.baseURL + ep.Path
	if len(ep.Query) > 0 {
		reqURL += "?" + ep.Query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, ep.Method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if ep.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", accept)
	if c.secret != "" {
		req.Header.Set(SecretHeader, c.secret)
	}
	if ep.RequiresAuth && c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	return req, nil
}

func newTransportError(err error) *TransportError {
	var netErr net.Error
	timeout := errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
	return &TransportError{Err: err, Timeout: timeout}
}

func statusError(resp *http.Response) *TransportError {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return &TransportError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Err:        fmt.Errorf("read error response: %w", err),
		}
	}
	return &TransportError{StatusCode: resp.StatusCode, Message: errorDetail(body, resp.StatusCode)}
}
