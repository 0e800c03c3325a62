// Package threads is the HTTP client for thread lifecycle operations and the
// entry point for live chat turns.
package threads

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/user/pacha/internal/transport"
	"github.com/user/pacha/internal/types"
)

// DefaultAuthHeader carries the auth token on every request and handshake.
const DefaultAuthHeader = "X-Pacha-Auth-Token"

// HealthOK is the body returned by a healthy /config-check.
const HealthOK = "OK"

// FeedbackModeThread is the feedback mode for whole-thread ratings.
const FeedbackModeThread = "thread"

// Config holds the connection settings for a Client.
type Config struct {
	BaseURL    string
	AuthToken  string
	AuthHeader string
	Timeout    time.Duration
}

// TransportFactory builds the transport for one live turn.
type TransportFactory func(url string, header http.Header) transport.Transport

// Client talks to the thread API over HTTP and opens live turns over a
// websocket.
type Client struct {
	config     Config
	baseURL    *url.URL
	httpClient *http.Client
	retry      *RetryPolicy
	dial       TransportFactory
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryPolicy sets the retry policy for idempotent reads.
func WithRetryPolicy(p *RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithTransportFactory replaces the websocket transport used by live turns.
func WithTransportFactory(f TransportFactory) Option {
	return func(c *Client) { c.dial = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client for the given configuration.
func New(config Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", config.BaseURL)
	}
	if config.AuthHeader == "" {
		config.AuthHeader = DefaultAuthHeader
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	c := &Client{
		config:  config,
		baseURL: base,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Jar:     jar,
		},
		retry:  DefaultRetryPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dial == nil {
		logger := c.logger
		c.dial = func(url string, header http.Header) transport.Transport {
			return transport.NewWebSocket(url, transport.WithHeader(header), transport.WithLogger(logger))
		}
	}
	return c, nil
}

func (c *Client) authHeader() http.Header {
	h := http.Header{}
	if c.config.AuthToken != "" {
		h.Set(c.config.AuthHeader, c.config.AuthToken)
	}
	return h
}

func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return c.baseURL.String() + "/" + strings.Join(escaped, "/")
}

// do sends a JSON request and decodes a JSON response into out when out is
// non-nil. Non-2xx statuses yield *types.HTTPStatusError.
func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.authHeader() {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &types.HTTPStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out == nil {
		return nil
	}
	switch v := out.(type) {
	case *string:
		*v = string(respBody)
	default:
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
	}
	return nil
}

// ListThreads returns every thread visible to the caller, in server order.
func (c *Client) ListThreads(ctx context.Context) ([]types.ThreadSummary, error) {
	var threads []types.ThreadSummary
	err := c.retry.Execute(ctx, func() error {
		threads = nil
		return c.do(ctx, http.MethodGet, c.endpoint("threads"), nil, &threads)
	})
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	return threads, nil
}

// GetThread fetches the full history of one thread. Any non-2xx status is
// reported as *types.NotFoundError.
func (c *Client) GetThread(ctx context.Context, id types.ThreadID) (*types.ThreadResponse, error) {
	var thread types.ThreadResponse
	err := c.retry.Execute(ctx, func() error {
		thread = types.ThreadResponse{}
		err := c.do(ctx, http.MethodGet, c.endpoint("threads", string(id)), nil, &thread)
		var status *types.HTTPStatusError
		if errors.As(err, &status) {
			return &types.NotFoundError{ThreadID: id, StatusCode: status.StatusCode, Body: status.Body}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &thread, nil
}

// StartThread creates an empty thread and returns its id.
func (c *Client) StartThread(ctx context.Context) (types.ThreadID, error) {
	var resp struct {
		ThreadID types.ThreadID `json:"thread_id"`
	}
	if err := c.do(ctx, http.MethodPost, c.endpoint("threads"), struct{}{}, &resp); err != nil {
		return "", fmt.Errorf("start thread: %w", err)
	}
	if resp.ThreadID == "" {
		return "", fmt.Errorf("start thread: response has no thread_id")
	}
	return resp.ThreadID, nil
}

// Feedback is a rating of a thread: +1 or -1, with optional text.
type Feedback struct {
	ThreadID types.ThreadID
	Rating   int
	Text     string
	Mode     string
}

type feedbackRequest struct {
	ThreadID     types.ThreadID `json:"thread_id"`
	Mode         string         `json:"mode"`
	FeedbackEnum int            `json:"feedback_enum"`
	FeedbackText *string        `json:"feedback_text"`
}

// SubmitFeedback posts a thread rating. Failures are *types.SubmissionError.
func (c *Client) SubmitFeedback(ctx context.Context, fb Feedback) error {
	if fb.Rating != 1 && fb.Rating != -1 {
		return &types.SubmissionError{Op: "submit feedback", Err: fmt.Errorf("invalid rating %d: must be 1 or -1", fb.Rating)}
	}
	mode := fb.Mode
	if mode == "" {
		mode = FeedbackModeThread
	}
	req := feedbackRequest{ThreadID: fb.ThreadID, Mode: mode, FeedbackEnum: fb.Rating}
	if fb.Text != "" {
		req.FeedbackText = &fb.Text
	}
	if err := c.do(ctx, http.MethodPost, c.endpoint("threads", string(fb.ThreadID), "submit-feedback"), req, nil); err != nil {
		return &types.SubmissionError{Op: "submit feedback", Err: err}
	}
	return nil
}

// Confirmation is a human-in-the-loop decision for one confirmation request.
type Confirmation struct {
	ThreadID       types.ThreadID
	ConfirmationID types.ConfirmationID
	Confirm        bool
}

type confirmationRequest struct {
	ConfirmationID types.ConfirmationID `json:"confirmation_id"`
	Confirm        bool                 `json:"confirm"`
}

// SendUserConfirmation posts a confirmation decision. Failures are
// *types.SubmissionError.
func (c *Client) SendUserConfirmation(ctx context.Context, conf Confirmation) error {
	req := confirmationRequest{ConfirmationID: conf.ConfirmationID, Confirm: conf.Confirm}
	if err := c.do(ctx, http.MethodPost, c.endpoint("threads", string(conf.ThreadID), "user_confirmation"), req, nil); err != nil {
		return &types.SubmissionError{Op: "send user confirmation", Err: err}
	}
	return nil
}

// HealthCheck calls /config-check once. A healthy server answers HealthOK;
// any other body or an error means the endpoint is unusable.
func (c *Client) HealthCheck(ctx context.Context) (string, error) {
	var body string
	if err := c.do(ctx, http.MethodGet, c.endpoint("config-check"), nil, &body); err != nil {
		return "", fmt.Errorf("health check: %w", err)
	}
	return strings.TrimSpace(body), nil
}

// socketURL selects the continue path for a known thread and the start
// path otherwise.
func (c *Client) socketURL(id types.ThreadID) string {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	base := u.String()
	if id.IsNew() {
		return base + "/threads/start"
	}
	return base + "/threads/" + url.PathEscape(string(id)) + "/continue"
}
