package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"cipherlink/internal/domain"
)

// Default client settings.
const (
	DefaultTimeout = 5 * time.Second
	maxErrorBody   = 4 << 10
)

// Client is the HTTP client for the key directory and message server. It
// implements domain.DirectoryClient, domain.MessageRelay and
// domain.BackupClient.
type Client struct {
	baseURL    string
	username   domain.Username
	deviceID   atomic.Uint32
	httpClient *http.Client
	retry      *RetryConfig
	log        *zap.Logger
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithRetry sets the retry policy. A nil config disables retries.
func WithRetry(cfg *RetryConfig) Option {
	return func(c *Client) {
		if cfg == nil {
			cfg = &RetryConfig{RetryableOn: domain.Retryable}
		}
		c.retry = cfg
	}
}

// WithRetries keeps the default backoff but changes the attempt count.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.retry.MaxRetries = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// New creates a client for baseURL acting as username.
func New(baseURL string, username domain.Username, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("relay base URL is required")
	}
	if username == "" {
		return nil, errors.New("username is required")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   username,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		retry:      DefaultRetryConfig(),
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("relay")
	return c, nil
}

// SetDeviceID sets the device the client speaks for. Zero clears it.
func (c *Client) SetDeviceID(id domain.DeviceID) { c.deviceID.Store(uint32(id)) }

// DeviceID returns the device the client speaks for.
func (c *Client) DeviceID() domain.DeviceID { return domain.DeviceID(c.deviceID.Load()) }

// Username returns the calling user.
func (c *Client) Username() domain.Username { return c.username }

// do sends a JSON request, retrying transport failures and retryable
// statuses. Failures come back as *domain.TransientError or
// *domain.APIError.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		payload = data
	}
	op := method + " " + path

	for attempt := 0; ; attempt++ {
		err := c.attempt(ctx, method, path, payload, result)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		var apiErr *domain.APIError
		switch {
		case errors.As(err, &apiErr):
			if !c.retry.ShouldRetry(attempt, apiErr.StatusCode) {
				return err
			}
		case attempt >= c.retry.MaxRetries:
			return &domain.TransientError{Op: op, Err: err}
		}

		c.log.Debug("retrying request",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if err := c.retry.Wait(ctx, attempt); err != nil {
			return err
		}
	}
}

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, result any) error {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderUsername, string(c.username))
	if id := c.DeviceID(); id != 0 {
		req.Header.Set(HeaderDeviceID, id.String())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp, method, path)
	}
	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func parseErrorResponse(resp *http.Response, method, path string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &domain.APIError{StatusCode: resp.StatusCode, Method: method, Path: path}

	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		apiErr.Message = errResp.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

var (
	_ domain.DirectoryClient = (*Client)(nil)
	_ domain.MessageRelay    = (*Client)(nil)
	_ domain.BackupClient    = (*Client)(nil)
)
