package gmail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// DefaultImportURL is the users.messages.import endpoint for the
// authenticated user.
const DefaultImportURL = "https://gmail.googleapis.com/gmail/v1/users/me/messages/import"

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// defaultRetryDelay is the initial delay for exponential backoff.
const defaultRetryDelay = 1 * time.Second

// Client imports messages with a caller-supplied access token. It holds no
// credential state: 401 and 403 are returned to the caller so the credential
// guard can decide what to do.
type Client struct {
	importURL  string
	labels     []string
	httpClient *http.Client
	retryDelay time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithImportURL overrides the import endpoint.
func WithImportURL(url string) Option {
	return func(c *Client) { c.importURL = url }
}

// WithLabels overrides DefaultLabels.
func WithLabels(labels []string) Option {
	return func(c *Client) { c.labels = labels }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryDelay sets the base backoff delay.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

// New creates a Client.
func New(opts ...Option) *Client {
	c := &Client{
		importURL:  DefaultImportURL,
		labels:     DefaultLabels,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Import stores raw in the mailbox and returns the new Gmail message id.
// Rate limiting and server errors are retried with backoff, honoring
// Retry-After on 429.
func (c *Client) Import(ctx context.Context, accessToken string, raw []byte) (string, error) {
	bodyJSON, err := json.Marshal(buildImportRequest(raw, c.labels))
	if err != nil {
		return "", fmt.Errorf("failed to marshal request body: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying Gmail import",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
		}

		id, err := c.doImport(ctx, accessToken, bodyJSON)
		if err == nil {
			return id, nil
		}
		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.transient {
			return "", err
		}

		delay := c.backoffDelay(attempt)
		if apiErr.StatusCode == http.StatusTooManyRequests {
			delay = c.retryAfterDelay(apiErr.retryAfter, attempt)
			slog.Info("rate limited by Gmail API", "retry_after", delay)
		} else {
			slog.Info("transient Gmail API error, retrying",
				"status", apiErr.StatusCode,
				"delay", delay,
			)
		}
		if err := sleepWithContext(ctx, delay); err != nil {
			return "", fmt.Errorf("context cancelled during retry wait: %w", err)
		}
	}

	return "", fmt.Errorf("Gmail import failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns the client name.
func (c *Client) Name() string {
	return "gmail"
}

// doImport performs a single HTTP request to the import endpoint.
func (c *Client) doImport(ctx context.Context, accessToken string, bodyJSON []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.importURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	q := req.URL.Query()
	q.Set("internalDateSource", "dateHeader")
	req.URL.RawQuery = q.Encode()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &APIError{
			Message:   fmt.Sprintf("HTTP request failed: %v", err),
			transient: true,
		}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusOK {
		var out importResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return "", fmt.Errorf("failed to decode import response: %w", err)
		}
		return out.ID, nil
	}

	var errResp apiErrorResponse
	if jsonErr := json.Unmarshal(body, &errResp); jsonErr == nil && errResp.Error.Message != "" {
		return "", classifyError(resp.StatusCode, errResp.Error.Message, resp.Header.Get("Retry-After"))
	}
	return "", classifyError(resp.StatusCode, string(body), resp.Header.Get("Retry-After"))
}

// APIError is a failed Gmail API call with retry classification.
type APIError struct {
	StatusCode int
	Message    string
	permanent  bool
	transient  bool
	retryAfter string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Gmail API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// HTTPStatusCode returns the response status, or 0 for transport failures.
func (e *APIError) HTTPStatusCode() int {
	return e.StatusCode
}

// Transient reports whether retrying the same request may succeed.
func (e *APIError) Transient() bool {
	return e.transient
}

// Permanent reports whether the request can never succeed as sent.
func (e *APIError) Permanent() bool {
	return e.permanent
}

// classifyError categorizes an HTTP error response for retry decisions.
// 401 and 403 are permanent here; the caller owns credential handling.
func classifyError(statusCode int, message, retryAfter string) *APIError {
	err := &APIError{
		Message:    message,
		StatusCode: statusCode,
		retryAfter: retryAfter,
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		err.transient = true
	case statusCode >= 500:
		err.transient = true
	default:
		err.permanent = true
	}

	return err
}

// retryAfterDelay parses the Retry-After header value and returns the appropriate delay.
// Falls back to exponential backoff if the header is missing or unparseable.
func (c *Client) retryAfterDelay(retryAfter string, attempt int) time.Duration {
	if retryAfter == "" {
		return c.backoffDelay(attempt)
	}

	seconds, err := strconv.Atoi(retryAfter)
	if err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	return c.backoffDelay(attempt)
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.retryDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
