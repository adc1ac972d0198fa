package jmap

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

// signingService is the SigV4 service name of the API gateway.
const signingService = "execute-api"

// maxErrorBody bounds how much of a failed response is kept in an error.
const maxErrorBody = 200

// DefaultMailbox receives messages whose target names no mailbox.
const DefaultMailbox = "inbox"

// Delivery identifies an imported message.
type Delivery struct {
	EmailID string
	BlobID  string
}

// Client calls the JMAP API as an IAM principal.
type Client struct {
	urls       URLSource
	creds      aws.CredentialsProvider
	region     string
	signer     *v4.Signer
	httpClient *http.Client
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for API calls and uploads.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClock overrides the signing and receivedAt clock.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a Client that signs requests for region with creds.
func New(urls URLSource, creds aws.CredentialsProvider, region string, opts ...Option) *Client {
	c := &Client{
		urls:       urls,
		creds:      creds,
		region:     region,
		signer:     v4.NewSigner(),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Deliver uploads body as a new blob in accountID and imports it into
// mailboxIDs. A negative size reads body fully first.
func (c *Client) Deliver(ctx context.Context, accountID string, mailboxIDs []string, body io.Reader, size int64) (Delivery, error) {
	if size < 0 {
		data, err := io.ReadAll(body)
		if err != nil {
			return Delivery{}, fmt.Errorf("failed to read message: %w", err)
		}
		body, size = bytes.NewReader(data), int64(len(data))
	}
	if len(mailboxIDs) == 0 {
		mailboxIDs = []string{DefaultMailbox}
	}

	blob, err := c.Allocate(ctx, accountID, size)
	if err != nil {
		return Delivery{}, err
	}
	slog.Debug("blob allocated", "account_id", accountID, "blob_id", blob.ID, "size", size)

	if err := c.Upload(ctx, blob.URL, body, size); err != nil {
		return Delivery{}, err
	}

	emailID, err := c.Import(ctx, accountID, blob.ID, mailboxIDs)
	if err != nil {
		return Delivery{}, err
	}
	return Delivery{EmailID: emailID, BlobID: blob.ID}, nil
}

// Allocate reserves an upload slot for a message of size bytes.
func (c *Client) Allocate(ctx context.Context, accountID string, size int64) (Blob, error) {
	const method = "Blob/allocate"

	args, err := c.call(ctx, accountID, []string{CapabilityCore, CapabilityUploadPut}, method, allocateArgs{
		AccountID: accountID,
		Create:    map[string]blobCreation{"blob0": {Type: messageType, Size: size}},
	})
	if err != nil {
		return Blob{}, err
	}

	var res allocateResult
	if err := json.Unmarshal(args, &res); err != nil {
		return Blob{}, fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if setErr, ok := res.NotCreated["blob0"]; ok {
		return Blob{}, fmt.Errorf("%s failed: %w", method, setErr)
	}
	blob, ok := res.Created["blob0"]
	if !ok || blob.ID == "" || blob.URL == "" {
		return Blob{}, fmt.Errorf("invalid %s response: %s", method, truncate(string(args)))
	}
	return blob, nil
}

// Upload sends body to a presigned upload URL. The URL carries its own
// authorization, so the request is not signed.
func (c *Client) Upload(ctx context.Context, uploadURL string, body io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, body)
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", messageType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Op: "upload", Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Op: "upload", StatusCode: resp.StatusCode, Message: string(msg)}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Import files an uploaded blob into mailboxIDs and returns the email id.
func (c *Client) Import(ctx context.Context, accountID, blobID string, mailboxIDs []string) (string, error) {
	const method = "Email/import"

	ids := make(map[string]bool, len(mailboxIDs))
	for _, id := range mailboxIDs {
		ids[id] = true
	}

	args, err := c.call(ctx, accountID, []string{CapabilityMail}, method, importArgs{
		AccountID: accountID,
		Emails: map[string]emailImport{"e0": {
			BlobID:     blobID,
			MailboxIDs: ids,
			ReceivedAt: c.now().UTC().Format(time.RFC3339),
		}},
	})
	if err != nil {
		return "", err
	}

	var res importResult
	if err := json.Unmarshal(args, &res); err != nil {
		return "", fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if setErr, ok := res.NotCreated["e0"]; ok {
		return "", fmt.Errorf("%s failed: %w", method, setErr)
	}
	email, ok := res.Created["e0"]
	if !ok {
		return "", fmt.Errorf("%s returned unexpected result: %s", method, truncate(string(args)))
	}
	return email.ID, nil
}

// call sends one signed method call and returns the arguments of its
// response.
func (c *Client) call(ctx context.Context, accountID string, using []string, method string, args any) (json.RawMessage, error) {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s arguments: %w", method, err)
	}
	payload, err := json.Marshal(request{
		Using:       using,
		MethodCalls: []invocation{{Name: method, Args: rawArgs, CallID: "c0"}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	endpoint, err := c.endpoint(ctx, accountID)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.sign(ctx, req, payload); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Op: method, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Op: method, StatusCode: resp.StatusCode, Message: err.Error()}
	}
	if resp.StatusCode/100 != 2 {
		return nil, &APIError{Op: method, StatusCode: resp.StatusCode, Message: truncate(string(body))}
	}

	var out response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if len(out.MethodResponses) == 0 {
		return nil, fmt.Errorf("empty response from %s", method)
	}

	first := out.MethodResponses[0]
	if first.Name == "error" {
		merr := &MethodError{Method: method}
		if err := json.Unmarshal(first.Args, merr); err != nil {
			return nil, fmt.Errorf("failed to decode %s error: %w", method, err)
		}
		return nil, merr
	}
	return first.Args, nil
}

func (c *Client) endpoint(ctx context.Context, accountID string) (string, error) {
	base, err := c.urls.URL(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(base, "/") + "/jmap-iam/" + url.PathEscape(accountID), nil
}

func (c *Client) sign(ctx context.Context, req *http.Request, payload []byte) error {
	if c.creds == nil {
		return errors.New("no AWS credentials configured for JMAP signing")
	}
	creds, err := c.creds.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("failed to retrieve AWS credentials: %w", err)
	}

	sum := sha256.Sum256(payload)
	if err := c.signer.SignHTTP(ctx, creds, req, hex.EncodeToString(sum[:]), signingService, c.region, c.now()); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	return nil
}

// APIError is a failed HTTP exchange with the JMAP gateway or upload URL.
// StatusCode is 0 for transport failures.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("JMAP %s request failed: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("JMAP %s error (HTTP %d): %s", e.Op, e.StatusCode, e.Message)
}

// HTTPStatusCode returns the response status, or 0 for transport failures.
func (e *APIError) HTTPStatusCode() int {
	return e.StatusCode
}

// Transient reports whether retrying the same request may succeed.
func (e *APIError) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func truncate(s string) string {
	if len(s) <= maxErrorBody {
		return s
	}
	return s[:maxErrorBody]
}
