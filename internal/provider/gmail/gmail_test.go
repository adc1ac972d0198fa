package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const rawMessage = "From: a@example.com\r\nSubject: hi\r\n\r\nhello"

func newTestClient(url string) *Client {
	return New(WithImportURL(url), WithRetryDelay(time.Millisecond))
}

func TestBuildImportRequest(t *testing.T) {
	t.Parallel()

	req := buildImportRequest([]byte(rawMessage), DefaultLabels)

	decoded, err := base64.URLEncoding.DecodeString(req.Raw)
	if err != nil {
		t.Fatalf("raw is not base64url: %v", err)
	}
	if string(decoded) != rawMessage {
		t.Errorf("raw: got %q, want %q", decoded, rawMessage)
	}
	if len(req.LabelIDs) != 2 || req.LabelIDs[0] != "INBOX" || req.LabelIDs[1] != "UNREAD" {
		t.Errorf("labels: got %v", req.LabelIDs)
	}
}

func TestImport_Success(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method: got %s, want POST", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer access-1" {
			t.Errorf("Authorization: got %q", got)
		}
		if got := r.URL.Query().Get("internalDateSource"); got != "dateHeader" {
			t.Errorf("internalDateSource: got %q", got)
		}

		var body importRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.Raw == "" {
			t.Error("raw should not be empty")
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"gm-123","threadId":"th-1"}`))
	}))
	defer server.Close()

	id, err := newTestClient(server.URL).Import(context.Background(), "access-1", []byte(rawMessage))
	if err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	if id != "gm-123" {
		t.Errorf("id: got %q, want %q", id, "gm-123")
	}
}

func TestImport_UnauthorizedNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"code":401,"message":"Invalid Credentials","status":"UNAUTHENTICATED"}}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Import(context.Background(), "stale", []byte(rawMessage))
	if err == nil {
		t.Fatal("expected error")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.HTTPStatusCode() != http.StatusUnauthorized {
		t.Errorf("status: got %d, want 401", apiErr.HTTPStatusCode())
	}
	if apiErr.Message != "Invalid Credentials" {
		t.Errorf("message: got %q", apiErr.Message)
	}
	if calls.Load() != 1 {
		t.Errorf("calls: got %d, want 1", calls.Load())
	}
}

func TestImport_RetriesTransient(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		switch n {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.Write([]byte(`{"id":"gm-9"}`))
		}
	}))
	defer server.Close()

	id, err := newTestClient(server.URL).Import(context.Background(), "t", []byte(rawMessage))
	if err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	if id != "gm-9" {
		t.Errorf("id: got %q", id)
	}
	if calls.Load() != 3 {
		t.Errorf("calls: got %d, want 3", calls.Load())
	}
}

func TestImport_GivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Import(context.Background(), "t", []byte(rawMessage))
	if err == nil {
		t.Fatal("expected error")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.Transient() {
		t.Errorf("expected transient APIError, got %v", err)
	}
	if calls.Load() != maxRetries+1 {
		t.Errorf("calls: got %d, want %d", calls.Load(), maxRetries+1)
	}
}

func TestImport_ContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := New(WithImportURL(server.URL), WithRetryDelay(time.Minute))
	if _, err := client.Import(ctx, "t", []byte(rawMessage)); err == nil {
		t.Fatal("expected error")
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		transient bool
		permanent bool
	}{
		{status: 400, permanent: true},
		{status: 401, permanent: true},
		{status: 403, permanent: true},
		{status: 404, permanent: true},
		{status: 429, transient: true},
		{status: 500, transient: true},
		{status: 503, transient: true},
	}

	for _, tt := range tests {
		err := classifyError(tt.status, "x", "")
		if err.Transient() != tt.transient || err.Permanent() != tt.permanent {
			t.Errorf("status %d: transient=%v permanent=%v", tt.status, err.Transient(), err.Permanent())
		}
	}
}

func TestRetryAfterDelay(t *testing.T) {
	t.Parallel()

	c := New(WithRetryDelay(time.Second))
	if got := c.retryAfterDelay("7", 0); got != 7*time.Second {
		t.Errorf("numeric: got %v", got)
	}
	if got := c.retryAfterDelay("", 2); got != 4*time.Second {
		t.Errorf("missing: got %v", got)
	}
	if got := c.retryAfterDelay("soon", 1); got != 2*time.Second {
		t.Errorf("invalid: got %v", got)
	}
}
