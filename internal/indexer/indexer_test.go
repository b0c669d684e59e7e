package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"assessline/internal/domain"
	"assessline/internal/retry"
)

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, Sleep: func(context.Context, time.Duration) error { return nil }}
}

func TestSubmitRetriesOnUnavailable(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing token")
		}
		var body submitRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Namespace != "ns-1" || body.StorageRef != "s3://bucket/a.pdf" {
			t.Errorf("unexpected body %+v", body)
		}
		_ = json.NewEncoder(w).Encode(submitResponse{OperationID: "op-1"})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", time.Second, fastPolicy())
	op, err := c.Submit(context.Background(), "s3://bucket/a.pdf", "ns-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if op != "op-1" || calls != 3 {
		t.Fatalf("op=%s calls=%d", op, calls)
	}
}

func TestSubmitDoesNotRetryBadRequest(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad storage ref", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second, fastPolicy())
	_, err := c.Submit(context.Background(), "nope", "ns-1")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
}

func TestStatusNormalizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/operations/op-done":
			_, _ = w.Write([]byte(`{"status":"SUCCEEDED"}`))
		case "/v1/operations/op-bad":
			_, _ = w.Write([]byte(`{"status":"error","error":"corrupt pdf"}`))
		default:
			_, _ = w.Write([]byte(`{"status":"weird"}`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second, fastPolicy())
	st, err := c.Status(context.Background(), "op-done")
	if err != nil || st.Status != domain.IndexingCompleted || !st.Terminal() {
		t.Fatalf("unexpected %+v %v", st, err)
	}
	st, err = c.Status(context.Background(), "op-bad")
	if err != nil || st.Status != domain.IndexingFailed || st.Error == nil || *st.Error != "corrupt pdf" {
		t.Fatalf("unexpected %+v %v", st, err)
	}
	if _, err := c.Status(context.Background(), "op-x"); err == nil {
		t.Fatalf("expected unknown status error")
	}
}

func TestConcurrentSubmitsShareClient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		_ = json.NewEncoder(w).Encode(submitResponse{OperationID: fmt.Sprintf("op-%d", n)})
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Timeout: time.Second, Retry: fastPolicy()}
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := c.Submit(context.Background(), fmt.Sprintf("s3://bucket/%d.pdf", i), "ns-1"); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("submit: %v", err)
	}
	if calls.Load() != 8 {
		t.Fatalf("expected 8 calls, got %d", calls.Load())
	}
	if c.HTTPClient != nil {
		t.Fatalf("calls must not mutate the client")
	}
}

func TestSubmitRetryClassification(t *testing.T) {
	closed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	closedURL := closed.URL
	closed.Close()

	cases := []struct {
		name     string
		baseURL  string
		attempts int
	}{
		{"connection refused", closedURL, 3},
		{"unsupported scheme", "ftp://indexer.example.com", 1},
		{"malformed url", "http://[::1", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			attempts := 1
			policy := fastPolicy()
			policy.OnRetry = func(int, error, time.Duration) { attempts++ }
			c := New(tc.baseURL, "", time.Second, policy)
			if _, err := c.Submit(context.Background(), "s3://bucket/a.pdf", "ns-1"); err == nil {
				t.Fatalf("expected error")
			}
			if attempts != tc.attempts {
				t.Fatalf("expected %d attempts, got %d", tc.attempts, attempts)
			}
		})
	}
}
