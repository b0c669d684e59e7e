package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"testing"
	"time"
)

var errTransient = errors.New("transient")
var errPermanent = errors.New("permanent")

func recordSleep(waits *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return ctx.Err()
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	var waits []time.Duration
	p := DefaultPolicy()
	p.Sleep = recordSleep(&waits)
	calls := 0
	res, err := Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 || res.Attempts != 3 || res.Retries() != 2 {
		t.Fatalf("unexpected attempts: calls=%d res=%+v", calls, res)
	}
	if len(waits) != 2 || waits[0] != time.Second || waits[1] != 2*time.Second {
		t.Fatalf("unexpected backoff %v", waits)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	p := DefaultPolicy()
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	p.Retryable = func(err error) bool { return errors.Is(err, errTransient) }
	calls := 0
	res, err := Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		calls++
		return errPermanent
	})
	if !errors.Is(err, errPermanent) || IsExhausted(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 || res.Attempts != 1 {
		t.Fatalf("non-retryable error must not retry, calls=%d", calls)
	}
}

func TestDoExhausts(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: time.Millisecond, Sleep: func(context.Context, time.Duration) error { return nil }}
	var retried []int
	p.OnRetry = func(attempt int, err error, wait time.Duration) { retried = append(retried, attempt) }
	res, err := Do(context.Background(), p, func(ctx context.Context, attempt int) error { return errTransient })
	if !IsExhausted(err) || !errors.Is(err, errTransient) {
		t.Fatalf("expected exhausted transient error, got %v", err)
	}
	if res.Attempts != 4 || len(retried) != 3 {
		t.Fatalf("unexpected attempts %+v retried=%v", res, retried)
	}
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := DefaultPolicy()
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	_, err := Do(ctx, p, func(ctx context.Context, attempt int) error { return errTransient })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestBackoffCaps(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 8 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Fatalf("attempt %d: want %s got %s", i+1, w, got)
		}
	}
}

func TestIsTransientNetwork(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"dial refused", &url.Error{Op: "Post", URL: "http://127.0.0.1:1/v1", Err: refused}, true},
		{"client timeout", &url.Error{Op: "Get", URL: "http://indexer/v1", Err: context.DeadlineExceeded}, true},
		{"connection dropped", &url.Error{Op: "Get", URL: "http://indexer/v1", Err: io.EOF}, true},
		{"unsupported scheme", &url.Error{Op: "Post", URL: "ftp://indexer/v1", Err: errors.New(`unsupported protocol scheme "ftp"`)}, false},
		{"malformed url", &url.Error{Op: "parse", URL: "http://[::1", Err: errors.New("missing ']' in host")}, false},
		{"wrapped dial", fmt.Errorf("submit: %w", refused), true},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransientNetwork(tc.err); got != tc.want {
				t.Fatalf("IsTransientNetwork(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
