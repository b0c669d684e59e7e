package ai

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"assessline/internal/domain"
	"assessline/internal/retry"
)

type scriptedProvider struct {
	mu    sync.Mutex
	calls []GenerateRequest
	steps []func(ctx context.Context) (GenerateResponse, error)
}

func (p *scriptedProvider) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	p.mu.Lock()
	i := len(p.calls)
	p.calls = append(p.calls, req)
	p.mu.Unlock()
	if i >= len(p.steps) {
		return GenerateResponse{}, errors.New("unexpected call")
	}
	return p.steps[i](ctx)
}

func fail(code int) func(context.Context) (GenerateResponse, error) {
	return func(context.Context) (GenerateResponse, error) {
		return GenerateResponse{}, &ProviderError{StatusCode: code, Retryable: RetryableStatus(code), Err: errors.New("upstream")}
	}
}

func ok(text string) func(context.Context) (GenerateResponse, error) {
	return func(context.Context) (GenerateResponse, error) {
		return GenerateResponse{Text: text, InputTokens: 10, OutputTokens: 5}, nil
	}
}

func newTestClient(p Provider) *Client {
	return &Client{
		Provider:              p,
		Retry:                 retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, Sleep: func(context.Context, time.Duration) error { return nil }},
		CallTimeout:           time.Second,
		ValidationTemperature: 0.1,
		QuestionTemperature:   0.7,
		MaxTokens:             1024,
		Tracker:               NewTokenTracker(),
		Logger:                log.New(io.Discard, "", 0),
	}
}

func testContext() ValidationContext {
	return ValidationContext{
		SessionID: "s1",
		UnitCode:  "BSBOPS304",
		Namespace: "ns-1",
		Documents: []DocumentRef{{Name: "assessment.pdf", StorageRef: "https://store/a.pdf", Namespace: "ns-1"}},
	}
}

var input = RequirementInput{Category: domain.CategoryKnowledgeEvidence, Number: "3", Text: "Explain the workplace procedures"}

func TestValidateRetriesTransientFailures(t *testing.T) {
	p := &scriptedProvider{steps: []func(context.Context) (GenerateResponse, error){fail(503), fail(429), ok(`{"status":"Met"}`)}}
	c := newTestClient(p)
	resp, err := c.Validate(context.Background(), testContext(), input)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if resp.Attempts != 3 || resp.Retries() != 2 || resp.Text != `{"status":"Met"}` {
		t.Fatalf("unexpected response %+v", resp)
	}
	if c.Tracker.Calls() != 1 {
		t.Fatalf("only successful calls are tracked, got %d", c.Tracker.Calls())
	}
	req := p.calls[0]
	if req.Temperature != 0.1 || req.Namespace != "ns-1" || len(req.Documents) != 1 {
		t.Fatalf("unexpected request %+v", req)
	}
	if !strings.Contains(req.Prompt, "Explain the workplace procedures") {
		t.Fatalf("prompt missing requirement text")
	}
}

func TestValidateDoesNotRetryAuthFailure(t *testing.T) {
	p := &scriptedProvider{steps: []func(context.Context) (GenerateResponse, error){fail(401), ok("never")}}
	c := newTestClient(p)
	resp, err := c.Validate(context.Background(), testContext(), input)
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.StatusCode != 401 {
		t.Fatalf("expected 401 provider error, got %v", err)
	}
	if len(p.calls) != 1 || resp.Attempts != 1 {
		t.Fatalf("auth failure must not be retried: calls=%d", len(p.calls))
	}
}

func TestValidateRetriesPerCallTimeout(t *testing.T) {
	hang := func(ctx context.Context) (GenerateResponse, error) {
		<-ctx.Done()
		return GenerateResponse{}, ctx.Err()
	}
	p := &scriptedProvider{steps: []func(context.Context) (GenerateResponse, error){hang, ok("done")}}
	c := newTestClient(p)
	c.CallTimeout = 10 * time.Millisecond
	resp, err := c.Validate(context.Background(), testContext(), input)
	if err != nil || resp.Text != "done" || resp.Attempts != 2 {
		t.Fatalf("expected recovery after timeout, got %+v %v", resp, err)
	}
}

func TestValidateExhaustsRetries(t *testing.T) {
	p := &scriptedProvider{steps: []func(context.Context) (GenerateResponse, error){fail(502), fail(502), fail(502)}}
	c := newTestClient(p)
	resp, err := c.Validate(context.Background(), testContext(), input)
	if !retry.IsExhausted(err) || resp.Attempts != 3 {
		t.Fatalf("expected exhausted after 3 attempts, got %+v %v", resp, err)
	}
}

func TestValidationContextRejectsForeignDocuments(t *testing.T) {
	p := &scriptedProvider{}
	c := newTestClient(p)
	vctx := testContext()
	vctx.Documents = append(vctx.Documents, DocumentRef{Name: "other.pdf", StorageRef: "https://store/o.pdf", Namespace: "ns-2"})
	if _, err := c.Validate(context.Background(), vctx, input); err == nil {
		t.Fatalf("expected namespace error")
	}
	if len(p.calls) != 0 {
		t.Fatalf("provider must not be called")
	}
}

func TestGenerateQuestionsUsesQuestionTemperature(t *testing.T) {
	p := &scriptedProvider{steps: []func(context.Context) (GenerateResponse, error){ok(`{"smart_questions":[]}`)}}
	c := newTestClient(p)
	if _, err := c.GenerateQuestions(context.Background(), testContext(), input, "Not Met"); err != nil {
		t.Fatal(err)
	}
	if p.calls[0].Temperature != 0.7 {
		t.Fatalf("expected question temperature, got %v", p.calls[0].Temperature)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&ProviderError{StatusCode: 429, Retryable: true}, true},
		{&ProviderError{StatusCode: 400}, false},
		{context.DeadlineExceeded, true},
		{context.Canceled, false},
		{errors.New("boom"), false},
		{&url.Error{Op: "Post", URL: "https://api.example.com", Err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection reset")}}, true},
		{&url.Error{Op: "Post", URL: "htps://api.example.com", Err: errors.New(`unsupported protocol scheme "htps"`)}, false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Fatalf("IsRetryable(%v) = %v", tc.err, got)
		}
	}
}
