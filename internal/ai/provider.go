// Package ai wraps the external language model used to judge evidence
// against a requirement.
package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"assessline/internal/domain"
	"assessline/internal/retry"
)

// DocumentRef points the provider at one indexed document. Namespace must
// match the session the call is made for.
type DocumentRef struct {
	Name       string `json:"name"`
	StorageRef string `json:"storage_ref"`
	Namespace  string `json:"namespace"`
}

type GenerateRequest struct {
	System      string
	Prompt      string
	Documents   []DocumentRef
	Namespace   string
	Temperature float64
	MaxTokens   int
}

type GenerateResponse struct {
	Text         string
	Grounding    []domain.GroundingChunk
	InputTokens  int64
	OutputTokens int64
}

// Provider is the model endpoint: prompt plus document references in, text
// plus optional grounding metadata out.
type Provider interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
}

// ProviderError is a classified provider failure.
type ProviderError struct {
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("ai provider: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("ai provider: %v", e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// RetryableStatus reports whether an HTTP status from the provider is worth
// retrying.
func RetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable:
		return true
	}
	return false
}

// IsRetryable classifies an error from Provider.Generate. Network failures and
// per-call timeouts are transient; cancellation, request errors and auth
// failures are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Retryable
	}
	return retry.IsTransientNetwork(err)
}

// Disabled is the provider used when no model is configured. Every call fails
// permanently so requirements are recorded as not validated.
type Disabled struct{}

func (Disabled) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	return GenerateResponse{}, &ProviderError{Err: errors.New("ai provider disabled in configuration")}
}
