package ai

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"assessline/internal/config"
	"assessline/internal/domain"
	"assessline/internal/retry"
)

// ValidationContext scopes one session's AI calls. Every document reference
// must belong to Namespace; nothing outside the session is ever attached.
type ValidationContext struct {
	SessionID string
	UnitCode  string
	Namespace string
	Documents []DocumentRef
}

// RequirementInput is what the model is asked to judge.
type RequirementInput struct {
	Category   string
	Number     string
	Text       string
	ParentText string
}

func (r RequirementInput) Key() domain.RequirementKey {
	return domain.RequirementKey{Category: r.Category, Number: r.Number}
}

// RawResponse is the unparsed model output for one requirement.
type RawResponse struct {
	Text      string
	Grounding []domain.GroundingChunk
	// Attempts counts provider calls made, including failed ones.
	Attempts int
}

// Retries is the number of calls beyond the first.
func (r RawResponse) Retries() int {
	if r.Attempts <= 1 {
		return 0
	}
	return r.Attempts - 1
}

// Client applies the per-call timeout and retry policy around a Provider.
type Client struct {
	Provider              Provider
	Retry                 retry.Policy
	CallTimeout           time.Duration
	ValidationTemperature float64
	QuestionTemperature   float64
	MaxTokens             int
	Tracker               *TokenTracker
	Logger                *log.Logger
}

func NewClient(p Provider, cfg config.Config, logger *log.Logger) *Client {
	return &Client{
		Provider: p,
		Retry: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		},
		CallTimeout:           cfg.AI.CallTimeout,
		ValidationTemperature: cfg.AI.ValidationTemp,
		QuestionTemperature:   cfg.AI.QuestionTemp,
		MaxTokens:             cfg.AI.MaxTokens,
		Tracker:               NewTokenTracker(),
		Logger:                logger,
	}
}

// Validate asks the model for a verdict on one requirement. Transient
// failures are retried with backoff; the returned response carries the number
// of attempts even when err is non-nil.
func (c *Client) Validate(ctx context.Context, vctx ValidationContext, req RequirementInput) (RawResponse, error) {
	if err := vctx.check(); err != nil {
		return RawResponse{}, err
	}
	if strings.TrimSpace(req.Text) == "" {
		return RawResponse{}, fmt.Errorf("requirement %s has no text", req.Key())
	}
	return c.generate(ctx, vctx, GenerateRequest{
		System:      systemPrompt,
		Prompt:      buildValidationPrompt(vctx.UnitCode, req),
		Documents:   vctx.Documents,
		Namespace:   vctx.Namespace,
		Temperature: c.ValidationTemperature,
		MaxTokens:   c.MaxTokens,
	}, req.Key().String())
}

// GenerateQuestions asks for assessor questions at the higher auxiliary
// temperature. Callers treat failure as non-fatal.
func (c *Client) GenerateQuestions(ctx context.Context, vctx ValidationContext, req RequirementInput, verdict string) (RawResponse, error) {
	if err := vctx.check(); err != nil {
		return RawResponse{}, err
	}
	return c.generate(ctx, vctx, GenerateRequest{
		System:      systemPrompt,
		Prompt:      buildQuestionPrompt(vctx.UnitCode, req, verdict),
		Documents:   vctx.Documents,
		Namespace:   vctx.Namespace,
		Temperature: c.QuestionTemperature,
		MaxTokens:   c.MaxTokens,
	}, req.Key().String()+" questions")
}

func (c *Client) generate(ctx context.Context, vctx ValidationContext, greq GenerateRequest, label string) (RawResponse, error) {
	if c.Provider == nil {
		return RawResponse{}, &ProviderError{Err: fmt.Errorf("no provider configured")}
	}
	policy := c.Retry
	policy.Retryable = IsRetryable
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		c.logger().Printf("[ai] session %s %s attempt %d failed, retrying in %s: %v", vctx.SessionID, label, attempt, wait, err)
	}
	var out RawResponse
	res, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		callCtx := ctx
		if c.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.CallTimeout)
			defer cancel()
		}
		resp, err := c.Provider.Generate(callCtx, greq)
		if err != nil {
			return err
		}
		if c.Tracker != nil {
			c.Tracker.Add(resp.InputTokens, resp.OutputTokens)
		}
		out.Text = resp.Text
		out.Grounding = resp.Grounding
		return nil
	})
	out.Attempts = res.Attempts
	return out, err
}

func (c *Client) logger() *log.Logger {
	if c.Logger == nil {
		return log.Default()
	}
	return c.Logger
}

func (v ValidationContext) check() error {
	if strings.TrimSpace(v.Namespace) == "" {
		return fmt.Errorf("validation context has no namespace")
	}
	if len(v.Documents) == 0 {
		return fmt.Errorf("validation context has no documents")
	}
	for _, d := range v.Documents {
		if d.Namespace != v.Namespace {
			return fmt.Errorf("document %s belongs to namespace %q, not %q", d.Name, d.Namespace, v.Namespace)
		}
	}
	return nil
}
