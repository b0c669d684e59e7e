package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"assessline/internal/ai"
	"assessline/internal/domain"
	"assessline/internal/events"
	"assessline/internal/parse"
	"assessline/internal/retry"
)

// RunSummary describes one RunValidation call.
type RunSummary struct {
	SessionID string        `json:"session_id"`
	Validated int           `json:"validated"`
	Errored   int           `json:"errored"`
	Skipped   int           `json:"skipped"`
	Status    string        `json:"status"`
	Tokens    ai.Snapshot   `json:"tokens"`
	Duration  time.Duration `json:"duration"`
}

// RunValidation validates every requirement of a ready session with a
// bounded worker pool. It requires the session to be validating_in_background
// and holds the run lease for the duration, so at most one run per session is
// live. Requirements that already hold a successful outcome are skipped,
// which lets an interrupted run resume. Per-requirement failures are recorded
// as outcomes and never abort the batch.
func (e Engine) RunValidation(ctx context.Context, sessionID string) (RunSummary, error) {
	started := e.now()
	summary := RunSummary{SessionID: sessionID}
	if e.AI == nil {
		return summary, errors.New("ai client not configured")
	}
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return summary, err
	}
	if s.Status != domain.SessionValidatingInBackground {
		return summary, fmt.Errorf("%w: session is %s", ErrInvalidState, s.Status)
	}
	if err := e.claimRun(ctx, sessionID); err != nil {
		return summary, err
	}
	defer func() {
		if err := e.Repo.ReleaseRun(context.WithoutCancel(ctx), sessionID, e.Owner); err != nil {
			e.logger().Printf("[orchestrator] release run lease for %s: %v", sessionID, err)
		}
	}()

	docs, err := e.Repo.ListDocuments(ctx, sessionID)
	if err != nil {
		return summary, err
	}
	docs = indexedDocuments(docs)
	if len(docs) == 0 {
		return summary, ErrSessionNotReady
	}
	reqs, err := e.Repo.ListRequirements(ctx, s.UnitCode)
	if err != nil {
		return summary, err
	}
	if len(reqs) == 0 {
		if err := e.failSession(ctx, sessionID, ErrNoRequirements.Error()); err != nil {
			return summary, err
		}
		summary.Status = domain.SessionFailed
		return summary, ErrNoRequirements
	}
	done, err := e.Repo.ValidatedKeys(ctx, sessionID)
	if err != nil {
		return summary, err
	}

	vctx := validationContext(s, docs)
	parents := parentTexts(reqs)
	before := e.AI.Tracker.Snapshot()
	workers := e.Config.Workers.Requirements
	if workers < 1 {
		workers = 1
	}
	e.logger().Printf("[orchestrator] session %s: validating %d requirements (%d already done) with %d workers",
		sessionID, len(reqs)-len(done), len(done), workers)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, req := range reqs {
		if done[req.Key()] {
			summary.Skipped++
			continue
		}
		g.Go(func() error {
			out, err := e.validateRequirement(gctx, vctx, req, parents[req.Key()], true)
			if err != nil {
				return fmt.Errorf("requirement %s: %w", req.Key(), err)
			}
			mu.Lock()
			if out.ValidationError {
				summary.Errored++
			} else {
				summary.Validated++
			}
			mu.Unlock()
			return nil
		})
	}
	runErr := g.Wait()

	summary.Tokens = e.AI.Tracker.Snapshot().Sub(before)
	summary.Duration = e.now().Sub(started)
	if final, err := e.Repo.GetSession(ctx, sessionID); err == nil {
		summary.Status = final.Status
	}
	e.logger().Printf("[orchestrator] session %s: %d validated, %d errored, %d skipped, status %s, tokens in=%d out=%d (~$%.4f)",
		sessionID, summary.Validated, summary.Errored, summary.Skipped, summary.Status,
		summary.Tokens.InputTokens, summary.Tokens.OutputTokens, summary.Tokens.CostUSD)
	return summary, runErr
}

// ReValidateRequirement re-runs validation for one requirement of a session
// that has already been validated, replacing its outcome in place. Only
// documents that finished indexing are attached.
func (e Engine) ReValidateRequirement(ctx context.Context, sessionID string, key domain.RequirementKey) (domain.Outcome, error) {
	if e.AI == nil {
		return domain.Outcome{}, errors.New("ai client not configured")
	}
	key.Category = domain.NormalizeCategory(key.Category)
	if !domain.IsCategory(key.Category) || key.Number == "" {
		return domain.Outcome{}, fmt.Errorf("%w: requirement key %q is invalid", ErrInvalidArgument, key.String())
	}
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Outcome{}, err
	}
	switch {
	case s.Status == domain.SessionValidatingInBackground, s.Status == domain.SessionCompleted:
	case s.Status == domain.SessionFailed && s.CompletedCount > 0:
	default:
		return domain.Outcome{}, fmt.Errorf("%w: session is %s", ErrInvalidState, s.Status)
	}
	req, err := e.Repo.GetRequirement(ctx, s.UnitCode, key.Category, key.Number)
	if err != nil {
		return domain.Outcome{}, err
	}
	docs, err := e.Repo.ListDocuments(ctx, sessionID)
	if err != nil {
		return domain.Outcome{}, err
	}
	indexed := indexedDocuments(docs)
	if len(indexed) == 0 {
		return domain.Outcome{}, ErrSessionNotReady
	}
	var parentText string
	if req.ParentNumber != nil {
		if parent, err := e.Repo.GetRequirement(ctx, s.UnitCode, req.Category, *req.ParentNumber); err == nil {
			parentText = parent.Text
		}
	}
	return e.validateRequirement(ctx, validationContext(s, indexed), req, parentText, false)
}

// validateRequirement calls the model for one requirement, parses the answer
// and stores the outcome. Provider failures after retry become a not_met
// outcome flagged as a validation error. Only store failures and
// cancellation are returned as errors.
func (e Engine) validateRequirement(ctx context.Context, vctx ai.ValidationContext, req domain.Requirement, parentText string, leased bool) (domain.Outcome, error) {
	input := ai.RequirementInput{Category: req.Category, Number: req.Number, Text: req.Text, ParentText: parentText}
	raw, err := e.AI.Validate(ctx, vctx, input)
	if err != nil && ctx.Err() != nil {
		return domain.Outcome{}, ctx.Err()
	}
	now := e.stamp()
	out := domain.Outcome{
		ID:                uuid.NewString(),
		SessionID:         vctx.SessionID,
		Category:          req.Category,
		RequirementNumber: req.Number,
		Namespace:         vctx.Namespace,
		RetryCount:        raw.Retries(),
		Citations:         []domain.Citation{},
		SmartQuestions:    []domain.SmartQuestion{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err != nil {
		e.logger().Printf("[orchestrator] session %s requirement %s failed after %d attempt(s): %v", vctx.SessionID, req.Key(), raw.Attempts, err)
		out.Status = domain.OutcomeNotMet
		out.Reasoning = failureReasoning(err, raw.Attempts)
		out.ValidationError = true
		return e.recordOutcome(ctx, out, leased)
	}

	res := parse.Parse(raw.Text, raw.Grounding)
	out.Status = res.Status
	out.Reasoning = res.Reasoning
	out.MappedContent = res.MappedContent
	out.Confidence = res.Confidence
	out.Citations = res.Citations
	out.SmartQuestions = res.SmartQuestions
	out.ValidationError = res.Unparseable()
	if res.Unparseable() {
		e.logger().Printf("[orchestrator] session %s requirement %s: unparseable model response", vctx.SessionID, req.Key())
	}
	if !res.Unparseable() && len(out.SmartQuestions) == 0 && e.Config.AI.GenerateQuestions {
		qraw, qerr := e.AI.GenerateQuestions(ctx, vctx, input, res.Status)
		if qerr != nil {
			if ctx.Err() != nil {
				return domain.Outcome{}, ctx.Err()
			}
			e.logger().Printf("[orchestrator] session %s requirement %s: question generation failed: %v", vctx.SessionID, req.Key(), qerr)
		} else if qs := parse.Questions(qraw.Text); len(qs) > 0 {
			out.SmartQuestions = qs
		}
	}
	return e.recordOutcome(ctx, out, leased)
}

// recordOutcome upserts the outcome and recomputes the rollup in one
// transaction, renewing the run lease first when called from a run.
func (e Engine) recordOutcome(ctx context.Context, out domain.Outcome, leased bool) (domain.Outcome, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Outcome{}, err
	}
	defer tx.Rollback()
	if leased {
		held, err := e.Repo.ClaimRunTx(ctx, tx, out.SessionID, e.Owner, e.now(), e.leaseTTL())
		if err != nil {
			return domain.Outcome{}, err
		}
		if !held {
			return domain.Outcome{}, ErrLeaseLost
		}
	}
	stored, err := e.Repo.UpsertOutcomeTx(ctx, tx, out)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("upsert outcome: %w", err)
	}
	roll, err := e.Repo.RecomputeRollupTx(ctx, tx, out.SessionID, e.stamp())
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("recompute rollup: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeOutcomeUpserted, out.SessionID, "outcome", stored.ID, events.EventPayload{
		"category":           stored.Category,
		"requirement_number": stored.RequirementNumber,
		"status":             stored.Status,
		"validation_error":   stored.ValidationError,
		"completed":          roll.After.CompletedCount,
		"total":              roll.After.RequirementTotal,
	}); err != nil {
		return domain.Outcome{}, err
	}
	if roll.Changed() {
		if err := e.appendTerminalEvent(ctx, tx, roll.After); err != nil {
			return domain.Outcome{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Outcome{}, err
	}
	e.notify()
	return stored, nil
}

func (e Engine) appendTerminalEvent(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	payload := events.EventPayload{"completed": s.CompletedCount, "total": s.RequirementTotal}
	switch s.Status {
	case domain.SessionCompleted:
		return e.Events.Append(ctx, tx, events.TypeSessionCompleted, s.ID, "session", s.ID, payload)
	case domain.SessionFailed:
		if s.LastError != nil {
			payload["last_error"] = *s.LastError
		}
		return e.Events.Append(ctx, tx, events.TypeSessionFailed, s.ID, "session", s.ID, payload)
	}
	return nil
}

func (e Engine) claimRun(ctx context.Context, sessionID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Repo.ClaimRunTx(ctx, tx, sessionID, e.Owner, e.now(), e.leaseTTL())
	if err != nil {
		return err
	}
	if !ok {
		return ErrRunInProgress
	}
	return tx.Commit()
}

func (e Engine) failSession(ctx context.Context, sessionID, reason string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.failSessionTx(ctx, tx, sessionID, "", reason); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.notify()
	return nil
}

func (e Engine) leaseTTL() time.Duration {
	if e.Config.Workers.RunLease > 0 {
		return e.Config.Workers.RunLease
	}
	return 30 * time.Minute
}

func validationContext(s domain.Session, docs []domain.Document) ai.ValidationContext {
	refs := make([]ai.DocumentRef, 0, len(docs))
	for _, d := range docs {
		refs = append(refs, ai.DocumentRef{Name: d.Name, StorageRef: d.StorageRef, Namespace: d.Namespace})
	}
	return ai.ValidationContext{SessionID: s.ID, UnitCode: s.UnitCode, Namespace: s.Namespace, Documents: refs}
}

// parentTexts resolves element text for elements/criteria requirements whose
// parent number names another requirement of the same category.
func parentTexts(reqs []domain.Requirement) map[domain.RequirementKey]string {
	byNumber := map[string]string{}
	for _, r := range reqs {
		if r.Category == domain.CategoryElementsCriteria {
			byNumber[r.Number] = r.Text
		}
	}
	out := map[domain.RequirementKey]string{}
	for _, r := range reqs {
		if r.Category == domain.CategoryElementsCriteria && r.ParentNumber != nil {
			out[r.Key()] = byNumber[*r.ParentNumber]
		}
	}
	return out
}

func indexedDocuments(docs []domain.Document) []domain.Document {
	var out []domain.Document
	for _, d := range docs {
		if d.IndexingStatus == domain.IndexingCompleted {
			out = append(out, d)
		}
	}
	return out
}

func failureReasoning(err error, attempts int) string {
	var perr *ai.ProviderError
	switch {
	case errors.As(err, &perr) && perr.StatusCode > 0:
		return fmt.Sprintf("Validation could not be completed: AI provider returned status %d after %d attempt(s).", perr.StatusCode, attempts)
	case retry.IsExhausted(err) || errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("Validation could not be completed: AI provider unavailable after %d attempt(s).", attempts)
	}
	return fmt.Sprintf("Validation could not be completed: %v", err)
}
