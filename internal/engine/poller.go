package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"assessline/internal/domain"
	"assessline/internal/retry"
)

var errStillIndexing = errors.New("documents still indexing")

// PollOptions bound the readiness poll.
type PollOptions struct {
	Interval    time.Duration
	MaxAttempts int
	// Sleep replaces the wait between attempts in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// WaitReady is the poll fallback for readiness detection. Each attempt
// refreshes pending documents from the indexer, then applies the same
// readiness predicate as the event-driven path with source "poll". It returns
// once the session has moved past document_processing. When the attempts run
// out the session fails with a timeout instead of waiting forever.
func (e Engine) WaitReady(ctx context.Context, sessionID string, opts PollOptions) (domain.SessionStatus, error) {
	if opts.Interval <= 0 {
		opts.Interval = e.Config.Poll.Interval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = e.Config.Poll.MaxAttempts
	}
	policy := retry.Policy{
		MaxAttempts: opts.MaxAttempts,
		BaseDelay:   opts.Interval,
		MaxDelay:    opts.Interval,
		Retryable:   func(err error) bool { return errors.Is(err, errStillIndexing) },
		Sleep:       opts.Sleep,
	}
	var status domain.SessionStatus
	res, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		if err := e.RefreshIndexing(ctx, sessionID); err != nil {
			e.logger().Printf("[poll] session %s attempt %d: refresh indexing: %v", sessionID, attempt, err)
		}
		s, err := e.Repo.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		status = s.Rollup()
		switch s.Status {
		case domain.SessionValidatingInBackground, domain.SessionCompleted:
			return nil
		case domain.SessionFailed:
			return sessionFailedError(s)
		}
		ready, err := e.IsSessionReady(ctx, sessionID)
		if err != nil {
			return err
		}
		if !ready {
			return errStillIndexing
		}
		tr, err := e.Trigger(ctx, sessionID, domain.TriggerPoll)
		status.Status = tr.Status
		if err != nil {
			return err
		}
		return nil
	})
	if err == nil {
		return status, nil
	}
	if !retry.IsExhausted(err) || !errors.Is(err, errStillIndexing) {
		return status, err
	}
	if ferr := e.timeoutSession(ctx, sessionID, res.Attempts); ferr != nil {
		return status, errors.Join(ErrIndexingTimeout, ferr)
	}
	final, gerr := e.GetSessionStatus(ctx, sessionID)
	if gerr == nil {
		status = final
	}
	return status, fmt.Errorf("%w after %d attempts", ErrIndexingTimeout, res.Attempts)
}

// RefreshIndexing asks the indexer for the state of every non-terminal
// document that has an operation id and applies any change.
func (e Engine) RefreshIndexing(ctx context.Context, sessionID string) error {
	if e.Indexer == nil {
		return nil
	}
	docs, err := e.Repo.ListDocuments(ctx, sessionID)
	if err != nil {
		return err
	}
	var errs []error
	for _, d := range docs {
		if domain.IsTerminalIndexing(d.IndexingStatus) || d.IndexingOperationID == nil {
			continue
		}
		st, err := e.Indexer.Status(ctx, *d.IndexingOperationID)
		if err != nil {
			errs = append(errs, fmt.Errorf("document %s: %w", d.Name, err))
			continue
		}
		if st.Status == d.IndexingStatus {
			continue
		}
		if _, err := e.OnIndexingStatusChanged(ctx, d.ID, st.Status, st.Error); err != nil {
			errs = append(errs, fmt.Errorf("document %s: %w", d.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (e Engine) timeoutSession(ctx context.Context, sessionID string, attempts int) error {
	reason := "document indexing timed out"
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	if s.Status != domain.SessionPending && s.Status != domain.SessionDocumentProcessing {
		return tx.Commit()
	}
	if _, err := e.Repo.TimeoutPendingDocumentsTx(ctx, tx, sessionID, fmt.Sprintf("not indexed after %d poll attempts", attempts), e.stamp()); err != nil {
		return err
	}
	if _, err := e.failSessionTx(ctx, tx, sessionID, domain.TriggerPoll, reason); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.logger().Printf("[poll] session %s: %s after %d attempts", sessionID, reason, attempts)
	e.notify()
	return nil
}

func sessionFailedError(s domain.Session) error {
	if s.LastError != nil {
		return fmt.Errorf("session %s failed: %s", s.ID, *s.LastError)
	}
	return fmt.Errorf("session %s failed", s.ID)
}
