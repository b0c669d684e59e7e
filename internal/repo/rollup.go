package repo

import (
	"context"
	"database/sql"
	"fmt"

	"assessline/internal/domain"
)

// Rollup is the result of recomputing a session's aggregate state.
type Rollup struct {
	Before  domain.Session
	After   domain.Session
	Errored int
}

// Changed reports whether the recompute moved the session to another status.
func (r Rollup) Changed() bool {
	return r.Before.Status != r.After.Status
}

// RecomputeRollupTx recounts requirements and outcomes for a session and
// writes completed_count, requirement_total, status and last_error. Only
// outcomes whose key matches a catalog requirement of the session's unit and
// whose namespace matches the session count towards completion.
//
// A session whose every requirement has an outcome becomes completed when no
// outcome carries a validation error, and failed with a summary otherwise.
// Sessions still waiting on documents keep their status.
func (r Repo) RecomputeRollupTx(ctx context.Context, tx *sql.Tx, sessionID, now string) (Rollup, error) {
	before, err := r.GetSessionTx(ctx, tx, sessionID)
	if err != nil {
		return Rollup{}, err
	}
	var total, completed, errored int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM requirements WHERE unit_code=?`, before.UnitCode).Scan(&total); err != nil {
		return Rollup{}, fmt.Errorf("count requirements: %w", err)
	}
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(o.validation_error),0) FROM outcomes o
JOIN requirements q ON q.unit_code=? AND q.category=o.category AND q.number=o.requirement_number
WHERE o.session_id=? AND o.namespace=?`, before.UnitCode, sessionID, before.Namespace).Scan(&completed, &errored)
	if err != nil {
		return Rollup{}, fmt.Errorf("count outcomes: %w", err)
	}

	after := before
	after.RequirementTotal = total
	after.CompletedCount = completed
	after.UpdatedAt = now
	switch before.Status {
	case domain.SessionPending, domain.SessionDocumentProcessing:
	default:
		if total > 0 && completed == total {
			if errored == 0 {
				after.Status = domain.SessionCompleted
				after.LastError = nil
			} else {
				after.Status = domain.SessionFailed
				msg := fmt.Sprintf("%d requirement(s) could not be validated", errored)
				after.LastError = &msg
			}
		} else if before.Status == domain.SessionCompleted {
			after.Status = domain.SessionValidatingInBackground
		}
	}

	_, err = tx.ExecContext(ctx, `UPDATE sessions SET requirement_total=?, completed_count=?, status=?, last_error=?, updated_at=? WHERE id=?`,
		after.RequirementTotal, after.CompletedCount, after.Status, nullableStringPtr(after.LastError), now, sessionID)
	if err != nil {
		return Rollup{}, err
	}
	return Rollup{Before: before, After: after, Errored: errored}, nil
}

// FailSessionTx moves a non-terminal session to failed with a short reason.
// It reports whether the session changed.
func (r Repo) FailSessionTx(ctx context.Context, tx *sql.Tx, sessionID, reason, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET status=?, last_error=?, updated_at=?, run_owner=NULL, run_expires_at=NULL
WHERE id=? AND status NOT IN (?,?)`,
		domain.SessionFailed, reason, now, sessionID, domain.SessionCompleted, domain.SessionFailed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
