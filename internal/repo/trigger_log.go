package repo

import (
	"context"
	"database/sql"

	"assessline/internal/domain"
)

// AppendTriggerTx records one readiness trigger attempt. The log is append-only.
func (r Repo) AppendTriggerTx(ctx context.Context, tx *sql.Tx, e domain.TriggerLogEntry) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO trigger_log(session_id,source,succeeded,error,ts) VALUES (?,?,?,?,?)`,
		e.SessionID, e.Source, boolInt(e.Succeeded), nullableStringPtr(e.Error), e.TS)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) AppendTrigger(ctx context.Context, e domain.TriggerLogEntry) (int64, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	id, err := r.AppendTriggerTx(ctx, tx, e)
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

func (r Repo) ListTriggers(ctx context.Context, sessionID string) ([]domain.TriggerLogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,source,succeeded,error,ts FROM trigger_log WHERE session_id=? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TriggerLogEntry
	for rows.Next() {
		var e domain.TriggerLogEntry
		var succeeded int
		var errStr sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Source, &succeeded, &errStr, &e.TS); err != nil {
			return nil, err
		}
		e.Succeeded = succeeded != 0
		if errStr.Valid {
			e.Error = &errStr.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// HasSucceededTrigger reports whether the session ever took the ready
// transition. The log is append-only, so once true it stays true.
func (r Repo) HasSucceededTrigger(ctx context.Context, sessionID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM trigger_log WHERE session_id=? AND succeeded=1`, sessionID).Scan(&n)
	return n > 0, err
}
