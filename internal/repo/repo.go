package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"assessline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

const sessionColumns = `id,org_code,unit_code,namespace,requirement_total,completed_count,status,last_error,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var s domain.Session
	var lastErr sql.NullString
	err := row.Scan(&s.ID, &s.OrgCode, &s.UnitCode, &s.Namespace, &s.RequirementTotal, &s.CompletedCount, &s.Status, &lastErr, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if lastErr.Valid {
		s.LastError = &lastErr.String
	}
	return s, err
}

func (r Repo) InsertSessionTx(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions(`+sessionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.OrgCode, s.UnitCode, s.Namespace, s.RequirementTotal, s.CompletedCount, s.Status, nullableStringPtr(s.LastError), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	return scanSession(r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id))
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Session, error) {
	return scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id))
}

// ListSessions returns sessions newest first, optionally filtered by status.
func (r Repo) ListSessions(ctx context.Context, status string, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ListStalledSessions returns sessions in validating_in_background whose run
// lease is free or expired at now, oldest first.
func (r Repo) ListStalledSessions(ctx context.Context, now time.Time, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions
WHERE status=? AND (run_owner IS NULL OR run_expires_at IS NULL OR run_expires_at<=?)
ORDER BY updated_at, id LIMIT ?`, domain.SessionValidatingInBackground, now.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// TransitionSessionTx moves a session from one status to another only if it is
// still in the expected status. It reports whether this caller won the edge.
func (r Repo) TransitionSessionTx(ctx context.Context, tx *sql.Tx, id, from, to, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET status=?, updated_at=? WHERE id=? AND status=?`, to, now, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClaimRunTx takes or renews the validation run lease on a session. The lease
// is granted when it is free, expired, or already held by owner.
func (r Repo) ClaimRunTx(ctx context.Context, tx *sql.Tx, sessionID, owner string, now time.Time, ttl time.Duration) (bool, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	expires := now.Add(ttl).UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET run_owner=?, run_expires_at=?, updated_at=?
WHERE id=? AND status=? AND (run_owner IS NULL OR run_owner=? OR run_expires_at IS NULL OR run_expires_at<=?)`,
		owner, expires, nowStr, sessionID, domain.SessionValidatingInBackground, owner, nowStr)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) ReleaseRun(ctx context.Context, sessionID, owner string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE sessions SET run_owner=NULL, run_expires_at=NULL WHERE id=? AND run_owner=?`, sessionID, owner)
	return err
}

// RunOwner returns the current lease holder, empty when none.
func (r Repo) RunOwner(ctx context.Context, sessionID string) (string, error) {
	var owner sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT run_owner FROM sessions WHERE id=?`, sessionID).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return owner.String, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
