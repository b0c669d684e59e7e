package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"assessline/internal/domain"
)

const eventColumns = `id,ts,type,session_id,entity_kind,entity_id,payload_json,published_at,attempts,last_error,dead_letter`

func scanEvent(row rowScanner) (domain.Event, error) {
	var e domain.Event
	var sessionID, entityID, published, lastErr sql.NullString
	var dead int
	err := row.Scan(&e.ID, &e.TS, &e.Type, &sessionID, &e.EntityKind, &entityID, &e.Payload, &published, &e.Attempts, &lastErr, &dead)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	e.SessionID = sessionID.String
	e.EntityID = entityID.String
	if published.Valid {
		e.PublishedAt = &published.String
	}
	if lastErr.Valid {
		e.LastError = &lastErr.String
	}
	e.DeadLetter = dead != 0
	return e, err
}

// PendingEvents returns unpublished, live outbox rows in id order.
func (r Repo) PendingEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE published_at IS NULL AND dead_letter=0 ORDER BY id ASC LIMIT ?`, limit)
}

// EventFilters narrows ListEvents.
type EventFilters struct {
	SessionID  string
	Type       string
	DeadLetter bool
	Limit      int
}

// ListEvents returns outbox rows newest first.
func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.DeadLetter {
		clauses = append(clauses, "dead_letter=1")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) MarkEventPublished(ctx context.Context, id int64, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE events SET published_at=?, attempts=attempts+1, last_error=NULL WHERE id=? AND published_at IS NULL`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkEventFailed records a failed publish. Once attempts reach maxAttempts the
// row is dead-lettered and skipped by PendingEvents. It reports whether the
// event was dead-lettered.
func (r Repo) MarkEventFailed(ctx context.Context, id int64, reason string, maxAttempts int) (bool, error) {
	_, err := r.DB.ExecContext(ctx, `UPDATE events SET attempts=attempts+1, last_error=?,
  dead_letter=CASE WHEN attempts+1>=? THEN 1 ELSE 0 END
WHERE id=? AND published_at IS NULL`, reason, maxAttempts, id)
	if err != nil {
		return false, err
	}
	var dead int
	if err := r.DB.QueryRowContext(ctx, `SELECT dead_letter FROM events WHERE id=?`, id).Scan(&dead); err != nil {
		if err == sql.ErrNoRows {
			return false, ErrNotFound
		}
		return false, err
	}
	return dead != 0, nil
}

// RequeueEvent clears the dead-letter flag so the dispatcher retries the row.
func (r Repo) RequeueEvent(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE events SET dead_letter=0, attempts=0 WHERE id=? AND published_at IS NULL`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
