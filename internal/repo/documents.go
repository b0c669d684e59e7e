package repo

import (
	"context"
	"database/sql"

	"assessline/internal/domain"
)

const documentColumns = `id,session_id,name,storage_ref,namespace,indexing_operation_id,indexing_status,indexing_error,created_at,updated_at`

func scanDocument(row rowScanner) (domain.Document, error) {
	var d domain.Document
	var opID, idxErr sql.NullString
	err := row.Scan(&d.ID, &d.SessionID, &d.Name, &d.StorageRef, &d.Namespace, &opID, &d.IndexingStatus, &idxErr, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if opID.Valid {
		d.IndexingOperationID = &opID.String
	}
	if idxErr.Valid {
		d.IndexingError = &idxErr.String
	}
	return d, err
}

func (r Repo) InsertDocumentTx(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO documents(`+documentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.SessionID, d.Name, d.StorageRef, d.Namespace, nullableStringPtr(d.IndexingOperationID), d.IndexingStatus,
		nullableStringPtr(d.IndexingError), d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	return scanDocument(r.DB.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=?`, id))
}

func (r Repo) GetDocumentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Document, error) {
	return scanDocument(tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=?`, id))
}

func (r Repo) GetDocumentByOperation(ctx context.Context, operationID string) (domain.Document, error) {
	return scanDocument(r.DB.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE indexing_operation_id=?`, operationID))
}

func (r Repo) ListDocuments(ctx context.Context, sessionID string) ([]domain.Document, error) {
	return listDocuments(ctx, r.DB, sessionID)
}

func (r Repo) ListDocumentsTx(ctx context.Context, tx *sql.Tx, sessionID string) ([]domain.Document, error) {
	return listDocuments(ctx, tx, sessionID)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listDocuments(ctx context.Context, q queryer, sessionID string) ([]domain.Document, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE session_id=? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// SetDocumentOperation records the indexer operation id after submission.
func (r Repo) SetDocumentOperation(ctx context.Context, id, operationID, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE documents SET indexing_operation_id=?, updated_at=? WHERE id=?`, operationID, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateIndexingStatusTx changes a document's indexing status unless it is
// already terminal. It reports whether the row changed.
func (r Repo) UpdateIndexingStatusTx(ctx context.Context, tx *sql.Tx, id, status string, indexErr *string, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE documents SET indexing_status=?, indexing_error=?, updated_at=?
WHERE id=? AND indexing_status NOT IN (?,?,?) AND indexing_status<>?`,
		status, nullableStringPtr(indexErr), now, id,
		domain.IndexingCompleted, domain.IndexingFailed, domain.IndexingTimeout, status)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// TimeoutPendingDocumentsTx marks every non-terminal document of a session as
// timed out and returns how many changed.
func (r Repo) TimeoutPendingDocumentsTx(ctx context.Context, tx *sql.Tx, sessionID, reason, now string) (int, error) {
	res, err := tx.ExecContext(ctx, `UPDATE documents SET indexing_status=?, indexing_error=?, updated_at=?
WHERE session_id=? AND indexing_status IN (?,?)`,
		domain.IndexingTimeout, reason, now, sessionID, domain.IndexingPending, domain.IndexingProcessing)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
