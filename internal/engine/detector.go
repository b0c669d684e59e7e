package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"assessline/internal/domain"
	"assessline/internal/events"
)

// RegisterDocument binds an uploaded file to a session and submits it for
// indexing under the session's namespace. The first document moves a pending
// session to document_processing. Documents added after validation started
// are indexed for re-validation and do not change the session status.
func (e Engine) RegisterDocument(ctx context.Context, sessionID, name, storageRef string) (domain.Document, error) {
	name = strings.TrimSpace(name)
	storageRef = strings.TrimSpace(storageRef)
	if sessionID == "" || storageRef == "" {
		return domain.Document{}, fmt.Errorf("%w: session id and storage ref are required", ErrInvalidArgument)
	}
	if name == "" {
		name = storageRef[strings.LastIndex(storageRef, "/")+1:]
	}
	now := e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Document{}, err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
	if err != nil {
		return domain.Document{}, err
	}
	doc := domain.Document{
		ID:             uuid.NewString(),
		SessionID:      s.ID,
		Name:           name,
		StorageRef:     storageRef,
		Namespace:      s.Namespace,
		IndexingStatus: domain.IndexingPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Repo.InsertDocumentTx(ctx, tx, doc); err != nil {
		return domain.Document{}, fmt.Errorf("insert document: %w", err)
	}
	if s.Status == domain.SessionPending {
		if _, err := e.Repo.TransitionSessionTx(ctx, tx, s.ID, domain.SessionPending, domain.SessionDocumentProcessing, now); err != nil {
			return domain.Document{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Document{}, err
	}

	if e.Indexer == nil {
		return doc, nil
	}
	opID, err := e.Indexer.Submit(ctx, doc.StorageRef, doc.Namespace)
	if err != nil {
		reason := fmt.Sprintf("submission failed: %v", err)
		failed, ferr := e.OnIndexingStatusChanged(ctx, doc.ID, domain.IndexingFailed, &reason)
		if ferr != nil {
			return doc, errors.Join(err, ferr)
		}
		return failed, fmt.Errorf("submit %s for indexing: %w", doc.Name, err)
	}
	if err := e.Repo.SetDocumentOperation(ctx, doc.ID, opID, e.stamp()); err != nil {
		return doc, err
	}
	doc.IndexingOperationID = &opID
	return e.OnIndexingStatusChanged(ctx, doc.ID, domain.IndexingProcessing, nil)
}

// OnIndexingStatusChanged applies an indexer status report to a document. It
// is idempotent: repeating a report, or reporting on a document that already
// reached a terminal status, changes nothing. A transition to a terminal
// status re-evaluates the session's readiness in the same transaction.
func (e Engine) OnIndexingStatusChanged(ctx context.Context, documentID, status string, indexErr *string) (domain.Document, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if !domain.IsIndexingStatus(status) {
		return domain.Document{}, fmt.Errorf("%w: unknown indexing status %q", ErrInvalidArgument, status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Document{}, err
	}
	defer tx.Rollback()
	changed, err := e.Repo.UpdateIndexingStatusTx(ctx, tx, documentID, status, indexErr, e.stamp())
	if err != nil {
		return domain.Document{}, err
	}
	doc, err := e.Repo.GetDocumentTx(ctx, tx, documentID)
	if err != nil {
		return domain.Document{}, err
	}
	if !changed || !domain.IsTerminalIndexing(status) {
		return doc, tx.Commit()
	}
	payload := events.EventPayload{"status": doc.IndexingStatus, "name": doc.Name}
	if doc.IndexingError != nil {
		payload["error"] = *doc.IndexingError
	}
	if err := e.Events.Append(ctx, tx, events.TypeDocumentIndexed, doc.SessionID, "document", doc.ID, payload); err != nil {
		return domain.Document{}, err
	}
	if _, err := e.evaluateTx(ctx, tx, doc.SessionID, domain.TriggerAuto, false); err != nil && !isTriggerRefusal(err) {
		return domain.Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Document{}, err
	}
	e.notify()
	return doc, nil
}

// ReportOperationStatus is OnIndexingStatusChanged addressed by the indexer's
// operation id.
func (e Engine) ReportOperationStatus(ctx context.Context, operationID, status string, indexErr *string) (domain.Document, error) {
	doc, err := e.Repo.GetDocumentByOperation(ctx, operationID)
	if err != nil {
		return domain.Document{}, err
	}
	return e.OnIndexingStatusChanged(ctx, doc.ID, status, indexErr)
}

// IsSessionReady is true when the session has at least one document and
// every document finished indexing successfully. Once the session has taken
// the ready transition it stays ready, whatever documents arrive later.
func (e Engine) IsSessionReady(ctx context.Context, sessionID string) (bool, error) {
	if _, err := e.Repo.GetSession(ctx, sessionID); err != nil {
		return false, err
	}
	triggered, err := e.Repo.HasSucceededTrigger(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if triggered {
		return true, nil
	}
	docs, err := e.Repo.ListDocuments(ctx, sessionID)
	if err != nil {
		return false, err
	}
	ready, _ := readiness(docs)
	return ready, nil
}

// readiness is the single readiness predicate used by every trigger source.
// It also returns the first document that terminated unsuccessfully.
func readiness(docs []domain.Document) (bool, *domain.Document) {
	if len(docs) == 0 {
		return false, nil
	}
	ready := true
	for i := range docs {
		switch docs[i].IndexingStatus {
		case domain.IndexingCompleted:
		case domain.IndexingFailed, domain.IndexingTimeout:
			return false, &docs[i]
		default:
			ready = false
		}
	}
	return ready, nil
}

// TriggerResult reports what a trigger attempt did.
type TriggerResult struct {
	SessionID string `json:"session_id"`
	Source    string `json:"source"`
	// Triggered is true only for the caller that moved the session out of
	// document_processing.
	Triggered bool   `json:"triggered"`
	Status    string `json:"status"`
}

// Trigger attempts the document_processing -> validating_in_background edge
// on behalf of source (auto, manual or poll). Every attempt is written to the
// trigger log. A session already past document_processing is a harmless no-op.
func (e Engine) Trigger(ctx context.Context, sessionID, source string) (TriggerResult, error) {
	switch source {
	case domain.TriggerAuto, domain.TriggerManual, domain.TriggerPoll:
	default:
		return TriggerResult{}, fmt.Errorf("%w: unknown trigger source %q", ErrInvalidArgument, source)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TriggerResult{}, err
	}
	defer tx.Rollback()
	res, evalErr := e.evaluateTx(ctx, tx, sessionID, source, true)
	if evalErr != nil && !isTriggerRefusal(evalErr) {
		return TriggerResult{}, evalErr
	}
	if err := tx.Commit(); err != nil {
		return TriggerResult{}, err
	}
	e.notify()
	return res, evalErr
}

func isTriggerRefusal(err error) bool {
	return errors.Is(err, ErrSessionNotReady) || errors.Is(err, ErrDocumentFailed) || errors.Is(err, ErrInvalidState)
}

// evaluateTx runs the readiness predicate for a session and applies its
// consequence: a failed document fails the session, a ready session takes the
// guarded transition. When explicit is false (event-driven path) a session
// that is simply not ready yet is left alone without a log entry.
func (e Engine) evaluateTx(ctx context.Context, tx *sql.Tx, sessionID, source string, explicit bool) (TriggerResult, error) {
	res := TriggerResult{SessionID: sessionID, Source: source}
	s, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
	if err != nil {
		return res, err
	}
	res.Status = s.Status
	switch s.Status {
	case domain.SessionPending, domain.SessionDocumentProcessing:
	default:
		if !explicit {
			return res, nil
		}
		msg := fmt.Sprintf("session already %s", s.Status)
		if err := e.logTriggerTx(ctx, tx, sessionID, source, false, &msg); err != nil {
			return res, err
		}
		if s.Status == domain.SessionFailed {
			return res, fmt.Errorf("%w: %s", ErrInvalidState, msg)
		}
		return res, nil
	}

	docs, err := e.Repo.ListDocumentsTx(ctx, tx, sessionID)
	if err != nil {
		return res, err
	}
	ready, failed := readiness(docs)
	if failed != nil {
		reason := "document indexing failed: " + failed.Name
		if failed.IndexingStatus == domain.IndexingTimeout {
			reason = "document indexing timed out: " + failed.Name
		}
		if _, err := e.failSessionTx(ctx, tx, sessionID, source, reason); err != nil {
			return res, err
		}
		res.Status = domain.SessionFailed
		return res, fmt.Errorf("%w: %s", ErrDocumentFailed, failed.Name)
	}
	if !ready {
		if !explicit {
			return res, nil
		}
		indexed := 0
		for _, d := range docs {
			if d.IndexingStatus == domain.IndexingCompleted {
				indexed++
			}
		}
		msg := fmt.Sprintf("%d of %d documents indexed", indexed, len(docs))
		if err := e.logTriggerTx(ctx, tx, sessionID, source, false, &msg); err != nil {
			return res, err
		}
		return res, fmt.Errorf("%w: %s", ErrSessionNotReady, msg)
	}

	now := e.stamp()
	won, err := e.Repo.TransitionSessionTx(ctx, tx, sessionID, domain.SessionDocumentProcessing, domain.SessionValidatingInBackground, now)
	if err != nil {
		return res, err
	}
	if !won {
		current, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
		if err != nil {
			return res, err
		}
		msg := fmt.Sprintf("session already %s", current.Status)
		res.Status = current.Status
		return res, e.logTriggerTx(ctx, tx, sessionID, source, false, &msg)
	}
	res.Triggered = true
	res.Status = domain.SessionValidatingInBackground
	if err := e.logTriggerTx(ctx, tx, sessionID, source, true, nil); err != nil {
		return res, err
	}
	return res, e.Events.Append(ctx, tx, events.TypeSessionReady, sessionID, "session", sessionID, events.EventPayload{"source": source, "documents": len(docs)})
}

func (e Engine) logTriggerTx(ctx context.Context, tx *sql.Tx, sessionID, source string, succeeded bool, msg *string) error {
	_, err := e.Repo.AppendTriggerTx(ctx, tx, domain.TriggerLogEntry{
		SessionID: sessionID,
		Source:    source,
		Succeeded: succeeded,
		Error:     msg,
		TS:        e.stamp(),
	})
	return err
}
