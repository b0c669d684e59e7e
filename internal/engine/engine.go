package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"assessline/internal/ai"
	"assessline/internal/config"
	"assessline/internal/domain"
	"assessline/internal/events"
	"assessline/internal/indexer"
	"assessline/internal/repo"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidState    = errors.New("session state does not permit this operation")
	ErrSessionNotReady = errors.New("session documents are not all indexed")
	ErrDocumentFailed  = errors.New("document indexing failed")
	ErrIndexingTimeout = errors.New("document indexing timed out")
	ErrNoRequirements  = errors.New("no requirements found for this unit")
	ErrRunInProgress   = errors.New("validation run already in progress")
	ErrLeaseLost       = errors.New("validation run lease lost")
)

// Engine owns the validation pipeline: document registry, readiness
// detection, orchestration and result aggregation. All coordination goes
// through the database.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	AI      *ai.Client
	Indexer indexer.Service
	Logger  *log.Logger
	Now     func() time.Time
	// Owner identifies this process when holding a run lease.
	Owner string
	// Notify is called after a commit that appended outbox events.
	Notify func()
}

func New(db *sql.DB, cfg *config.Config, client *ai.Client, idx indexer.Service, logger *log.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{},
		Config:  cfg,
		AI:      client,
		Indexer: idx,
		Logger:  logger,
		Now:     time.Now,
		Owner:   uuid.NewString(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *log.Logger {
	if e.Logger == nil {
		return log.Default()
	}
	return e.Logger
}

func (e Engine) notify() {
	if e.Notify != nil {
		e.Notify()
	}
}

// StartSession creates a pending validation session for one organisation and
// unit with a fresh document namespace.
func (e Engine) StartSession(ctx context.Context, orgCode, unitCode string) (domain.Session, error) {
	orgCode = strings.TrimSpace(orgCode)
	unitCode = strings.TrimSpace(unitCode)
	if orgCode == "" || unitCode == "" {
		return domain.Session{}, fmt.Errorf("%w: org code and unit code are required", ErrInvalidArgument)
	}
	total, err := e.Repo.CountRequirements(ctx, unitCode)
	if err != nil {
		return domain.Session{}, err
	}
	now := e.stamp()
	id := uuid.NewString()
	s := domain.Session{
		ID:               id,
		OrgCode:          orgCode,
		UnitCode:         unitCode,
		Namespace:        namespaceFor(unitCode, id),
		RequirementTotal: total,
		Status:           domain.SessionPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSessionTx(ctx, tx, s); err != nil {
		return domain.Session{}, fmt.Errorf("insert session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// GetSessionStatus is the read-only rollup a dashboard polls.
func (e Engine) GetSessionStatus(ctx context.Context, sessionID string) (domain.SessionStatus, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.SessionStatus{}, err
	}
	return s.Rollup(), nil
}

func namespaceFor(unitCode, sessionID string) string {
	unit := strings.ToLower(strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '-'
	}, unitCode))
	return unit + "-" + strings.ReplaceAll(sessionID, "-", "")[:12]
}

// failSessionTx moves a session to failed, logs the trigger attempt that
// found the failure and queues session.failed. It reports whether the
// session changed.
func (e Engine) failSessionTx(ctx context.Context, tx *sql.Tx, sessionID, source, reason string) (bool, error) {
	now := e.stamp()
	changed, err := e.Repo.FailSessionTx(ctx, tx, sessionID, reason, now)
	if err != nil {
		return false, err
	}
	if source != "" {
		if _, err := e.Repo.AppendTriggerTx(ctx, tx, domain.TriggerLogEntry{
			SessionID: sessionID, Source: source, Succeeded: false, Error: &reason, TS: now,
		}); err != nil {
			return false, err
		}
	}
	if changed {
		if err := e.Events.Append(ctx, tx, events.TypeSessionFailed, sessionID, "session", sessionID, events.EventPayload{"last_error": reason}); err != nil {
			return false, err
		}
	}
	return changed, nil
}
