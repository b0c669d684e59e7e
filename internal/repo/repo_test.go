package repo_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"assessline/internal/db"
	"assessline/internal/domain"
	"assessline/internal/migrate"
	"assessline/internal/repo"
)

const ts = "2024-01-01T00:00:00Z"

type testEnv struct {
	Repo repo.Repo
	Ctx  context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return testEnv{Repo: repo.Repo{DB: conn}, Ctx: context.Background()}
}

func (env testEnv) tx(t *testing.T, fn func(tx *sql.Tx)) {
	t.Helper()
	tx, err := env.Repo.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	fn(tx)
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func seedRequirements(t *testing.T, env testEnv, unit string, n int) {
	t.Helper()
	env.tx(t, func(tx *sql.Tx) {
		for i := 1; i <= n; i++ {
			req := domain.Requirement{
				ID:       fmt.Sprintf("%s-ke-%d", unit, i),
				UnitCode: unit,
				Category: domain.CategoryKnowledgeEvidence,
				Number:   fmt.Sprintf("%d", i),
				Text:     fmt.Sprintf("requirement %d", i),
			}
			if err := env.Repo.UpsertRequirementTx(env.Ctx, tx, req); err != nil {
				t.Fatalf("seed requirement: %v", err)
			}
		}
	})
}

func seedSession(t *testing.T, env testEnv, id, unit, status string) domain.Session {
	t.Helper()
	s := domain.Session{ID: id, OrgCode: "RTO1", UnitCode: unit, Namespace: "ns-" + id, Status: status, CreatedAt: ts, UpdatedAt: ts}
	env.tx(t, func(tx *sql.Tx) {
		if err := env.Repo.InsertSessionTx(env.Ctx, tx, s); err != nil {
			t.Fatalf("insert session: %v", err)
		}
	})
	return s
}

func outcome(s domain.Session, number, status string, validationErr bool) domain.Outcome {
	return domain.Outcome{
		ID:                "out-" + number + "-" + status,
		SessionID:         s.ID,
		Category:          domain.CategoryKnowledgeEvidence,
		RequirementNumber: number,
		Namespace:         s.Namespace,
		Status:            status,
		Reasoning:         "reasoning for " + status,
		ValidationError:   validationErr,
		CreatedAt:         ts,
		UpdatedAt:         ts,
	}
}

func (env testEnv) upsert(t *testing.T, o domain.Outcome) repo.Rollup {
	t.Helper()
	var roll repo.Rollup
	env.tx(t, func(tx *sql.Tx) {
		if _, err := env.Repo.UpsertOutcomeTx(env.Ctx, tx, o); err != nil {
			t.Fatalf("upsert outcome: %v", err)
		}
		var err error
		roll, err = env.Repo.RecomputeRollupTx(env.Ctx, tx, o.SessionID, ts)
		if err != nil {
			t.Fatalf("rollup: %v", err)
		}
	})
	return roll
}

func TestUpsertOutcomeIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	seedRequirements(t, env, "BSB1", 2)
	s := seedSession(t, env, "s1", "BSB1", domain.SessionValidatingInBackground)

	first := outcome(s, "1", domain.OutcomeNotMet, false)
	env.upsert(t, first)
	second := outcome(s, "1", domain.OutcomeMet, false)
	second.Reasoning = "evidence found"
	second.Citations = []domain.Citation{{DocumentName: "a.pdf", PageNumbers: []int{2}}}
	env.upsert(t, second)

	var count int
	if err := env.Repo.DB.QueryRow(`SELECT COUNT(*) FROM outcomes WHERE session_id=? AND category=? AND requirement_number=?`,
		s.ID, domain.CategoryKnowledgeEvidence, "1").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected one row, got %d", count)
	}
	got, err := env.Repo.GetOutcome(env.Ctx, s.ID, domain.CategoryKnowledgeEvidence, "1")
	if err != nil {
		t.Fatalf("get outcome: %v", err)
	}
	if got.Status != domain.OutcomeMet || got.Reasoning != "evidence found" || len(got.Citations) != 1 {
		t.Fatalf("latest write not reflected: %+v", got)
	}
	if got.ID != first.ID {
		t.Fatalf("expected id preserved, got %s", got.ID)
	}
}

func TestRollupInvariant(t *testing.T) {
	env := newTestEnv(t)
	seedRequirements(t, env, "BSB1", 3)
	s := seedSession(t, env, "s1", "BSB1", domain.SessionValidatingInBackground)

	roll := env.upsert(t, outcome(s, "1", domain.OutcomeMet, false))
	if roll.After.CompletedCount != 1 || roll.After.RequirementTotal != 3 || roll.After.Status != domain.SessionValidatingInBackground {
		t.Fatalf("unexpected rollup after 1: %+v", roll.After)
	}
	// an outcome for a requirement outside the catalog never counts
	stray := outcome(s, "99", domain.OutcomeMet, false)
	roll = env.upsert(t, stray)
	if roll.After.CompletedCount != 1 {
		t.Fatalf("stray outcome counted: %d", roll.After.CompletedCount)
	}
	env.upsert(t, outcome(s, "2", domain.OutcomePartiallyMet, false))
	roll = env.upsert(t, outcome(s, "3", domain.OutcomeNotMet, false))
	if roll.After.Status != domain.SessionCompleted || roll.After.CompletedCount != 3 || !roll.Changed() {
		t.Fatalf("expected completed, got %+v", roll.After)
	}
	stored, err := env.Repo.GetSession(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.SessionCompleted || stored.Progress() != 1 {
		t.Fatalf("stored rollup mismatch: %+v", stored)
	}
}

func TestRollupFailsWhenOutcomesCarryErrors(t *testing.T) {
	env := newTestEnv(t)
	seedRequirements(t, env, "BSB1", 2)
	s := seedSession(t, env, "s1", "BSB1", domain.SessionValidatingInBackground)
	env.upsert(t, outcome(s, "1", domain.OutcomeMet, false))
	roll := env.upsert(t, outcome(s, "2", domain.OutcomeNotMet, true))
	if roll.After.Status != domain.SessionFailed || roll.After.LastError == nil || *roll.After.LastError != "1 requirement(s) could not be validated" {
		t.Fatalf("expected failed with summary, got %+v", roll.After)
	}
	// a successful re-validation heals the session
	roll = env.upsert(t, outcome(s, "2", domain.OutcomeMet, false))
	if roll.After.Status != domain.SessionCompleted || roll.After.LastError != nil || roll.After.CompletedCount != 2 {
		t.Fatalf("expected completed after revalidation, got %+v", roll.After)
	}
}

func TestTransitionSessionAtMostOnce(t *testing.T) {
	env := newTestEnv(t)
	s := seedSession(t, env, "s1", "BSB1", domain.SessionDocumentProcessing)
	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := env.Repo.DB.BeginTx(env.Ctx, nil)
			if err != nil {
				t.Errorf("begin: %v", err)
				return
			}
			defer tx.Rollback()
			ok, err := env.Repo.TransitionSessionTx(env.Ctx, tx, s.ID, domain.SessionDocumentProcessing, domain.SessionValidatingInBackground, ts)
			if err != nil {
				t.Errorf("transition: %v", err)
				return
			}
			if err := tx.Commit(); err != nil {
				t.Errorf("commit: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestRunLease(t *testing.T) {
	env := newTestEnv(t)
	s := seedSession(t, env, "s1", "BSB1", domain.SessionValidatingInBackground)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	claim := func(owner string, at time.Time) bool {
		var ok bool
		env.tx(t, func(tx *sql.Tx) {
			var err error
			ok, err = env.Repo.ClaimRunTx(env.Ctx, tx, s.ID, owner, at, time.Minute)
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
		})
		return ok
	}
	if !claim("a", now) {
		t.Fatalf("first claim should succeed")
	}
	if claim("b", now.Add(30*time.Second)) {
		t.Fatalf("live lease must block another owner")
	}
	if !claim("a", now.Add(30*time.Second)) {
		t.Fatalf("owner should renew")
	}
	if !claim("b", now.Add(5*time.Minute)) {
		t.Fatalf("expired lease should be taken over")
	}
	if err := env.Repo.ReleaseRun(env.Ctx, s.ID, "b"); err != nil {
		t.Fatal(err)
	}
	owner, err := env.Repo.RunOwner(env.Ctx, s.ID)
	if err != nil || owner != "" {
		t.Fatalf("expected released lease, got %q %v", owner, err)
	}
}

func TestIndexingStatusImmutableOnceTerminal(t *testing.T) {
	env := newTestEnv(t)
	s := seedSession(t, env, "s1", "BSB1", domain.SessionDocumentProcessing)
	doc := domain.Document{ID: "d1", SessionID: s.ID, Name: "a.pdf", StorageRef: "s3://a.pdf", Namespace: s.Namespace,
		IndexingStatus: domain.IndexingPending, CreatedAt: ts, UpdatedAt: ts}
	env.tx(t, func(tx *sql.Tx) {
		if err := env.Repo.InsertDocumentTx(env.Ctx, tx, doc); err != nil {
			t.Fatal(err)
		}
	})
	update := func(status string) bool {
		var changed bool
		env.tx(t, func(tx *sql.Tx) {
			var err error
			changed, err = env.Repo.UpdateIndexingStatusTx(env.Ctx, tx, doc.ID, status, nil, ts)
			if err != nil {
				t.Fatal(err)
			}
		})
		return changed
	}
	if !update(domain.IndexingProcessing) || !update(domain.IndexingCompleted) {
		t.Fatalf("expected transitions to apply")
	}
	if update(domain.IndexingFailed) || update(domain.IndexingCompleted) {
		t.Fatalf("terminal status must not change")
	}
	got, err := env.Repo.GetDocument(env.Ctx, doc.ID)
	if err != nil || got.IndexingStatus != domain.IndexingCompleted {
		t.Fatalf("unexpected document %+v %v", got, err)
	}
}

func TestOutboxDeadLetter(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Repo.DB.Exec(`INSERT INTO events(ts,type,entity_kind,payload_json) VALUES (?,?,?,?),(?,?,?,?)`,
		ts, "session.ready", "session", "{}", ts, "session.completed", "session", "{}"); err != nil {
		t.Fatal(err)
	}
	pending, err := env.Repo.PendingEvents(env.Ctx, 10)
	if err != nil || len(pending) != 2 || pending[0].Type != "session.ready" {
		t.Fatalf("unexpected pending %+v %v", pending, err)
	}
	if err := env.Repo.MarkEventPublished(env.Ctx, pending[1].ID, ts); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 3; i++ {
		dead, err := env.Repo.MarkEventFailed(env.Ctx, pending[0].ID, "boom", 3)
		if err != nil {
			t.Fatal(err)
		}
		if dead != (i == 3) {
			t.Fatalf("attempt %d: dead=%v", i, dead)
		}
	}
	pending, err = env.Repo.PendingEvents(env.Ctx, 10)
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected empty outbox, got %+v %v", pending, err)
	}
	dead, err := env.Repo.ListEvents(env.Ctx, repo.EventFilters{DeadLetter: true})
	if err != nil || len(dead) != 1 || dead[0].Attempts != 3 {
		t.Fatalf("expected one dead letter, got %+v %v", dead, err)
	}
	if err := env.Repo.RequeueEvent(env.Ctx, dead[0].ID); err != nil {
		t.Fatal(err)
	}
	pending, _ = env.Repo.PendingEvents(env.Ctx, 10)
	if len(pending) != 1 {
		t.Fatalf("requeued event should be pending")
	}
}

func TestListRequirementsNaturalOrder(t *testing.T) {
	env := newTestEnv(t)
	env.tx(t, func(tx *sql.Tx) {
		for i, r := range []struct{ cat, num string }{
			{domain.CategoryPerformanceEvidence, "1"},
			{domain.CategoryKnowledgeEvidence, "1.10"},
			{domain.CategoryKnowledgeEvidence, "1.2"},
			{domain.CategoryKnowledgeEvidence, "2"},
		} {
			req := domain.Requirement{ID: fmt.Sprintf("r%d", i), UnitCode: "U", Category: r.cat, Number: r.num, Text: "t"}
			if err := env.Repo.UpsertRequirementTx(env.Ctx, tx, req); err != nil {
				t.Fatal(err)
			}
		}
	})
	reqs, err := env.Repo.ListRequirements(env.Ctx, "U")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"1.2", "1.10", "2", "1"}
	for i, w := range want {
		if reqs[i].Number != w {
			t.Fatalf("position %d: want %s got %s", i, w, reqs[i].Number)
		}
	}
}
