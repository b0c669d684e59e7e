package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"assessline/internal/domain"
)

const outcomeColumns = `id,session_id,category,requirement_number,namespace,status,reasoning,mapped_content,citations_json,smart_questions_json,confidence,validation_error,retry_count,created_at,updated_at`

func scanOutcome(row rowScanner) (domain.Outcome, error) {
	var o domain.Outcome
	var mapped sql.NullString
	var citations, questions string
	var confidence sql.NullFloat64
	var validationErr int
	err := row.Scan(&o.ID, &o.SessionID, &o.Category, &o.RequirementNumber, &o.Namespace, &o.Status, &o.Reasoning, &mapped,
		&citations, &questions, &confidence, &validationErr, &o.RetryCount, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.MappedContent = mapped.String
	if confidence.Valid {
		o.Confidence = &confidence.Float64
	}
	o.ValidationError = validationErr != 0
	if err := json.Unmarshal([]byte(citations), &o.Citations); err != nil {
		return o, fmt.Errorf("decode citations for outcome %s: %w", o.ID, err)
	}
	if err := json.Unmarshal([]byte(questions), &o.SmartQuestions); err != nil {
		return o, fmt.Errorf("decode smart questions for outcome %s: %w", o.ID, err)
	}
	if o.Citations == nil {
		o.Citations = []domain.Citation{}
	}
	if o.SmartQuestions == nil {
		o.SmartQuestions = []domain.SmartQuestion{}
	}
	return o, nil
}

// UpsertOutcomeTx stores an outcome keyed by (session, category, number,
// namespace). An existing row is replaced in place; its id and created_at are
// preserved. The stored row is returned.
func (r Repo) UpsertOutcomeTx(ctx context.Context, tx *sql.Tx, o domain.Outcome) (domain.Outcome, error) {
	citations := o.Citations
	if citations == nil {
		citations = []domain.Citation{}
	}
	questions := o.SmartQuestions
	if questions == nil {
		questions = []domain.SmartQuestion{}
	}
	citationsJSON, err := json.Marshal(citations)
	if err != nil {
		return domain.Outcome{}, err
	}
	questionsJSON, err := json.Marshal(questions)
	if err != nil {
		return domain.Outcome{}, err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO outcomes(`+outcomeColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(session_id, category, requirement_number, namespace) DO UPDATE SET
  status=excluded.status, reasoning=excluded.reasoning, mapped_content=excluded.mapped_content,
  citations_json=excluded.citations_json, smart_questions_json=excluded.smart_questions_json,
  confidence=excluded.confidence, validation_error=excluded.validation_error,
  retry_count=excluded.retry_count, updated_at=excluded.updated_at`,
		o.ID, o.SessionID, o.Category, o.RequirementNumber, o.Namespace, o.Status, o.Reasoning, nullable(o.MappedContent),
		string(citationsJSON), string(questionsJSON), nullableFloatPtr(o.Confidence), boolInt(o.ValidationError), o.RetryCount,
		o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return domain.Outcome{}, err
	}
	return scanOutcome(tx.QueryRowContext(ctx, `SELECT `+outcomeColumns+` FROM outcomes WHERE session_id=? AND category=? AND requirement_number=? AND namespace=?`,
		o.SessionID, o.Category, o.RequirementNumber, o.Namespace))
}

func (r Repo) GetOutcome(ctx context.Context, sessionID, category, number string) (domain.Outcome, error) {
	return scanOutcome(r.DB.QueryRowContext(ctx, `SELECT o.id,o.session_id,o.category,o.requirement_number,o.namespace,o.status,o.reasoning,o.mapped_content,
  o.citations_json,o.smart_questions_json,o.confidence,o.validation_error,o.retry_count,o.created_at,o.updated_at
FROM outcomes o JOIN sessions s ON s.id=o.session_id AND s.namespace=o.namespace
WHERE o.session_id=? AND o.category=? AND o.requirement_number=?`, sessionID, category, number))
}

// OutcomeFilters narrows ListOutcomes.
type OutcomeFilters struct {
	SessionID string
	Category  string
	Status    string
	ErrorOnly bool
}

func (r Repo) ListOutcomes(ctx context.Context, f OutcomeFilters) ([]domain.Outcome, error) {
	query := `SELECT ` + outcomeColumns + ` FROM outcomes WHERE session_id=?`
	args := []any{f.SessionID}
	if f.Category != "" {
		query += ` AND category=?`
		args = append(args, f.Category)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.ErrorOnly {
		query += ` AND validation_error=1`
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortOutcomes(res)
	return res, nil
}

// ValidatedKeys returns the requirement keys that already hold a successful
// outcome in the session's namespace.
func (r Repo) ValidatedKeys(ctx context.Context, sessionID string) (map[domain.RequirementKey]bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT o.category, o.requirement_number FROM outcomes o
JOIN sessions s ON s.id=o.session_id AND s.namespace=o.namespace
WHERE o.session_id=? AND o.validation_error=0`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := map[domain.RequirementKey]bool{}
	for rows.Next() {
		var k domain.RequirementKey
		if err := rows.Scan(&k.Category, &k.Number); err != nil {
			return nil, err
		}
		keys[k] = true
	}
	return keys, rows.Err()
}

func sortOutcomes(outcomes []domain.Outcome) {
	sort.SliceStable(outcomes, func(i, j int) bool {
		ci, cj := categoryRank(outcomes[i].Category), categoryRank(outcomes[j].Category)
		if ci != cj {
			return ci < cj
		}
		return lessNumber(outcomes[i].RequirementNumber, outcomes[j].RequirementNumber)
	})
}
