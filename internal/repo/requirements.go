package repo

import (
	"context"
	"database/sql"
	"sort"
	"strconv"
	"strings"

	"assessline/internal/domain"
)

const requirementColumns = `id,unit_code,category,number,text,parent_number`

func scanRequirement(row rowScanner) (domain.Requirement, error) {
	var req domain.Requirement
	var parent sql.NullString
	err := row.Scan(&req.ID, &req.UnitCode, &req.Category, &req.Number, &req.Text, &parent)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if parent.Valid {
		req.ParentNumber = &parent.String
	}
	return req, err
}

// UpsertRequirementTx inserts a catalog requirement or replaces its text when
// (unit, category, number) already exists. The stored id is kept on conflict.
func (r Repo) UpsertRequirementTx(ctx context.Context, tx *sql.Tx, req domain.Requirement) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO requirements(`+requirementColumns+`) VALUES (?,?,?,?,?,?)
ON CONFLICT(unit_code, category, number) DO UPDATE SET text=excluded.text, parent_number=excluded.parent_number`,
		req.ID, req.UnitCode, req.Category, req.Number, req.Text, nullableStringPtr(req.ParentNumber))
	return err
}

func (r Repo) GetRequirement(ctx context.Context, unitCode, category, number string) (domain.Requirement, error) {
	return scanRequirement(r.DB.QueryRowContext(ctx, `SELECT `+requirementColumns+` FROM requirements WHERE unit_code=? AND category=? AND number=?`,
		unitCode, category, number))
}

// ListRequirements returns a unit's requirements in catalog order: category
// order first, then numbers compared segment by segment ("1.2" < "1.10").
func (r Repo) ListRequirements(ctx context.Context, unitCode string) ([]domain.Requirement, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+requirementColumns+` FROM requirements WHERE unit_code=?`, unitCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Requirement
	for rows.Next() {
		req, err := scanRequirement(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	SortRequirements(res)
	return res, nil
}

func (r Repo) CountRequirements(ctx context.Context, unitCode string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM requirements WHERE unit_code=?`, unitCode).Scan(&n)
	return n, err
}

// UnitSummary is the requirement count per category for one unit.
type UnitSummary struct {
	UnitCode   string         `json:"unit_code"`
	Total      int            `json:"total"`
	ByCategory map[string]int `json:"by_category"`
}

func (r Repo) ListUnits(ctx context.Context) ([]UnitSummary, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT unit_code, category, COUNT(*) FROM requirements GROUP BY unit_code, category ORDER BY unit_code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []UnitSummary
	index := map[string]int{}
	for rows.Next() {
		var unit, category string
		var n int
		if err := rows.Scan(&unit, &category, &n); err != nil {
			return nil, err
		}
		i, ok := index[unit]
		if !ok {
			i = len(res)
			index[unit] = i
			res = append(res, UnitSummary{UnitCode: unit, ByCategory: map[string]int{}})
		}
		res[i].ByCategory[category] = n
		res[i].Total += n
	}
	return res, rows.Err()
}

func SortRequirements(reqs []domain.Requirement) {
	sort.SliceStable(reqs, func(i, j int) bool {
		ci, cj := categoryRank(reqs[i].Category), categoryRank(reqs[j].Category)
		if ci != cj {
			return ci < cj
		}
		return lessNumber(reqs[i].Number, reqs[j].Number)
	})
}

func categoryRank(c string) int {
	for i, v := range domain.Categories {
		if v == c {
			return i
		}
	}
	return len(domain.Categories)
}

func lessNumber(a, b string) bool {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		if as[i] == bs[i] {
			continue
		}
		ai, aerr := strconv.Atoi(as[i])
		bi, berr := strconv.Atoi(bs[i])
		if aerr == nil && berr == nil {
			return ai < bi
		}
		return as[i] < bs[i]
	}
	return len(as) < len(bs)
}
