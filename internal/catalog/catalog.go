package catalog

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"assessline/internal/domain"
	"assessline/internal/repo"
)

// Unit is one YAML catalog document. A file may hold several documents
// separated by "---".
type Unit struct {
	UnitCode     string        `yaml:"unit_code"`
	Requirements []Requirement `yaml:"requirements"`
}

type Requirement struct {
	Category     string `yaml:"category"`
	Number       string `yaml:"number"`
	Text         string `yaml:"text"`
	ParentNumber string `yaml:"parent_number"`
}

// Summary reports what an import wrote.
type Summary struct {
	Units        []string `json:"units"`
	Requirements int      `json:"requirements"`
}

// Parse decodes and validates every catalog document in data.
func Parse(data []byte) ([]Unit, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var units []Unit
	for i := 0; ; i++ {
		var u Unit
		err := dec.Decode(&u)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("catalog document %d: %w", i+1, err)
		}
		if err := u.normalize(); err != nil {
			return nil, fmt.Errorf("catalog document %d: %w", i+1, err)
		}
		units = append(units, u)
	}
	if len(units) == 0 {
		return nil, errors.New("catalog is empty")
	}
	return units, nil
}

func (u *Unit) normalize() error {
	u.UnitCode = strings.TrimSpace(u.UnitCode)
	if u.UnitCode == "" {
		return errors.New("unit_code is required")
	}
	if len(u.Requirements) == 0 {
		return fmt.Errorf("unit %s has no requirements", u.UnitCode)
	}
	seen := map[domain.RequirementKey]bool{}
	for i := range u.Requirements {
		r := &u.Requirements[i]
		r.Category = domain.NormalizeCategory(r.Category)
		r.Number = strings.TrimSpace(r.Number)
		r.Text = strings.TrimSpace(r.Text)
		r.ParentNumber = strings.TrimSpace(r.ParentNumber)
		if !domain.IsCategory(r.Category) {
			return fmt.Errorf("unit %s requirement %d: unknown category %q", u.UnitCode, i+1, r.Category)
		}
		if r.Number == "" || r.Text == "" {
			return fmt.Errorf("unit %s requirement %d: number and text are required", u.UnitCode, i+1)
		}
		key := domain.RequirementKey{Category: r.Category, Number: r.Number}
		if seen[key] {
			return fmt.Errorf("unit %s: duplicate requirement %s", u.UnitCode, key)
		}
		seen[key] = true
	}
	return nil
}

// Import upserts every requirement of data in one transaction. Re-importing
// a unit replaces requirement text and keeps the stored ids.
func Import(ctx context.Context, db *sql.DB, data []byte) (Summary, error) {
	units, err := Parse(data)
	if err != nil {
		return Summary{}, err
	}
	r := repo.Repo{DB: db}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Summary{}, err
	}
	defer tx.Rollback()
	var sum Summary
	for _, u := range units {
		for _, req := range u.Requirements {
			row := domain.Requirement{
				ID:       uuid.NewString(),
				UnitCode: u.UnitCode,
				Category: req.Category,
				Number:   req.Number,
				Text:     req.Text,
			}
			if req.ParentNumber != "" {
				parent := req.ParentNumber
				row.ParentNumber = &parent
			}
			if err := r.UpsertRequirementTx(ctx, tx, row); err != nil {
				return Summary{}, fmt.Errorf("unit %s requirement %s: %w", u.UnitCode, row.Key(), err)
			}
			sum.Requirements++
		}
		sum.Units = append(sum.Units, u.UnitCode)
	}
	if err := tx.Commit(); err != nil {
		return Summary{}, err
	}
	return sum, nil
}
