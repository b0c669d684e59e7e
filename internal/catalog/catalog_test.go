package catalog

import (
	"context"
	"strings"
	"testing"

	"assessline/internal/db"
	"assessline/internal/domain"
	"assessline/internal/migrate"
	"assessline/internal/repo"
)

const sample = `unit_code: BSBWHS521
requirements:
  - category: Knowledge Evidence
    number: "1"
    text: legislative requirements
  - category: EPC
    number: "1"
    text: Identify hazards
  - category: EPC
    number: "1.10"
    text: Consult workers
    parent_number: "1"
  - category: EPC
    number: "1.2"
    text: Assess risks
    parent_number: "1"
---
unit_code: BSBOPS304
requirements:
  - category: pe
    number: "1"
    text: deliver a service
`

func TestImportUpsertsAndOrders(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	sum, err := Import(ctx, conn, []byte(sample))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if sum.Requirements != 5 || len(sum.Units) != 2 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	r := repo.Repo{DB: conn}
	first, err := r.GetRequirement(ctx, "BSBWHS521", domain.CategoryElementsCriteria, "1.2")
	if err != nil {
		t.Fatal(err)
	}

	updated := strings.Replace(sample, "Assess risks", "Assess and control risks", 1)
	if _, err := Import(ctx, conn, []byte(updated)); err != nil {
		t.Fatalf("reimport: %v", err)
	}
	reqs, err := r.ListRequirements(ctx, "BSBWHS521")
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, req := range reqs {
		got = append(got, req.Category+":"+req.Number)
	}
	want := "knowledge_evidence:1 elements_criteria:1 elements_criteria:1.2 elements_criteria:1.10"
	if strings.Join(got, " ") != want {
		t.Fatalf("order = %v", got)
	}
	if reqs[2].ID != first.ID || reqs[2].Text != "Assess and control risks" {
		t.Fatalf("reimport should keep id and replace text: %+v", reqs[2])
	}
	if reqs[2].ParentNumber == nil || *reqs[2].ParentNumber != "1" {
		t.Fatalf("parent number lost: %+v", reqs[2])
	}
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"empty":     "",
		"unit":      "requirements:\n  - {category: ke, number: '1', text: x}\n",
		"category":  "unit_code: U1\nrequirements:\n  - {category: vibes, number: '1', text: x}\n",
		"text":      "unit_code: U1\nrequirements:\n  - {category: ke, number: '1'}\n",
		"duplicate": "unit_code: U1\nrequirements:\n  - {category: ke, number: '1', text: x}\n  - {category: KE, number: '1', text: y}\n",
		"yaml":      "unit_code: [",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(raw)); err == nil {
				t.Fatalf("expected error for %q", raw)
			}
		})
	}
}
