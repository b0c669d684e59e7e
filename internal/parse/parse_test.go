package parse

import (
	"reflect"
	"testing"

	"assessline/internal/domain"
)

func TestParseTiers(t *testing.T) {
	cases := []struct {
		name   string
		raw    string
		tier   Tier
		status string
	}{
		{
			name:   "strict json",
			raw:    `{"status":"Met","reasoning":"Q4 covers it","mapped_content":"Q4","confidence":0.9}`,
			tier:   TierStrict,
			status: domain.OutcomeMet,
		},
		{
			name:   "fenced json with prose",
			raw:    "Here is my assessment.\n```json\n{\"status\": \"Partially Met\", \"reasoning\": \"only half\"}\n```\nLet me know.",
			tier:   TierFenced,
			status: domain.OutcomePartiallyMet,
		},
		{
			name:   "embedded object",
			raw:    `After review: {"Status": "fail", "Reasoning": "no task {covers} this"} end`,
			tier:   TierEmbedded,
			status: domain.OutcomeNotMet,
		},
		{
			name:   "labelled sections",
			raw:    "STATUS: Partially Met\nREASONING: The observation checklist covers two of three steps.\nSUMMARY: gaps remain",
			tier:   TierHeuristic,
			status: domain.OutcomePartiallyMet,
		},
		{
			name:   "negated prose",
			raw:    "The requirement is not fully met by the workbook.\nREASONING: only half the tasks",
			tier:   TierHeuristic,
			status: domain.OutcomeNotMet,
		},
		{
			name:   "negated label",
			raw:    "STATUS: Not yet met\nREASONING: no observation record",
			tier:   TierHeuristic,
			status: domain.OutcomeNotMet,
		},
		{
			name:   "unmet in prose",
			raw:    "Overall this criterion is unmet; the template omits the review step.",
			tier:   TierHeuristic,
			status: domain.OutcomeNotMet,
		},
		{
			name:   "plain met in prose",
			raw:    "This requirement is met by tasks 3 and 4 of the workbook.",
			tier:   TierHeuristic,
			status: domain.OutcomeMet,
		},
		{
			name:   "garbage",
			raw:    "I'm sorry, I can't read those files right now. ### 42 ###",
			tier:   TierUnparseable,
			status: domain.OutcomeNotMet,
		},
		{
			name:   "empty",
			raw:    "",
			tier:   TierUnparseable,
			status: domain.OutcomeNotMet,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Parse(tc.raw, nil)
			if res.Tier != tc.tier || res.Status != tc.status {
				t.Fatalf("got tier=%s status=%s, want %s %s", res.Tier, res.Status, tc.tier, tc.status)
			}
			if res.Reasoning == "" {
				t.Fatalf("reasoning must never be empty")
			}
			if res.Citations == nil || res.SmartQuestions == nil {
				t.Fatalf("slices must be non-nil")
			}
		})
	}
}

func TestParseStrictFields(t *testing.T) {
	raw := `{"status":"met","reasoning":"covered","mapped_content":["Q1","Q2"],"confidence":"85%",
"smart_questions":[{"question":"Describe the procedure","benchmark_answer":"Step by step"}]}`
	res := Parse(raw, nil)
	if res.MappedContent != "Q1\nQ2" {
		t.Fatalf("mapped content %q", res.MappedContent)
	}
	if res.Confidence == nil || *res.Confidence != 0.85 {
		t.Fatalf("confidence %v", res.Confidence)
	}
	want := []domain.SmartQuestion{{Question: "Describe the procedure", BenchmarkAnswer: "Step by step"}}
	if !reflect.DeepEqual(res.SmartQuestions, want) {
		t.Fatalf("questions %+v", res.SmartQuestions)
	}
}

func TestUnparseableIsDeterministic(t *testing.T) {
	a := Parse("???", nil)
	b := Parse("!!!", nil)
	if !reflect.DeepEqual(a, b) || a.Reasoning != UnparseableReasoning || !a.Unparseable() {
		t.Fatalf("unparseable results differ: %+v vs %+v", a, b)
	}
}

func TestStrictJSONWithUnknownStatusFallsThrough(t *testing.T) {
	res := Parse(`{"status":"maybe","reasoning":"unsure"}`, nil)
	if !res.Unparseable() {
		t.Fatalf("unknown status should not be accepted, got %+v", res)
	}
}

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]string{
		"Met":           domain.OutcomeMet,
		"pass":          domain.OutcomeMet,
		"Partially Met": domain.OutcomePartiallyMet,
		"partial":       domain.OutcomePartiallyMet,
		"PARTIALLY_MET": domain.OutcomePartiallyMet,
		"Not Met":       domain.OutcomeNotMet,
		"not-met":       domain.OutcomeNotMet,
		"fail":          domain.OutcomeNotMet,
	}
	for in, want := range cases {
		got, ok := NormalizeStatus(in)
		if !ok || got != want {
			t.Fatalf("NormalizeStatus(%q) = %q,%v want %q", in, got, ok, want)
		}
	}
	if _, ok := NormalizeStatus("unknown"); ok {
		t.Fatalf("unknown status accepted")
	}
}

func TestGroundingMergedOntoOutcome(t *testing.T) {
	grounding := []domain.GroundingChunk{
		{DocumentTitle: "assessment.pdf", StartPage: 3, EndPage: 4, Text: "Question 7 asks the learner"},
		{DocumentTitle: "rubric.pdf", StartPage: 1, EndPage: 1},
		{DocumentTitle: "assessment.pdf", StartPage: 2, EndPage: 2, Text: "later text"},
		{DocumentIndex: 2},
	}
	res := Parse(`{"status":"Met","reasoning":"ok"}`, grounding)
	want := []domain.Citation{
		{DocumentName: "assessment.pdf", PageNumbers: []int{2, 3, 4}, Snippet: "Question 7 asks the learner"},
		{DocumentName: "rubric.pdf", PageNumbers: []int{1}},
		{DocumentName: "document 3", PageNumbers: []int{}},
	}
	if !reflect.DeepEqual(res.Citations, want) {
		t.Fatalf("citations %+v", res.Citations)
	}
	if res.Status != domain.OutcomeMet {
		t.Fatalf("grounding must not affect status")
	}
	garbage := Parse("nothing useful", grounding)
	if !garbage.Unparseable() || len(garbage.Citations) != 3 {
		t.Fatalf("citations still merged onto unparseable outcome: %+v", garbage)
	}
}

func TestQuestions(t *testing.T) {
	raw := "Sure:\n```json\n{\"smart_questions\":[{\"question\":\"What PPE is required?\",\"benchmark_answer\":\"Gloves and goggles\"}]}\n```"
	qs := Questions(raw)
	if len(qs) != 1 || qs[0].BenchmarkAnswer != "Gloves and goggles" {
		t.Fatalf("questions %+v", qs)
	}
	qs = Questions("Q1: How do you escalate?\nA1: Notify the supervisor")
	if len(qs) != 1 || qs[0].Question != "How do you escalate?" || qs[0].BenchmarkAnswer != "Notify the supervisor" {
		t.Fatalf("heuristic questions %+v", qs)
	}
	if qs := Questions("no questions here"); len(qs) != 0 {
		t.Fatalf("expected none, got %+v", qs)
	}
}
