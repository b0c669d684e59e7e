package ai

import (
	"fmt"
	"strings"

	"assessline/internal/domain"
)

const systemPrompt = `You are an experienced compliance auditor for vocational training assessments.
You judge whether the attached assessment documents provide evidence for one requirement of a competency unit.
Only use the attached documents. Cite the pages you rely on.`

const responseFormat = `Respond with a single JSON object and nothing else:
{
  "status": "Met" | "Partially Met" | "Not Met",
  "reasoning": "why the evidence does or does not satisfy the requirement",
  "mapped_content": "the assessment items or passages that address it",
  "confidence": 0.0 to 1.0,
  "smart_questions": [{"question": "...", "benchmark_answer": "..."}]
}`

// categoryInstructions holds the per-category template text.
var categoryInstructions = map[string]string{
	domain.CategoryKnowledgeEvidence: "Check that the assessment asks the learner questions that demonstrate the knowledge below. " +
		"Every knowledge point must be covered by at least one question or task.",
	domain.CategoryPerformanceEvidence: "Check that the assessment requires the learner to perform the task below, " +
		"including the frequency or volume it states, under observation or with product evidence.",
	domain.CategoryFoundationSkills: "Check that the assessment tasks require the learner to apply the foundation skill below " +
		"(reading, writing, oral communication, numeracy, learning or digital skills) in context.",
	domain.CategoryElementsCriteria: "Check that the assessment covers the performance criterion below within its element. " +
		"Evidence must map to the criterion itself, not only to the element heading.",
	domain.CategoryAssessmentConditions: "Check that the assessment instructions, resources and assessor requirements " +
		"satisfy the assessment condition below.",
}

func buildValidationPrompt(unitCode string, req RequirementInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Unit: %s\n", unitCode)
	fmt.Fprintf(&b, "Category: %s\n", req.Category)
	if instr, ok := categoryInstructions[req.Category]; ok {
		b.WriteString(instr)
		b.WriteString("\n")
	}
	if req.ParentText != "" {
		fmt.Fprintf(&b, "Element: %s\n", req.ParentText)
	}
	fmt.Fprintf(&b, "Requirement %s: %s\n\n", req.Number, req.Text)
	b.WriteString(responseFormat)
	return b.String()
}

func buildQuestionPrompt(unitCode string, req RequirementInput, verdict string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Unit: %s\nRequirement %s (%s): %s\n", unitCode, req.Number, req.Category, req.Text)
	if verdict != "" {
		fmt.Fprintf(&b, "Current verdict: %s\n", verdict)
	}
	b.WriteString(`Write up to three assessor questions that would close any evidence gap for this requirement, each with a benchmark answer.
Respond with JSON only: {"smart_questions": [{"question": "...", "benchmark_answer": "..."}]}`)
	return b.String()
}
