// Package parse turns raw model output into a canonical requirement verdict.
//
// Parsing is a chain of tiers tried in order: strict JSON, a fenced code
// block, a JSON object embedded in prose, and labelled-field heuristics. Every
// tier is total. When none matches, the result is a fixed unparseable verdict.
package parse

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"assessline/internal/domain"
)

type Tier string

const (
	TierStrict      Tier = "strict"
	TierFenced      Tier = "fenced"
	TierEmbedded    Tier = "embedded"
	TierHeuristic   Tier = "heuristic"
	TierUnparseable Tier = "unparseable"
)

// UnparseableReasoning is the reasoning recorded when no tier matches.
const UnparseableReasoning = "Unparseable response from AI model; the requirement could not be validated automatically."

const maxReasoning = 4000

// Result is the normalized verdict for one requirement.
type Result struct {
	Status         string
	Reasoning      string
	MappedContent  string
	Confidence     *float64
	SmartQuestions []domain.SmartQuestion
	Citations      []domain.Citation
	Tier           Tier
}

func (r Result) Unparseable() bool { return r.Tier == TierUnparseable }

type tier struct {
	name Tier
	fn   func(raw string) (Result, bool)
}

var chain = []tier{
	{TierStrict, strictTier},
	{TierFenced, fencedTier},
	{TierEmbedded, embeddedTier},
	{TierHeuristic, heuristicTier},
}

// Parse converts raw model text into a Result and merges citations from the
// provider's grounding metadata. It never fails.
func Parse(raw string, grounding []domain.GroundingChunk) Result {
	res := Unparseable()
	for _, t := range chain {
		if r, ok := t.fn(raw); ok {
			r.Tier = t.name
			res = r
			break
		}
	}
	res.Citations = MergeCitations(grounding)
	if res.SmartQuestions == nil {
		res.SmartQuestions = []domain.SmartQuestion{}
	}
	return res
}

// Unparseable is the deterministic verdict for output no tier understands.
func Unparseable() Result {
	return Result{
		Status:         domain.OutcomeNotMet,
		Reasoning:      UnparseableReasoning,
		Tier:           TierUnparseable,
		SmartQuestions: []domain.SmartQuestion{},
		Citations:      []domain.Citation{},
	}
}

func strictTier(raw string) (Result, bool) {
	return fromJSON(strings.TrimSpace(raw))
}

var (
	jsonFence  = regexp.MustCompile("(?s)```json[ \t]*\\r?\\n?(.*?)```")
	plainFence = regexp.MustCompile("(?s)```[a-zA-Z]*[ \t]*\\r?\\n?(.*?)```")
)

func fencedTier(raw string) (Result, bool) {
	if m := jsonFence.FindStringSubmatch(raw); m != nil {
		if r, ok := fromJSON(strings.TrimSpace(m[1])); ok {
			return r, true
		}
	}
	for _, m := range plainFence.FindAllStringSubmatch(raw, -1) {
		if r, ok := fromJSON(strings.TrimSpace(m[1])); ok {
			return r, true
		}
	}
	return Result{}, false
}

func embeddedTier(raw string) (Result, bool) {
	for start := strings.Index(raw, "{"); start != -1; {
		if obj := balancedObject(raw[start:]); obj != "" {
			if r, ok := fromJSON(obj); ok {
				return r, true
			}
		}
		next := strings.Index(raw[start+1:], "{")
		if next == -1 {
			break
		}
		start += next + 1
	}
	return Result{}, false
}

// balancedObject returns the prefix of s up to the brace closing its first
// character, honouring JSON string escapes.
func balancedObject(s string) string {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}

func fromJSON(s string) (Result, bool) {
	if s == "" || s[0] != '{' {
		return Result{}, false
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(s), &payload); err != nil {
		return Result{}, false
	}
	fields := lowerKeys(payload)
	status, ok := NormalizeStatus(firstString(fields, "status", "verdict", "result", "validation_status"))
	if !ok {
		return Result{}, false
	}
	return Result{
		Status:         status,
		Reasoning:      truncate(firstString(fields, "reasoning", "summary", "explanation", "rationale"), maxReasoning),
		MappedContent:  firstString(fields, "mapped_content", "mappedcontent", "evidence", "mapped_questions"),
		Confidence:     confidence(fields["confidence"]),
		SmartQuestions: questions(fields),
	}, true
}

var (
	statusLabel    = regexp.MustCompile(`(?im)^[\s*#>-]*(?:status|verdict|result|outcome)[\s*]*[:\-][\s*]*([A-Za-z][A-Za-z _-]{1,40})`)
	statusKeyword  = regexp.MustCompile(`(?i)\b(partially met|(?:not|never)(?:\s+(?:yet|been|fully|entirely|completely|adequately|sufficiently|clearly))*\s+met|unmet|met)\b`)
	sectionLabel   = regexp.MustCompile(`(?im)^[\s*#>-]*(reasoning|summary|mapped content|evidence)[\s*]*:[\s*]*`)
	anyFieldLabel  = regexp.MustCompile(`(?m)^[\s*#>-]*[A-Z][A-Za-z ]{1,30}:`)
	questionPrefix = regexp.MustCompile(`(?im)^[\s*#>-]*(?:q\d*|question\s*\d*)\s*[:.)]\s*(.+)$`)
	answerPrefix   = regexp.MustCompile(`(?im)^[\s*#>-]*(?:a\d*|answer\s*\d*|benchmark(?: answer)?)\s*[:.)]\s*(.+)$`)
)

func heuristicTier(raw string) (Result, bool) {
	var status string
	var ok bool
	if m := statusLabel.FindStringSubmatch(raw); m != nil {
		status, ok = NormalizeStatus(m[1])
	}
	if !ok {
		if m := statusKeyword.FindStringSubmatch(raw); m != nil {
			status, ok = keywordStatus(m[1])
		}
	}
	if !ok {
		return Result{}, false
	}
	sections := labelledSections(raw)
	reasoning := sections["reasoning"]
	if reasoning == "" {
		reasoning = sections["summary"]
	}
	if reasoning == "" {
		reasoning = strings.TrimSpace(raw)
	}
	mapped := sections["mapped content"]
	if mapped == "" {
		mapped = sections["evidence"]
	}
	return Result{
		Status:         status,
		Reasoning:      truncate(reasoning, maxReasoning),
		MappedContent:  mapped,
		SmartQuestions: heuristicQuestions(raw),
	}, true
}

// keywordStatus maps a status phrase found in prose. A negated "met" is
// not_met however it is qualified.
func keywordStatus(phrase string) (string, bool) {
	lower := strings.ToLower(phrase)
	if strings.HasPrefix(lower, "not") || strings.HasPrefix(lower, "never") || lower == "unmet" {
		return domain.OutcomeNotMet, true
	}
	return NormalizeStatus(phrase)
}

// labelledSections collects "LABEL: text" blocks, each running to the next
// label line.
func labelledSections(raw string) map[string]string {
	out := map[string]string{}
	locs := sectionLabel.FindAllStringSubmatchIndex(raw, -1)
	for _, loc := range locs {
		name := strings.ToLower(raw[loc[2]:loc[3]])
		if _, seen := out[name]; seen {
			continue
		}
		body := raw[loc[1]:]
		if next := anyFieldLabel.FindStringIndex(body); next != nil && next[0] > 0 {
			body = body[:next[0]]
		}
		out[name] = strings.TrimSpace(body)
	}
	return out
}

func heuristicQuestions(raw string) []domain.SmartQuestion {
	qs := questionPrefix.FindAllStringSubmatch(raw, -1)
	as := answerPrefix.FindAllStringSubmatch(raw, -1)
	var res []domain.SmartQuestion
	for i, q := range qs {
		sq := domain.SmartQuestion{Question: strings.TrimSpace(q[1])}
		if i < len(as) {
			sq.BenchmarkAnswer = strings.TrimSpace(as[i][1])
		}
		res = append(res, sq)
	}
	return res
}

var statusVocabulary = map[string]string{
	"met":                 domain.OutcomeMet,
	"fully met":           domain.OutcomeMet,
	"pass":                domain.OutcomeMet,
	"passed":              domain.OutcomeMet,
	"compliant":           domain.OutcomeMet,
	"satisfied":           domain.OutcomeMet,
	"yes":                 domain.OutcomeMet,
	"partially met":       domain.OutcomePartiallyMet,
	"partial":             domain.OutcomePartiallyMet,
	"partially":           domain.OutcomePartiallyMet,
	"partly met":          domain.OutcomePartiallyMet,
	"partially compliant": domain.OutcomePartiallyMet,
	"not met":             domain.OutcomeNotMet,
	"unmet":               domain.OutcomeNotMet,
	"fail":                domain.OutcomeNotMet,
	"failed":              domain.OutcomeNotMet,
	"no":                  domain.OutcomeNotMet,
	"non compliant":       domain.OutcomeNotMet,
	"noncompliant":        domain.OutcomeNotMet,
	"not satisfied":       domain.OutcomeNotMet,
}

// NormalizeStatus maps model vocabulary onto met, partially_met or not_met.
func NormalizeStatus(s string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer("_", " ", "-", " ", ".", "", "*", "", "\"", "").Replace(key)
	key = strings.Join(strings.Fields(key), " ")
	v, ok := statusVocabulary[key]
	return v, ok
}

func lowerKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

func firstString(fields map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := fields[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case []any:
			var parts []string
			for _, item := range v {
				if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
					parts = append(parts, strings.TrimSpace(s))
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, "\n")
			}
		}
	}
	return ""
}

func confidence(v any) *float64 {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		s := strings.TrimSuffix(strings.TrimSpace(t), "%")
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if f > 1 && f <= 100 {
		f /= 100
	}
	if f < 0 || f > 1 {
		return nil
	}
	return &f
}

func questions(fields map[string]any) []domain.SmartQuestion {
	var list []any
	for _, k := range []string{"smart_questions", "smartquestions", "questions"} {
		if l, ok := fields[k].([]any); ok {
			list = l
			break
		}
	}
	var res []domain.SmartQuestion
	for _, item := range list {
		switch v := item.(type) {
		case map[string]any:
			f := lowerKeys(v)
			q := domain.SmartQuestion{
				Question:        firstString(f, "question", "text"),
				BenchmarkAnswer: firstString(f, "benchmark_answer", "benchmarkanswer", "answer"),
			}
			if q.Question != "" {
				res = append(res, q)
			}
		case string:
			if s := strings.TrimSpace(v); s != "" {
				res = append(res, domain.SmartQuestion{Question: s})
			}
		}
	}
	return res
}

// Questions extracts smart questions from an auxiliary generation response.
func Questions(raw string) []domain.SmartQuestion {
	for _, t := range []func(string) (string, bool){
		func(s string) (string, bool) { return strings.TrimSpace(s), true },
		func(s string) (string, bool) {
			if m := jsonFence.FindStringSubmatch(s); m != nil {
				return strings.TrimSpace(m[1]), true
			}
			return "", false
		},
		func(s string) (string, bool) {
			if i := strings.Index(s, "{"); i != -1 {
				return balancedObject(s[i:]), true
			}
			return "", false
		},
	} {
		candidate, ok := t(raw)
		if !ok || candidate == "" {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(candidate), &payload); err != nil {
			continue
		}
		if qs := questions(lowerKeys(payload)); len(qs) > 0 {
			return qs
		}
	}
	return heuristicQuestions(raw)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return fmt.Sprintf("%s...", cut)
}
