package domain

import "strings"

// Session statuses.
const (
	SessionPending                = "pending"
	SessionDocumentProcessing     = "document_processing"
	SessionValidatingInBackground = "validating_in_background"
	SessionCompleted              = "completed"
	SessionFailed                 = "failed"
)

// Document indexing statuses.
const (
	IndexingPending    = "pending"
	IndexingProcessing = "processing"
	IndexingCompleted  = "completed"
	IndexingFailed     = "failed"
	IndexingTimeout    = "timeout"
)

// Outcome statuses.
const (
	OutcomeMet          = "met"
	OutcomePartiallyMet = "partially_met"
	OutcomeNotMet       = "not_met"
)

// Requirement categories.
const (
	CategoryKnowledgeEvidence    = "knowledge_evidence"
	CategoryPerformanceEvidence  = "performance_evidence"
	CategoryFoundationSkills     = "foundation_skills"
	CategoryElementsCriteria     = "elements_criteria"
	CategoryAssessmentConditions = "assessment_conditions"
)

// Trigger sources.
const (
	TriggerAuto   = "auto"
	TriggerManual = "manual"
	TriggerPoll   = "poll"
)

// Categories lists requirement categories in catalog order.
var Categories = []string{
	CategoryKnowledgeEvidence,
	CategoryPerformanceEvidence,
	CategoryFoundationSkills,
	CategoryElementsCriteria,
	CategoryAssessmentConditions,
}

func IsCategory(c string) bool {
	for _, v := range Categories {
		if v == c {
			return true
		}
	}
	return false
}

// IsTerminalIndexing reports whether an indexing status can no longer change.
func IsTerminalIndexing(status string) bool {
	switch status {
	case IndexingCompleted, IndexingFailed, IndexingTimeout:
		return true
	}
	return false
}

func IsIndexingStatus(status string) bool {
	switch status {
	case IndexingPending, IndexingProcessing, IndexingCompleted, IndexingFailed, IndexingTimeout:
		return true
	}
	return false
}

type Session struct {
	ID               string  `json:"id"`
	OrgCode          string  `json:"org_code"`
	UnitCode         string  `json:"unit_code"`
	Namespace        string  `json:"namespace"`
	RequirementTotal int     `json:"requirement_total"`
	CompletedCount   int     `json:"completed_count"`
	Status           string  `json:"status" enum:"pending,document_processing,validating_in_background,completed,failed"`
	LastError        *string `json:"last_error,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

// Progress is completed/total, zero when no requirements are known yet.
func (s Session) Progress() float64 {
	if s.RequirementTotal <= 0 {
		return 0
	}
	return float64(s.CompletedCount) / float64(s.RequirementTotal)
}

type SessionStatus struct {
	SessionID string  `json:"session_id"`
	Status    string  `json:"status" enum:"pending,document_processing,validating_in_background,completed,failed"`
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
	Progress  float64 `json:"progress"`
	LastError *string `json:"last_error,omitempty"`
}

func (s Session) Rollup() SessionStatus {
	return SessionStatus{
		SessionID: s.ID,
		Status:    s.Status,
		Completed: s.CompletedCount,
		Total:     s.RequirementTotal,
		Progress:  s.Progress(),
		LastError: s.LastError,
	}
}

type Document struct {
	ID                  string  `json:"id"`
	SessionID           string  `json:"session_id"`
	Name                string  `json:"name"`
	StorageRef          string  `json:"storage_ref"`
	Namespace           string  `json:"namespace"`
	IndexingOperationID *string `json:"indexing_operation_id,omitempty"`
	IndexingStatus      string  `json:"indexing_status" enum:"pending,processing,completed,failed,timeout"`
	IndexingError       *string `json:"indexing_error,omitempty"`
	CreatedAt           string  `json:"created_at" format:"date-time"`
	UpdatedAt           string  `json:"updated_at" format:"date-time"`
}

type Requirement struct {
	ID           string  `json:"id"`
	UnitCode     string  `json:"unit_code"`
	Category     string  `json:"category"`
	Number       string  `json:"number"`
	Text         string  `json:"text"`
	ParentNumber *string `json:"parent_number,omitempty"`
}

// RequirementKey identifies a requirement within a session's outcomes.
type RequirementKey struct {
	Category string `json:"category"`
	Number   string `json:"number"`
}

func (k RequirementKey) String() string {
	return k.Category + "/" + k.Number
}

func (r Requirement) Key() RequirementKey {
	return RequirementKey{Category: r.Category, Number: r.Number}
}

type Citation struct {
	DocumentName string `json:"document_name"`
	PageNumbers  []int  `json:"page_numbers"`
	Snippet      string `json:"snippet,omitempty"`
}

// GroundingChunk is one citation the AI provider returned alongside its text,
// pointing at a source document and an inclusive page range.
type GroundingChunk struct {
	DocumentTitle string `json:"document_title"`
	DocumentIndex int    `json:"document_index"`
	StartPage     int    `json:"start_page,omitempty"`
	EndPage       int    `json:"end_page,omitempty"`
	Text          string `json:"text,omitempty"`
}

type SmartQuestion struct {
	Question        string `json:"question"`
	BenchmarkAnswer string `json:"benchmark_answer"`
}

type Outcome struct {
	ID                string          `json:"id"`
	SessionID         string          `json:"session_id"`
	Category          string          `json:"category"`
	RequirementNumber string          `json:"requirement_number"`
	Namespace         string          `json:"namespace"`
	Status            string          `json:"status" enum:"met,partially_met,not_met"`
	Reasoning         string          `json:"reasoning"`
	MappedContent     string          `json:"mapped_content,omitempty"`
	Citations         []Citation      `json:"citations"`
	SmartQuestions    []SmartQuestion `json:"smart_questions"`
	Confidence        *float64        `json:"confidence,omitempty"`
	ValidationError   bool            `json:"validation_error"`
	RetryCount        int             `json:"retry_count"`
	CreatedAt         string          `json:"created_at" format:"date-time"`
	UpdatedAt         string          `json:"updated_at" format:"date-time"`
}

func (o Outcome) Key() RequirementKey {
	return RequirementKey{Category: o.Category, Number: o.RequirementNumber}
}

type TriggerLogEntry struct {
	ID        int64   `json:"id"`
	SessionID string  `json:"session_id"`
	Source    string  `json:"source" enum:"auto,manual,poll"`
	Succeeded bool    `json:"succeeded"`
	Error     *string `json:"error,omitempty"`
	TS        string  `json:"ts" format:"date-time"`
}

// Event is an outbox row.
type Event struct {
	ID          int64   `json:"id"`
	TS          string  `json:"ts" format:"date-time"`
	Type        string  `json:"type"`
	SessionID   string  `json:"session_id,omitempty"`
	EntityKind  string  `json:"entity_kind"`
	EntityID    string  `json:"entity_id,omitempty"`
	Payload     string  `json:"payload_json"`
	PublishedAt *string `json:"published_at,omitempty" format:"date-time"`
	Attempts    int     `json:"attempts"`
	LastError   *string `json:"last_error,omitempty"`
	DeadLetter  bool    `json:"dead_letter"`
}

// NormalizeCategory accepts catalog spellings like "Knowledge Evidence" or "KE".
func NormalizeCategory(in string) string {
	s := strings.ToLower(strings.TrimSpace(in))
	s = strings.NewReplacer(" ", "_", "-", "_", "&", "_", "/", "_").Replace(s)
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	switch s {
	case "ke", "knowledge", "knowledge_evidence":
		return CategoryKnowledgeEvidence
	case "pe", "performance", "performance_evidence":
		return CategoryPerformanceEvidence
	case "fs", "foundation", "foundation_skills":
		return CategoryFoundationSkills
	case "epc", "elements", "elements_criteria", "elements_performance_criteria", "elements_and_performance_criteria", "elements_and_criteria":
		return CategoryElementsCriteria
	case "ac", "assessment", "assessment_conditions":
		return CategoryAssessmentConditions
	}
	return s
}
