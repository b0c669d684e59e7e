package server

import (
	"encoding/json"

	"assessline/internal/domain"
)

// Request payloads

type StartSessionRequest struct {
	OrgCode  string `json:"org_code" minLength:"1"`
	UnitCode string `json:"unit_code" minLength:"1"`
}

type RegisterDocumentRequest struct {
	Name       string `json:"name,omitempty"`
	StorageRef string `json:"storage_ref" minLength:"1"`
}

type IndexingStatusRequest struct {
	Status string  `json:"status" enum:"pending,processing,completed,failed,timeout"`
	Error  *string `json:"error,omitempty"`
}

type TriggerRequest struct {
	Source string `json:"source,omitempty" enum:"manual,poll"`
}

// Responses

type SessionResponse struct {
	domain.Session
	Progress float64 `json:"progress"`
}

type SessionStatusResponse struct {
	domain.SessionStatus
	Ready bool `json:"ready"`
}

type TriggerResponse struct {
	SessionID string  `json:"session_id"`
	Source    string  `json:"source"`
	Triggered bool    `json:"triggered"`
	Status    string  `json:"status"`
	Reason    *string `json:"reason,omitempty"`
}

type EventResponse struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts" format:"date-time"`
	Type        string         `json:"type"`
	SessionID   string         `json:"session_id,omitempty"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	PublishedAt *string        `json:"published_at,omitempty" format:"date-time"`
	Attempts    int            `json:"attempts"`
	LastError   *string        `json:"last_error,omitempty"`
	DeadLetter  bool           `json:"dead_letter"`
}

type SessionList struct {
	Items []SessionResponse `json:"items"`
}

type DocumentList struct {
	Items []domain.Document `json:"items"`
}

type OutcomeList struct {
	Items []domain.Outcome `json:"items"`
}

type TriggerLogList struct {
	Items []domain.TriggerLogEntry `json:"items"`
}

type EventList struct {
	Items []EventResponse `json:"items"`
}

type RequirementList struct {
	UnitCode string               `json:"unit_code"`
	Items    []domain.Requirement `json:"items"`
}

func sessionResponse(s domain.Session) SessionResponse {
	return SessionResponse{Session: s, Progress: s.Progress()}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:          e.ID,
		TS:          e.TS,
		Type:        e.Type,
		SessionID:   e.SessionID,
		EntityKind:  e.EntityKind,
		EntityID:    e.EntityID,
		Payload:     decodeJSONMap(e.Payload),
		PublishedAt: e.PublishedAt,
		Attempts:    e.Attempts,
		LastError:   e.LastError,
		DeadLetter:  e.DeadLetter,
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
