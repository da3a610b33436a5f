package domain

import "safeline/internal/safety"

type Project struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status" enum:"active,archived"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Summary sources recorded on an assessment.
const (
	SummaryGenerated = "generated"
	SummaryExternal  = "external"
)

// Assessment is one persisted evaluation run: the checklist as submitted and
// the verdict computed from it.
type Assessment struct {
	ID            string                     `json:"id"`
	ProjectID     string                     `json:"project_id"`
	SystemName    string                     `json:"system_name"`
	Checklist     safety.ComplianceChecklist `json:"checklist"`
	Result        safety.EvaluationResult    `json:"result"`
	SummarySource string                     `json:"summary_source" enum:"generated,external"`
	CreatedBy     string                     `json:"created_by"`
	CreatedAt     string                     `json:"created_at" format:"date-time"`
	UpdatedAt     string                     `json:"updated_at" format:"date-time"`
}
