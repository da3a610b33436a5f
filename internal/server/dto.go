package server

import (
	"encoding/json"

	"safeline/internal/change"
	"safeline/internal/domain"
	"safeline/internal/safety"
)

type RiskRequest struct {
	Hazard    string `json:"hazard,omitempty" doc:"Hazard being scored"`
	Severity  int    `json:"severity" minimum:"1" maximum:"4"`
	Frequency int    `json:"frequency" minimum:"1" maximum:"4"`
	Avoidance int    `json:"avoidance" minimum:"1" maximum:"4"`
}

type RiskResponse struct {
	Hazard         string           `json:"hazard,omitempty"`
	Score          int              `json:"score"`
	Level          safety.RiskLevel `json:"level" enum:"Low,Medium,High,Extreme"`
	Recommendation string           `json:"recommendation"`
}

type PLRequest struct {
	RequiredPL          string  `json:"required_pl" example:"PLd"`
	Category            string  `json:"category" example:"3"`
	DCavg               float64 `json:"dc_avg" minimum:"0" maximum:"1"`
	MTTFd               float64 `json:"mttfd_hours" minimum:"0"`
	CCFScore            int     `json:"ccf_score" minimum:"0" maximum:"100"`
	ValidationPerformed bool    `json:"validation_performed"`
}

type PLResponse struct {
	AchievedPL       safety.PerformanceLevel `json:"achieved_pl"`
	RequiredPL       safety.PerformanceLevel `json:"required_pl"`
	Score            int                     `json:"score"`
	MTTFdClass       safety.Class            `json:"mttfd_class"`
	DCClass          safety.Class            `json:"dc_class"`
	MeetsRequirement bool                    `json:"meets_requirement"`
	Shortfalls       []safety.PLShortfall    `json:"shortfalls"`
}

type ChangeCreateRequest struct {
	ID               string `json:"id,omitempty"`
	Title            string `json:"title" minLength:"1"`
	Description      string `json:"description,omitempty"`
	Type             string `json:"type,omitempty" enum:"SRSUpdate,FunctionModify,ComponentChange,ParameterAdjust,EvidenceUpdate,Other"`
	Priority         string `json:"priority,omitempty" enum:"Low,Medium,High,Critical"`
	AffectedResource string `json:"affected_resource,omitempty"`
	ImpactAnalysis   string `json:"impact_analysis,omitempty"`
	VersionBefore    string `json:"version_before,omitempty"`
	VersionAfter     string `json:"version_after,omitempty"`
	DualReview       *bool  `json:"dual_review,omitempty" doc:"Overrides the project default for the change type"`
}

type ApproveRequest struct {
	Comment string `json:"comment,omitempty"`
	Second  bool   `json:"second,omitempty" doc:"Record the second review of a dual-review change"`
}

type RejectRequest struct {
	Reason string `json:"reason" minLength:"1"`
}

type SummaryRequest struct {
	Summary string `json:"summary" doc:"Replacement summary; empty restores the generated one"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id" minLength:"1"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedChanges struct {
	Items      []change.ChangeRequest `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

type paginatedAssessments struct {
	Items      []domain.Assessment `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func riskResponse(req RiskRequest) RiskResponse {
	a := safety.ISO12100Assessment{
		Hazard:    req.Hazard,
		Severity:  safety.Severity(req.Severity),
		Frequency: safety.Frequency(req.Frequency),
		Avoidance: safety.Avoidance(req.Avoidance),
	}
	score, level := a.Score()
	return RiskResponse{Hazard: req.Hazard, Score: score, Level: level, Recommendation: level.Recommendation()}
}

func plAssessment(req PLRequest) (safety.ISO13849Assessment, error) {
	required, err := safety.ParsePL(req.RequiredPL)
	if err != nil {
		return safety.ISO13849Assessment{}, err
	}
	category, err := safety.ParseCategory(req.Category)
	if err != nil {
		return safety.ISO13849Assessment{}, err
	}
	return safety.ISO13849Assessment{
		RequiredPL:          required,
		Category:            category,
		DCavg:               req.DCavg,
		MTTFd:               req.MTTFd,
		CCFScore:            req.CCFScore,
		ValidationPerformed: req.ValidationPerformed,
	}, nil
}

func plResponse(a safety.ISO13849Assessment) PLResponse {
	return PLResponse{
		AchievedPL:       safety.AchievedPL(a),
		RequiredPL:       a.RequiredPL,
		Score:            safety.PLScore(a),
		MTTFdClass:       safety.MTTFdClass(a.MTTFd),
		DCClass:          safety.DCClass(a.DCavg),
		MeetsRequirement: safety.MeetsRequirement(a),
		Shortfalls:       nonNilSlice(safety.Shortfalls(a)),
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
