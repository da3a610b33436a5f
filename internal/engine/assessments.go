package engine

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"safeline/internal/config"
	"safeline/internal/domain"
	"safeline/internal/events"
	"safeline/internal/repo"
	"safeline/internal/safety"
)

// EvaluateOptions are parameters for one persisted evaluation.
type EvaluateOptions struct {
	ID        string
	ProjectID string
	Checklist safety.ComplianceChecklist
	ActorID   string
}

// Evaluate completes the checklist with the project's catalog, scores it and
// stores checklist and verdict as an assessment.
func (e Engine) Evaluate(ctx context.Context, opts EvaluateOptions) (domain.Assessment, error) {
	start := time.Now()
	if opts.ProjectID == "" {
		return domain.Assessment{}, invalid(errors.New("project is required"))
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Assessment{}, err
	}
	cfg, err := e.ProjectConfig(ctx, opts.ProjectID)
	if err != nil {
		return domain.Assessment{}, err
	}
	checklist := ApplyCatalog(cfg, opts.Checklist)
	result := safety.Evaluate(checklist)

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := repo.FormatTime(e.now())
	a := domain.Assessment{
		ID:            id,
		ProjectID:     opts.ProjectID,
		SystemName:    checklist.SystemName,
		Checklist:     checklist,
		Result:        result,
		SummarySource: domain.SummaryGenerated,
		CreatedBy:     opts.ActorID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assessment{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAssessment(ctx, tx, a); err != nil {
		return domain.Assessment{}, err
	}
	if err := e.audit(ctx, tx, events.Entry{
		Type: events.TypeAssessmentEvaluated, ProjectID: a.ProjectID, EntityKind: events.EntityAssessment, EntityID: a.ID, ActorID: opts.ActorID,
		Payload: events.Payload{
			"system_name":      a.SystemName,
			"is_compliant":     result.IsCompliant,
			"non_conformities": len(result.NonConformities),
		},
	}); err != nil {
		return domain.Assessment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assessment{}, err
	}

	e.Metrics.IncrementAssessment(result.IsCompliant)
	for _, nc := range result.NonConformities {
		e.Metrics.AddNonConformity(nc.Standard)
	}
	e.Metrics.ObserveEvaluateLatency(time.Since(start))
	e.log().InfoContext(ctx, "assessment.evaluated",
		"assessment_id", a.ID, "project_id", a.ProjectID, "system", a.SystemName,
		"compliant", result.IsCompliant, "non_conformities", len(result.NonConformities))
	return a, nil
}

// ApplyCatalog adds every catalog item missing from the checklist as not yet
// completed, and marks submitted items required when the catalog says so.
// Catalog items are appended in code order.
func ApplyCatalog(cfg *config.Config, c safety.ComplianceChecklist) safety.ComplianceChecklist {
	if cfg == nil || len(cfg.Checklist.Catalog) == 0 {
		return c
	}
	items := slices.Clone(c.Items)
	present := make(map[string]int, len(items))
	for i, it := range items {
		present[it.Code] = i
	}
	codes := make([]string, 0, len(cfg.Checklist.Catalog))
	for code := range cfg.Checklist.Catalog {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	for _, code := range codes {
		entry := cfg.Checklist.Catalog[code]
		if i, ok := present[code]; ok {
			items[i].Required = items[i].Required || entry.Required
			if items[i].Title == "" {
				items[i].Title = entry.Title
			}
			continue
		}
		items = append(items, safety.ChecklistItem{Code: code, Title: entry.Title, Required: entry.Required})
	}
	c.Items = items
	return c
}

// SetAssessmentSummary replaces the summary of a stored verdict with an
// externally written one. An empty summary restores the generated text.
func (e Engine) SetAssessmentSummary(ctx context.Context, id, summary, actorID string) (domain.Assessment, error) {
	a, err := e.Repo.GetAssessment(ctx, nil, id)
	if err != nil {
		return domain.Assessment{}, err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		a.Result = a.Result.WithSummary(safety.Evaluate(a.Checklist).Summary)
		a.SummarySource = domain.SummaryGenerated
	} else {
		a.Result = a.Result.WithSummary(summary)
		a.SummarySource = domain.SummaryExternal
	}
	a.UpdatedAt = repo.FormatTime(e.now())

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assessment{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAssessmentResult(ctx, tx, a); err != nil {
		return domain.Assessment{}, err
	}
	if err := e.audit(ctx, tx, events.Entry{
		Type: events.TypeAssessmentSummary, ProjectID: a.ProjectID, EntityKind: events.EntityAssessment, EntityID: a.ID, ActorID: actorID,
		Payload: events.Payload{"summary_source": a.SummarySource},
	}); err != nil {
		return domain.Assessment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assessment{}, err
	}
	return a, nil
}

func (e Engine) GetAssessment(ctx context.Context, id string) (domain.Assessment, error) {
	return e.Repo.GetAssessment(ctx, nil, id)
}

func (e Engine) ListAssessments(ctx context.Context, f repo.AssessmentFilters) ([]domain.Assessment, error) {
	return e.Repo.ListAssessments(ctx, f)
}
