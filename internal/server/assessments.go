package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"safeline/internal/domain"
	"safeline/internal/engine"
	"safeline/internal/repo"
	"safeline/internal/safety"
)

type assessmentOutput struct {
	Body domain.Assessment `json:"body"`
}

// AssessmentPathInput addresses one stored assessment of a project.
type AssessmentPathInput struct {
	ProjectID    string `path:"project_id"`
	AssessmentID string `path:"assessment_id"`
}

func assessmentInProject(ctx context.Context, e engine.Engine, projectID, id string) (domain.Assessment, error) {
	a, err := e.GetAssessment(ctx, id)
	if err != nil {
		return domain.Assessment{}, err
	}
	if a.ProjectID != projectID {
		return domain.Assessment{}, fmt.Errorf("assessment %s: %w", id, repo.ErrNotFound)
	}
	return a, nil
}

func registerSafety(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "score-risk",
		Method:      http.MethodPost,
		Path:        "/safety/risk",
		Summary:     "Score a hazard on the ISO 12100 risk matrix",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RiskRequest `json:"body"`
	}) (*struct {
		Body RiskResponse `json:"body"`
	}, error) {
		return &struct {
			Body RiskResponse `json:"body"`
		}{Body: riskResponse(input.Body)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "estimate-pl",
		Method:      http.MethodPost,
		Path:        "/safety/pl",
		Summary:     "Estimate the ISO 13849-1 performance level",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body PLRequest `json:"body"`
	}) (*struct {
		Body PLResponse `json:"body"`
	}, error) {
		a, err := plAssessment(input.Body)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body PLResponse `json:"body"`
		}{Body: plResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-sil",
		Method:      http.MethodPost,
		Path:        "/safety/sil",
		Summary:     "Compute PFHd and achieved SIL of a safety function",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body safety.SafetyFunction `json:"body"`
	}) (*struct {
		Body safety.SILResult `json:"body"`
	}, error) {
		return &struct {
			Body safety.SILResult `json:"body"`
		}{Body: safety.EvaluateFunction(input.Body)}, nil
	})
}

func registerAssessments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-assessment",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/assessments",
		Summary:       "Evaluate a compliance checklist and store the verdict",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string                     `path:"project_id"`
		Body      safety.ComplianceChecklist `json:"body"`
	}) (*assessmentOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Evaluate(ctx, engine.EvaluateOptions{
			ProjectID: input.ProjectID,
			Checklist: input.Body,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &assessmentOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assessments",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/assessments",
		Summary:     "List assessments",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Compliant string `query:"compliant" enum:"true,false"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedAssessments `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filter := repo.AssessmentFilters{
			ProjectID:       input.ProjectID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		}
		if input.Compliant != "" {
			v, err := strconv.ParseBool(input.Compliant)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid compliant filter", nil)
			}
			filter.Compliant = &v
		}
		items, err := e.ListAssessments(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedAssessments{}
		if len(items) > limit {
			items = items[:limit]
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		resp.Items = nonNilSlice(items)
		return &struct {
			Body paginatedAssessments `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-assessment",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/assessments/{assessment_id}",
		Summary:     "Get assessment",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *AssessmentPathInput) (*assessmentOutput, error) {
		a, err := assessmentInProject(ctx, e, input.ProjectID, input.AssessmentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &assessmentOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-assessment-summary",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/assessments/{assessment_id}/summary",
		Summary:     "Replace the summary of an assessment",
		Description: "An empty summary restores the generated text. The verdict is never changed.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		AssessmentPathInput
		Body SummaryRequest `json:"body"`
	}) (*assessmentOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := assessmentInProject(ctx, e, input.ProjectID, input.AssessmentID); err != nil {
			return nil, handleError(err)
		}
		a, err := e.SetAssessmentSummary(ctx, input.AssessmentID, input.Body.Summary, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &assessmentOutput{Body: a}, nil
	})
}
