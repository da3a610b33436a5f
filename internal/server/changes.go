package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"safeline/internal/change"
	"safeline/internal/engine"
	"safeline/internal/repo"
)

type changeOutput struct {
	Body change.ChangeRequest `json:"body"`
}

// ChangePathInput addresses one change request of a project.
type ChangePathInput struct {
	ProjectID string `path:"project_id"`
	ChangeID  string `path:"change_id"`
}

var transitionErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

// changeInProject loads the change and hides it when it belongs to another
// project.
func changeInProject(ctx context.Context, e engine.Engine, projectID, changeID string) (change.ChangeRequest, error) {
	c, err := e.GetChange(ctx, changeID)
	if err != nil {
		return change.ChangeRequest{}, err
	}
	if c.ProjectID != projectID {
		return change.ChangeRequest{}, fmt.Errorf("change %s: %w", changeID, repo.ErrNotFound)
	}
	return c, nil
}

func registerChanges(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-change",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/changes",
		Summary:       "Create change request",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      ChangeCreateRequest `json:"body"`
	}) (*changeOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateChange(ctx, engine.ChangeCreateOptions{
			ID:               input.Body.ID,
			ProjectID:        input.ProjectID,
			Title:            input.Body.Title,
			Description:      input.Body.Description,
			Type:             change.Type(input.Body.Type),
			Priority:         change.Priority(input.Body.Priority),
			AffectedResource: input.Body.AffectedResource,
			ImpactAnalysis:   input.Body.ImpactAnalysis,
			VersionBefore:    input.Body.VersionBefore,
			VersionAfter:     input.Body.VersionAfter,
			DualReview:       input.Body.DualReview,
			ActorID:          actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &changeOutput{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-changes",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/changes",
		Summary:     "List change requests",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status" enum:"Draft,Submitted,UnderReview,Approved,Rejected,Implemented"`
		Type      string `query:"type" enum:"SRSUpdate,FunctionModify,ComponentChange,ParameterAdjust,EvidenceUpdate,Other"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedChanges `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListChanges(ctx, repo.ChangeFilters{
			ProjectID:       input.ProjectID,
			Status:          input.Status,
			Type:            input.Type,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedChanges{Items: []change.ChangeRequest{}}
		if len(items) > limit {
			items = items[:limit]
			last := items[limit-1]
			resp.NextCursor = composeCursor(repo.FormatTime(last.CreatedAt), last.ID)
		}
		resp.Items = nonNilSlice(items)
		return &struct {
			Body paginatedChanges `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-change",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/changes/{change_id}",
		Summary:     "Get change request with its event log",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *ChangePathInput) (*changeOutput, error) {
		c, err := changeInProject(ctx, e, input.ProjectID, input.ChangeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &changeOutput{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-change",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/changes/{change_id}/submit",
		Summary:     "Submit a draft change for review",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *ChangePathInput) (*changeOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := changeInProject(ctx, e, input.ProjectID, input.ChangeID); err != nil {
			return nil, handleError(err)
		}
		c, err := e.SubmitChange(ctx, input.ChangeID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &changeOutput{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-change",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/changes/{change_id}/approve",
		Summary:     "Record a review approval",
		Description: "Set second=true to record the second review of a dual-review change.",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ChangePathInput
		Body ApproveRequest `json:"body"`
	}) (*changeOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := changeInProject(ctx, e, input.ProjectID, input.ChangeID); err != nil {
			return nil, handleError(err)
		}
		c, err := e.ApproveChange(ctx, input.ChangeID, actorID, input.Body.Comment, !input.Body.Second)
		if err != nil {
			return nil, handleError(err)
		}
		return &changeOutput{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-change",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/changes/{change_id}/reject",
		Summary:     "Reject a change under review",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ChangePathInput
		Body RejectRequest `json:"body"`
	}) (*changeOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := changeInProject(ctx, e, input.ProjectID, input.ChangeID); err != nil {
			return nil, handleError(err)
		}
		c, err := e.RejectChange(ctx, input.ChangeID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &changeOutput{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "implement-change",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/changes/{change_id}/implement",
		Summary:     "Mark an approved change as implemented",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *ChangePathInput) (*changeOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := changeInProject(ctx, e, input.ProjectID, input.ChangeID); err != nil {
			return nil, handleError(err)
		}
		c, err := e.ImplementChange(ctx, input.ChangeID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &changeOutput{Body: c}, nil
	})
}
