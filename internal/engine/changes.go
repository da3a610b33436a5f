package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"safeline/internal/change"
	"safeline/internal/engine/auth"
	"safeline/internal/events"
	"safeline/internal/repo"
)

// ChangeCreateOptions are parameters for creating a change request.
type ChangeCreateOptions struct {
	ID               string
	ProjectID        string
	Title            string
	Description      string
	Type             change.Type
	Priority         change.Priority
	AffectedResource string
	ImpactAnalysis   string
	VersionBefore    string
	VersionAfter     string
	// DualReview overrides the project default for the change type.
	DualReview *bool
	ActorID    string
}

// CreateChange stores a new Draft change request.
func (e Engine) CreateChange(ctx context.Context, opts ChangeCreateOptions) (change.ChangeRequest, error) {
	if opts.ProjectID == "" {
		return change.ChangeRequest{}, invalid(errors.New("project is required"))
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return change.ChangeRequest{}, err
	}
	cfg, err := e.ProjectConfig(ctx, opts.ProjectID)
	if err != nil {
		return change.ChangeRequest{}, err
	}
	if opts.Type == "" {
		opts.Type = change.TypeOther
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	c := change.New(id, opts.ProjectID, strings.TrimSpace(opts.Title), opts.Type, opts.Priority, opts.ActorID, e.now())
	c.Description = opts.Description
	c.AffectedResource = opts.AffectedResource
	c.ImpactAnalysis = opts.ImpactAnalysis
	c.VersionBefore = opts.VersionBefore
	c.VersionAfter = opts.VersionAfter
	c.IsDualReviewRequired = cfg.RequiresDualReview(c.Type)
	if opts.DualReview != nil {
		c.IsDualReviewRequired = *opts.DualReview
	}
	if err := c.Validate(); err != nil {
		return change.ChangeRequest{}, invalid(err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return change.ChangeRequest{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetChange(ctx, tx, id); err == nil {
		return change.ChangeRequest{}, invalid(fmt.Errorf("change request %s already exists", id))
	} else if !errors.Is(err, repo.ErrNotFound) {
		return change.ChangeRequest{}, err
	}
	if err := e.Repo.SaveChange(ctx, tx, c, e.now()); err != nil {
		return change.ChangeRequest{}, err
	}
	if err := e.audit(ctx, tx, events.Entry{
		Type: events.TypeChangeCreated, ProjectID: c.ProjectID, EntityKind: events.EntityChange, EntityID: c.ID, ActorID: opts.ActorID,
		Payload: events.Payload{"title": c.Title, "type": c.Type, "priority": c.Priority, "dual_review": c.IsDualReviewRequired},
	}); err != nil {
		return change.ChangeRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return change.ChangeRequest{}, err
	}
	e.log().InfoContext(ctx, "change.created", "change_id", c.ID, "project_id", c.ProjectID, "type", c.Type, "dual_review", c.IsDualReviewRequired)
	return c, nil
}

// TransitionOptions names one state machine action on a change request.
type TransitionOptions struct {
	ChangeID string
	Action   string
	ActorID  string
	// Text is the review comment or the rejection reason.
	Text string
}

// TransitionChange applies one action under the per-request lock: load,
// check actor rules, apply, append the new event, audit.
func (e Engine) TransitionChange(ctx context.Context, opts TransitionOptions) (change.ChangeRequest, error) {
	if opts.ActorID == "" {
		return change.ChangeRequest{}, invalid(errors.New("actor is required"))
	}
	unlock := e.locks().Lock(opts.ChangeID)
	defer unlock()

	c, err := e.Repo.GetChange(ctx, nil, opts.ChangeID)
	if err != nil {
		return change.ChangeRequest{}, err
	}
	next, err := e.transition(ctx, c, opts)
	if err != nil {
		e.Metrics.IncrementTransition(opts.Action, transitionResult(err))
		e.log().WarnContext(ctx, "change.transition_refused",
			"change_id", c.ID, "action", opts.Action, "from", c.Status, "actor", opts.ActorID, "error", err)
		return c, err
	}
	e.Metrics.IncrementTransition(opts.Action, "ok")
	e.log().InfoContext(ctx, "change.transition",
		"change_id", c.ID, "action", opts.Action, "from", c.Status, "to", next.Status, "actor", opts.ActorID)
	return next, nil
}

func (e Engine) transition(ctx context.Context, c change.ChangeRequest, opts TransitionOptions) (change.ChangeRequest, error) {
	cfg, err := e.ProjectConfig(ctx, c.ProjectID)
	if err != nil {
		return c, err
	}
	if cfg.SeparationOfDuties() {
		if err := auth.CheckSeparation(c, opts.Action, opts.ActorID); err != nil {
			return c, err
		}
	}
	next, err := change.Apply(c, e.now(), opts.Action, opts.ActorID, opts.Text)
	if err != nil {
		var te *change.TransitionError
		if errors.As(err, &te) {
			return c, err
		}
		return c, invalid(err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if err := e.Repo.SaveChange(ctx, tx, next, e.now()); err != nil {
		return c, err
	}
	ev, _ := next.LastEvent()
	if err := e.audit(ctx, tx, events.Entry{
		Type: events.TypeChangeTransitioned, ProjectID: c.ProjectID, EntityKind: events.EntityChange, EntityID: c.ID, ActorID: opts.ActorID,
		Payload: events.Payload{"action": opts.Action, "from": c.Status, "to": next.Status, "description": ev.Description},
	}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return next, nil
}

func transitionResult(err error) string {
	var (
		te *change.TransitionError
		fe auth.ForbiddenError
	)
	if errors.As(err, &te) || errors.As(err, &fe) || errors.Is(err, ErrInvalidInput) {
		return "rejected"
	}
	return "error"
}

func (e Engine) SubmitChange(ctx context.Context, id, actorID string) (change.ChangeRequest, error) {
	return e.TransitionChange(ctx, TransitionOptions{ChangeID: id, Action: change.ActionSubmit, ActorID: actorID})
}

// ApproveChange records a review. isFirstReviewer selects the first review;
// false records the second review of a dual-review change.
func (e Engine) ApproveChange(ctx context.Context, id, actorID, comment string, isFirstReviewer bool) (change.ChangeRequest, error) {
	action := change.ActionApproveSecond
	if isFirstReviewer {
		action = change.ActionApproveFirst
	}
	return e.TransitionChange(ctx, TransitionOptions{ChangeID: id, Action: action, ActorID: actorID, Text: comment})
}

func (e Engine) RejectChange(ctx context.Context, id, actorID, reason string) (change.ChangeRequest, error) {
	return e.TransitionChange(ctx, TransitionOptions{ChangeID: id, Action: change.ActionReject, ActorID: actorID, Text: reason})
}

func (e Engine) ImplementChange(ctx context.Context, id, actorID string) (change.ChangeRequest, error) {
	return e.TransitionChange(ctx, TransitionOptions{ChangeID: id, Action: change.ActionImplement, ActorID: actorID})
}

func (e Engine) GetChange(ctx context.Context, id string) (change.ChangeRequest, error) {
	return e.Repo.GetChange(ctx, nil, id)
}

func (e Engine) ListChanges(ctx context.Context, f repo.ChangeFilters) ([]change.ChangeRequest, error) {
	return e.Repo.ListChanges(ctx, f)
}

// ErrReplayMismatch is returned when a stored change request differs from
// the state its own event log produces.
var ErrReplayMismatch = errors.New("stored state differs from replayed log")

// ReplayChange rebuilds a change request from its base attributes and event
// log and checks the result against the stored state.
func (e Engine) ReplayChange(ctx context.Context, id string) (change.ChangeRequest, error) {
	stored, err := e.Repo.GetChange(ctx, nil, id)
	if err != nil {
		return change.ChangeRequest{}, err
	}
	replayed, err := change.Replay(stored, stored.Events)
	if err != nil {
		return replayed, err
	}
	want, err := json.Marshal(stored)
	if err != nil {
		return replayed, err
	}
	got, err := json.Marshal(replayed)
	if err != nil {
		return replayed, err
	}
	if string(want) != string(got) {
		return replayed, fmt.Errorf("change %s: %w", id, ErrReplayMismatch)
	}
	return replayed, nil
}
