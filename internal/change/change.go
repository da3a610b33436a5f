// Package change implements the governed lifecycle of a change request to a
// safety-relevant artifact. Transitions are methods on a value: they return
// the next state of the aggregate or a *TransitionError, and never modify the
// receiver.
package change

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

type Status string

const (
	StatusDraft       Status = "Draft"
	StatusSubmitted   Status = "Submitted"
	StatusUnderReview Status = "UnderReview"
	StatusApproved    Status = "Approved"
	StatusRejected    Status = "Rejected"
	StatusImplemented Status = "Implemented"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusImplemented
}

type Type string

const (
	TypeSRSUpdate       Type = "SRSUpdate"
	TypeFunctionModify  Type = "FunctionModify"
	TypeComponentChange Type = "ComponentChange"
	TypeParameterAdjust Type = "ParameterAdjust"
	TypeEvidenceUpdate  Type = "EvidenceUpdate"
	TypeOther           Type = "Other"
)

// Types lists every change type in declaration order.
var Types = []Type{TypeSRSUpdate, TypeFunctionModify, TypeComponentChange, TypeParameterAdjust, TypeEvidenceUpdate, TypeOther}

type Priority string

const (
	PriorityLow      Priority = "Low"
	PriorityMedium   Priority = "Medium"
	PriorityHigh     Priority = "High"
	PriorityCritical Priority = "Critical"
)

// Event actions.
const (
	ActionSubmit        = "submit"
	ActionApproveFirst  = "approve_first"
	ActionApproveSecond = "approve_second"
	ActionReject        = "reject"
	ActionImplement     = "implement"
)

// Event is one immutable entry of the change log.
type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	User        string    `json:"user"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
}

// ChangeRequest is the aggregate. Events only grow, and only through the
// transition methods.
type ChangeRequest struct {
	ID                   string     `json:"id"`
	ProjectID            string     `json:"project_id"`
	Title                string     `json:"title"`
	Description          string     `json:"description,omitempty"`
	Type                 Type       `json:"type"`
	Priority             Priority   `json:"priority"`
	Status               Status     `json:"status"`
	AffectedResource     string     `json:"affected_resource,omitempty"`
	ImpactAnalysis       string     `json:"impact_analysis,omitempty"`
	IsDualReviewRequired bool       `json:"is_dual_review_required"`
	VersionBefore        string     `json:"version_before,omitempty"`
	VersionAfter         string     `json:"version_after,omitempty"`
	CreatedBy            string     `json:"created_by"`
	CreatedAt            time.Time  `json:"created_at"`
	RequestedBy          string     `json:"requested_by,omitempty"`
	SubmittedAt          *time.Time `json:"submitted_at,omitempty"`
	Reviewer1            string     `json:"reviewer1,omitempty"`
	Reviewer1At          *time.Time `json:"reviewer1_at,omitempty"`
	Reviewer1Comment     string     `json:"reviewer1_comment,omitempty"`
	Reviewer2            string     `json:"reviewer2,omitempty"`
	Reviewer2At          *time.Time `json:"reviewer2_at,omitempty"`
	Reviewer2Comment     string     `json:"reviewer2_comment,omitempty"`
	RejectedBy           string     `json:"rejected_by,omitempty"`
	RejectionReason      string     `json:"rejection_reason,omitempty"`
	ApprovedAt           *time.Time `json:"approved_at,omitempty"`
	ImplementedBy        string     `json:"implemented_by,omitempty"`
	ImplementedAt        *time.Time `json:"implemented_at,omitempty"`
	Events               []Event    `json:"events"`
}

var (
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrMissingFirstReview = errors.New("first review missing")
)

// TransitionError reports a rejected operation. It wraps ErrInvalidTransition
// or ErrMissingFirstReview.
type TransitionError struct {
	Op   string
	From Status
	Err  error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s not allowed from %s: %v", e.Op, e.From, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// New builds a Draft change request. Validate should be called before it is
// persisted.
func New(id, projectID, title string, typ Type, priority Priority, createdBy string, at time.Time) ChangeRequest {
	if priority == "" {
		priority = PriorityMedium
	}
	return ChangeRequest{
		ID:        id,
		ProjectID: projectID,
		Title:     title,
		Type:      typ,
		Priority:  priority,
		Status:    StatusDraft,
		CreatedBy: createdBy,
		CreatedAt: at.UTC(),
		Events:    []Event{},
	}
}

// Validate checks the base attributes.
func (c ChangeRequest) Validate() error {
	if strings.TrimSpace(c.Title) == "" {
		return errors.New("title is required")
	}
	if !slices.Contains(Types, c.Type) {
		return fmt.Errorf("invalid change type %q", c.Type)
	}
	switch c.Priority {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
	default:
		return fmt.Errorf("invalid priority %q", c.Priority)
	}
	return nil
}

// Submit moves a Draft request to Submitted.
func (c ChangeRequest) Submit(at time.Time, requester string) (ChangeRequest, error) {
	if c.Status != StatusDraft {
		return c, &TransitionError{Op: ActionSubmit, From: c.Status, Err: ErrInvalidTransition}
	}
	next := c
	ts := next.stamp(at)
	next.Status = StatusSubmitted
	next.RequestedBy = requester
	next.SubmittedAt = &ts
	next.appendEvent(ts, requester, ActionSubmit, describe(prefixSubmit, ""))
	return next, nil
}

// Approve records a review. A first review finishes the workflow unless dual
// review is required; a second review needs a first one and always finishes
// it. Re-running the first review from UnderReview overwrites Reviewer1.
func (c ChangeRequest) Approve(at time.Time, reviewer, comment string, isFirstReviewer bool) (ChangeRequest, error) {
	op := ActionApproveFirst
	if !isFirstReviewer {
		op = ActionApproveSecond
	}
	if c.Status != StatusSubmitted && c.Status != StatusUnderReview {
		return c, &TransitionError{Op: op, From: c.Status, Err: ErrInvalidTransition}
	}
	if !isFirstReviewer && c.Reviewer1 == "" {
		return c, &TransitionError{Op: op, From: c.Status, Err: ErrMissingFirstReview}
	}
	next := c
	ts := next.stamp(at)
	if isFirstReviewer {
		next.Reviewer1 = reviewer
		next.Reviewer1At = &ts
		next.Reviewer1Comment = comment
		if next.IsDualReviewRequired {
			next.Status = StatusUnderReview
		} else {
			next.Status = StatusApproved
			next.ApprovedAt = &ts
		}
		next.appendEvent(ts, reviewer, ActionApproveFirst, describe(prefixApproveFirst, comment))
		return next, nil
	}
	next.Reviewer2 = reviewer
	next.Reviewer2At = &ts
	next.Reviewer2Comment = comment
	next.Status = StatusApproved
	next.ApprovedAt = &ts
	next.appendEvent(ts, reviewer, ActionApproveSecond, describe(prefixApproveSecond, comment))
	return next, nil
}

// Reject ends the workflow from Submitted or UnderReview.
func (c ChangeRequest) Reject(at time.Time, reviewer, reason string) (ChangeRequest, error) {
	if c.Status != StatusSubmitted && c.Status != StatusUnderReview {
		return c, &TransitionError{Op: ActionReject, From: c.Status, Err: ErrInvalidTransition}
	}
	next := c
	ts := next.stamp(at)
	next.Status = StatusRejected
	next.RejectedBy = reviewer
	next.RejectionReason = reason
	next.appendEvent(ts, reviewer, ActionReject, describe(prefixReject, reason))
	return next, nil
}

// Implement marks an Approved change as carried out.
func (c ChangeRequest) Implement(at time.Time, implementer string) (ChangeRequest, error) {
	if c.Status != StatusApproved {
		return c, &TransitionError{Op: ActionImplement, From: c.Status, Err: ErrInvalidTransition}
	}
	next := c
	ts := next.stamp(at)
	next.Status = StatusImplemented
	next.ImplementedBy = implementer
	next.ImplementedAt = &ts
	next.appendEvent(ts, implementer, ActionImplement, describe(prefixImplement, ""))
	return next, nil
}

// stamp keeps event timestamps non-decreasing within one log.
func (c ChangeRequest) stamp(at time.Time) time.Time {
	at = at.UTC()
	if n := len(c.Events); n > 0 && at.Before(c.Events[n-1].Timestamp) {
		return c.Events[n-1].Timestamp
	}
	return at
}

func (c *ChangeRequest) appendEvent(ts time.Time, user, action, desc string) {
	// Clip so the new log never shares a backing array with the receiver's.
	c.Events = append(slices.Clip(c.Events), Event{Timestamp: ts, User: user, Action: action, Description: desc})
}

// LastEvent returns the most recent event, if any.
func (c ChangeRequest) LastEvent() (Event, bool) {
	if len(c.Events) == 0 {
		return Event{}, false
	}
	return c.Events[len(c.Events)-1], true
}

const (
	prefixSubmit        = "Submitted for review"
	prefixApproveFirst  = "First review approved"
	prefixApproveSecond = "Second review approved"
	prefixReject        = "Rejected"
	prefixImplement     = "Implemented"
)

func describe(prefix, text string) string {
	if text == "" {
		return prefix
	}
	return prefix + ": " + text
}

func detail(prefix, desc string) string {
	text, ok := strings.CutPrefix(desc, prefix+": ")
	if !ok {
		return ""
	}
	return text
}
