package change

import (
	"fmt"
	"time"
)

// Base returns the request as it was created: Draft, with no review data and
// an empty log.
func (c ChangeRequest) Base() ChangeRequest {
	return ChangeRequest{
		ID:                   c.ID,
		ProjectID:            c.ProjectID,
		Title:                c.Title,
		Description:          c.Description,
		Type:                 c.Type,
		Priority:             c.Priority,
		Status:               StatusDraft,
		AffectedResource:     c.AffectedResource,
		ImpactAnalysis:       c.ImpactAnalysis,
		IsDualReviewRequired: c.IsDualReviewRequired,
		VersionBefore:        c.VersionBefore,
		VersionAfter:         c.VersionAfter,
		CreatedBy:            c.CreatedBy,
		CreatedAt:            c.CreatedAt,
		Events:               []Event{},
	}
}

// Replay re-applies a log to base and returns the resulting aggregate. Every
// event must be accepted by the state machine and reproduce itself exactly.
func Replay(base ChangeRequest, events []Event) (ChangeRequest, error) {
	cur := base.Base()
	for i, ev := range events {
		next, err := apply(cur, ev)
		if err != nil {
			return cur, fmt.Errorf("replay event %d (%s): %w", i, ev.Action, err)
		}
		got, _ := next.LastEvent()
		if !sameEvent(got, ev) {
			return cur, fmt.Errorf("replay event %d (%s): log diverges from recorded event", i, ev.Action)
		}
		cur = next
	}
	return cur, nil
}

var prefixes = map[string]string{
	ActionSubmit:        prefixSubmit,
	ActionApproveFirst:  prefixApproveFirst,
	ActionApproveSecond: prefixApproveSecond,
	ActionReject:        prefixReject,
	ActionImplement:     prefixImplement,
}

func apply(c ChangeRequest, ev Event) (ChangeRequest, error) {
	return Apply(c, ev.Timestamp, ev.Action, ev.User, detail(prefixes[ev.Action], ev.Description))
}

func sameEvent(a, b Event) bool {
	return a.Timestamp.Equal(b.Timestamp) && a.User == b.User && a.Action == b.Action && a.Description == b.Description
}

// Apply runs the named action with the given arguments. It is the single
// dispatch point used by transports that receive an action name.
func Apply(c ChangeRequest, at time.Time, action, user, text string) (ChangeRequest, error) {
	switch action {
	case ActionSubmit:
		return c.Submit(at, user)
	case ActionApproveFirst:
		return c.Approve(at, user, text, true)
	case ActionApproveSecond:
		return c.Approve(at, user, text, false)
	case ActionReject:
		return c.Reject(at, user, text)
	case ActionImplement:
		return c.Implement(at, user)
	default:
		return c, fmt.Errorf("unknown action %q", action)
	}
}
