// Package auth holds the actor rules the engine enforces on top of the change
// state machine.
package auth

import (
	"fmt"

	"safeline/internal/change"
)

// ForbiddenError indicates that an actor may not perform an action.
type ForbiddenError struct {
	Rule   string
	Action string
	Actor  string
	Reason string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("%s: %s may not %s: %s", e.Rule, e.Actor, e.Action, e.Reason)
}

const RuleSeparationOfDuties = "separation_of_duties"

// CheckSeparation reports whether actor may perform action on c when reviews
// must be independent: a reviewer is never the requester, and the two
// reviewers of a dual review are different people. Actions other than
// reviews are always allowed.
func CheckSeparation(c change.ChangeRequest, action, actor string) error {
	deny := func(reason string) error {
		return ForbiddenError{Rule: RuleSeparationOfDuties, Action: action, Actor: actor, Reason: reason}
	}
	switch action {
	case change.ActionApproveFirst, change.ActionApproveSecond, change.ActionReject:
	default:
		return nil
	}
	requester := c.RequestedBy
	if requester == "" {
		requester = c.CreatedBy
	}
	if actor == requester {
		return deny("reviewer is the requester")
	}
	if action == change.ActionApproveSecond && actor == c.Reviewer1 {
		return deny("second reviewer is the first reviewer")
	}
	return nil
}
