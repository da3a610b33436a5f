package change

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func at(min int) time.Time { return t0.Add(time.Duration(min) * time.Minute) }

func newDual() ChangeRequest {
	c := New("cr-1", "press-4", "Raise light curtain response time", TypeParameterAdjust, PriorityHigh, "alice", t0)
	c.IsDualReviewRequired = true
	return c
}

func TestDualReviewScenario(t *testing.T) {
	c := newDual()

	c, err := c.Submit(at(1), "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, c.Status)
	assert.Len(t, c.Events, 1)

	c, err = c.Approve(at(2), "bob", "ok", true)
	require.NoError(t, err)
	assert.Equal(t, StatusUnderReview, c.Status)
	assert.Len(t, c.Events, 2)
	assert.Nil(t, c.ApprovedAt)

	// A repeated first review from UnderReview is accepted and re-records Reviewer1.
	c, err = c.Approve(at(3), "bob", "ok", true)
	require.NoError(t, err)
	assert.Equal(t, StatusUnderReview, c.Status)
	assert.Equal(t, "bob", c.Reviewer1)
	assert.Equal(t, at(3), *c.Reviewer1At)
	assert.Len(t, c.Events, 3)

	c, err = c.Approve(at(4), "carol", "done", false)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, c.Status)
	require.NotNil(t, c.ApprovedAt)
	assert.Equal(t, "carol", c.Reviewer2)
	assert.Len(t, c.Events, 4)

	c, err = c.Implement(at(5), "dave")
	require.NoError(t, err)
	assert.Equal(t, StatusImplemented, c.Status)
	require.NotNil(t, c.ImplementedAt)
	assert.Len(t, c.Events, 5)

	after, err := c.Approve(at(6), "erin", "late", true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Len(t, after.Events, 5)
	assert.Equal(t, StatusImplemented, after.Status)
}

func TestSingleReviewGoesStraightToApproved(t *testing.T) {
	c := New("cr-2", "p", "Swap contactor", TypeComponentChange, PriorityLow, "alice", t0)
	c, err := c.Submit(at(1), "alice")
	require.NoError(t, err)
	c, err = c.Approve(at(2), "bob", "", true)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, c.Status)
	require.NotNil(t, c.ApprovedAt)
	assert.Equal(t, at(2), *c.ApprovedAt)

	_, err = c.Approve(at(3), "carol", "second", false)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusApproved, te.From)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSecondReviewNeedsFirst(t *testing.T) {
	c, err := newDual().Submit(at(1), "alice")
	require.NoError(t, err)
	got, err := c.Approve(at(2), "carol", "early", false)
	assert.ErrorIs(t, err, ErrMissingFirstReview)
	assert.Equal(t, c, got)
	assert.Len(t, got.Events, 1)
}

func TestInvalidTransitionsLeaveStateUntouched(t *testing.T) {
	draft := newDual()
	_, err := draft.Approve(at(1), "bob", "", true)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = draft.Reject(at(1), "bob", "no")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = draft.Implement(at(1), "bob")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	sub, err := draft.Submit(at(1), "alice")
	require.NoError(t, err)
	_, err = sub.Submit(at(2), "alice")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = sub.Implement(at(2), "dave")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	rej, err := sub.Reject(at(2), "bob", "insufficient impact analysis")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rej.Status)
	assert.True(t, rej.Status.Terminal())
	for _, fn := range []func() (ChangeRequest, error){
		func() (ChangeRequest, error) { return rej.Submit(at(3), "alice") },
		func() (ChangeRequest, error) { return rej.Approve(at(3), "bob", "", true) },
		func() (ChangeRequest, error) { return rej.Reject(at(3), "bob", "") },
		func() (ChangeRequest, error) { return rej.Implement(at(3), "dave") },
	} {
		got, err := fn()
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Len(t, got.Events, 2)
	}
}

func TestTransitionsDoNotAliasEventLog(t *testing.T) {
	sub, err := newDual().Submit(at(1), "alice")
	require.NoError(t, err)
	a, err := sub.Approve(at(2), "bob", "a", true)
	require.NoError(t, err)
	b, err := sub.Reject(at(2), "bob", "b")
	require.NoError(t, err)
	assert.Len(t, sub.Events, 1)
	assert.Equal(t, ActionApproveFirst, a.Events[1].Action)
	assert.Equal(t, ActionReject, b.Events[1].Action)
}

func TestTimestampsNonDecreasing(t *testing.T) {
	c, err := newDual().Submit(at(10), "alice")
	require.NoError(t, err)
	c, err = c.Approve(at(5), "bob", "", true)
	require.NoError(t, err)
	assert.Equal(t, at(10), c.Events[1].Timestamp)
	assert.False(t, c.Events[1].Timestamp.Before(c.Events[0].Timestamp))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, newDual().Validate())
	bad := newDual()
	bad.Title = " "
	assert.Error(t, bad.Validate())
	bad = newDual()
	bad.Type = "Refactor"
	assert.Error(t, bad.Validate())
	bad = newDual()
	bad.Priority = "Urgent"
	assert.Error(t, bad.Validate())
}

func TestReplayReproducesState(t *testing.T) {
	c := newDual()
	c.AffectedResource = "srs/v3"
	c.VersionBefore = "3.1"
	c.VersionAfter = "3.2"
	var err error
	c, err = c.Submit(at(1), "alice")
	require.NoError(t, err)
	c, err = c.Approve(at(2), "bob", "looks fine: verified", true)
	require.NoError(t, err)
	c, err = c.Approve(at(3), "carol", "", false)
	require.NoError(t, err)
	c, err = c.Implement(at(4), "dave")
	require.NoError(t, err)

	raw, err := json.Marshal(c)
	require.NoError(t, err)
	var loaded ChangeRequest
	require.NoError(t, json.Unmarshal(raw, &loaded))

	replayed, err := Replay(loaded, loaded.Events)
	require.NoError(t, err)
	again, err := json.Marshal(replayed)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(again))
	assert.Equal(t, string(raw), string(again))
}

func TestReplayRejectsCorruptLog(t *testing.T) {
	c := newDual()
	_, err := Replay(c, []Event{{Timestamp: at(1), User: "bob", Action: ActionImplement, Description: prefixImplement}})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = Replay(c, []Event{{Timestamp: at(1), User: "alice", Action: "escalate"}})
	assert.Error(t, err)

	_, err = Replay(c, []Event{{Timestamp: at(1), User: "alice", Action: ActionSubmit, Description: "tampered"}})
	assert.Error(t, err)
}

func TestApplyDispatch(t *testing.T) {
	c, err := Apply(newDual(), at(1), ActionSubmit, "alice", "")
	require.NoError(t, err)
	c, err = Apply(c, at(2), ActionReject, "bob", "out of scope")
	require.NoError(t, err)
	assert.Equal(t, "out of scope", c.RejectionReason)
	_, err = Apply(c, at(3), "bogus", "bob", "")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidTransition))
}

func TestLockerSerializesFirstReview(t *testing.T) {
	var (
		locker Locker
		wg     sync.WaitGroup
		mu     sync.Mutex
		ok     int
	)
	store := map[string]ChangeRequest{}
	sub, err := New("cr-9", "p", "t", TypeOther, PriorityLow, "alice", t0).Submit(at(1), "alice")
	require.NoError(t, err)
	store["cr-9"] = sub

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locker.Lock("cr-9")
			defer unlock()
			cur := store["cr-9"]
			next, err := cur.Approve(at(2), "bob", "", true)
			if err != nil {
				return
			}
			store["cr-9"] = next
			mu.Lock()
			ok++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Len(t, store["cr-9"].Events, 2)
	assert.Empty(t, locker.locks)
}
