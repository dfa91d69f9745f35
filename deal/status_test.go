package deal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmarket/apperr"
)

var allStatuses = []Status{
	StatusMatched, StatusNegotiating, StatusProposed, StatusApproved, StatusInProgress,
	StatusCompleted, StatusRejected, StatusExpired, StatusCancelled, StatusDisputed,
}

func TestTerminalStatusesAdmitNoTransitionOut(t *testing.T) {
	for _, from := range allStatuses {
		if !from.Terminal() {
			continue
		}
		for action, rule := range transitions {
			for _, to := range rule.To {
				if to != from {
					assert.False(t, Permits(action, from, to), "%s: %s -> %s", action, from, to)
				}
			}
		}
	}
}

func TestEveryTargetIsReachable(t *testing.T) {
	for action, rule := range transitions {
		require.NotEmpty(t, rule.From, action)
		require.NotEmpty(t, rule.To, action)
		for _, to := range rule.To {
			assert.Contains(t, allStatuses, to, action)
		}
	}
}

func TestMessagingBlockedAfterFailure(t *testing.T) {
	for _, s := range []Status{StatusRejected, StatusExpired, StatusCancelled} {
		assert.False(t, CanApply(ActionMessage, s), s)
		assert.False(t, CanApply(ActionPropose, s), s)
	}
	for _, s := range []Status{StatusApproved, StatusInProgress} {
		assert.True(t, CanApply(ActionMessage, s), s)
		assert.True(t, Permits(ActionMessage, s, s), s)
		assert.False(t, Permits(ActionMessage, s, StatusNegotiating), "a message must not rewind %s", s)
	}
	assert.True(t, Permits(ActionMessage, StatusMatched, StatusNegotiating))
	assert.True(t, CanApply(ActionPropose, StatusInProgress))
	assert.False(t, CanApply(ActionPropose, StatusDisputed))
}

func TestApprovalOnlyFromProposed(t *testing.T) {
	for _, s := range allStatuses {
		assert.Equal(t, s == StatusProposed, CanApply(ActionApprove, s), s)
		assert.Equal(t, s == StatusProposed, CanApply(ActionReject, s), s)
	}
	assert.True(t, Permits(ActionApprove, StatusProposed, StatusProposed))
	assert.False(t, Permits(ActionReject, StatusProposed, StatusProposed))
}

func TestCancelOnlyBeforeApproval(t *testing.T) {
	for _, s := range allStatuses {
		want := s == StatusMatched || s == StatusNegotiating || s == StatusProposed
		assert.Equal(t, want, CanApply(ActionCancel, s), s)
	}
}

func TestExpirableStatuses(t *testing.T) {
	got := ExpirableStatuses()
	assert.ElementsMatch(t, []Status{StatusMatched, StatusNegotiating, StatusProposed}, got)

	got[0] = StatusCompleted
	assert.NotContains(t, ExpirableStatuses(), StatusCompleted, "callers must not mutate the table")
}

func TestCheckDescribesExpectedState(t *testing.T) {
	err := Check(ActionStart, StatusProposed)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "status is proposed")
	assert.Contains(t, err.Error(), "approved")

	assert.NoError(t, Check(ActionStart, StatusApproved))
	assert.Equal(t, apperr.Validation, apperr.KindOf(Check("teleport", StatusMatched)))
}

func TestDisputeResolutionTargets(t *testing.T) {
	for _, to := range []Status{StatusCompleted, StatusCancelled, StatusInProgress} {
		assert.True(t, Permits(ActionResolveDispute, StatusDisputed, to), to)
	}
	assert.False(t, Permits(ActionResolveDispute, StatusDisputed, StatusDisputed))
	assert.False(t, CanApply(ActionDispute, StatusDisputed))
}
