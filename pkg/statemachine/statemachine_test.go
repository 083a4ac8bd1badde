package statemachine_test

import (
	"testing"
	"time"

	"github.com/cuemby/sokovan/pkg/domain"
	"github.com/cuemby/sokovan/pkg/schederr"
	"github.com/cuemby/sokovan/pkg/statemachine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvanceSessionLegal(t *testing.T) {
	s := &domain.Session{ID: "sess-1", Status: domain.SessionStatusPending}
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)

	require.NoError(t, statemachine.AdvanceSession(s, domain.SessionStatusScheduled, "allocated", now))
	assert.Equal(t, domain.SessionStatusScheduled, s.Status)
	require.Len(t, s.StatusHistory, 1)
	assert.Equal(t, "allocated", s.StatusHistory[0].Reason)
}

func TestAdvanceSessionIllegal(t *testing.T) {
	s := &domain.Session{ID: "sess-1", Status: domain.SessionStatusTerminated}
	err := statemachine.AdvanceSession(s, domain.SessionStatusRunning, "bogus", time.Now())
	require.Error(t, err)
	assert.True(t, schederr.Is(err, schederr.CodeInvalidTransition))
	assert.Empty(t, s.StatusHistory)
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, statemachine.IsTerminal(domain.SessionStatusTerminated))
	assert.True(t, statemachine.IsTerminal(domain.SessionStatusCancelled))
	assert.False(t, statemachine.IsTerminal(domain.SessionStatusRunning))
}
