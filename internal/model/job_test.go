package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to JobStatus }{
		{StatusSubmitted, StatusRouted},
		{StatusSubmitted, StatusRejected},
		{StatusSubmitted, StatusDebited},
		{StatusRouted, StatusDebited},
		{StatusSubmitted, StatusRefunded},
		{StatusRouted, StatusRefunded},
		{StatusDebited, StatusRefunded},
		{StatusDebited, StatusReconciled},
		{StatusRefunded, StatusReconciled},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr.from, tr.to), "%s -> %s should be allowed", tr.from, tr.to)
	}
}

func TestTransitionsNeverMoveBackward(t *testing.T) {
	backward := []struct{ from, to JobStatus }{
		{StatusRouted, StatusSubmitted},
		{StatusRejected, StatusSubmitted},
		{StatusRejected, StatusRouted},
		{StatusDebited, StatusRouted},
		{StatusRefunded, StatusDebited},
		{StatusReconciled, StatusDebited},
		{StatusReconciled, StatusRefunded},
		{StatusReconciled, StatusSubmitted},
	}
	for _, tr := range backward {
		assert.False(t, CanTransition(tr.from, tr.to), "%s -> %s must not be allowed", tr.from, tr.to)
	}
}

func TestTerminalStatesHaveNoExit(t *testing.T) {
	all := []JobStatus{StatusSubmitted, StatusRouted, StatusRejected, StatusDebited, StatusRefunded, StatusReconciled}
	for _, to := range all {
		assert.False(t, CanTransition(StatusRejected, to), "REJECTED -> %s must not be allowed", to)
		assert.False(t, CanTransition(StatusReconciled, to), "RECONCILED -> %s must not be allowed", to)
	}
}

func TestNoRepeatedTransition(t *testing.T) {
	for _, s := range []JobStatus{StatusSubmitted, StatusRouted, StatusRejected, StatusDebited, StatusRefunded, StatusReconciled} {
		assert.False(t, CanTransition(s, s), "%s -> %s must not be allowed", s, s)
	}
}

func TestLedgerIDIsDeterministic(t *testing.T) {
	assert.Equal(t, "j1#debit", LedgerID("j1", OpDebit))
	assert.Equal(t, "j1#refund", LedgerID("j1", OpRefund))
	assert.Equal(t, LedgerID("j1", OpRoute), LedgerID("j1", OpRoute))
}
