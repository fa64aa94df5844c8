package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]State{
		{StateRouting, StateAssembling},
		{StateRouting, StatePlanning},
		{StatePlanning, StateAssembling},
		{StatePlanning, StateGenerating},
		{StateGenerating, StateReviewing},
		{StateGenerating, StateSelfHealing},
		{StateReviewing, StateAssembling},
		{StateReviewing, StateAborted},
		{StateAssembling, StateVerifying},
		{StateVerifying, StateDelivered},
		{StateVerifying, StateSelfHealing},
		{StateSelfHealing, StateGenerating},
		{StateGenerating, StateCancelled},
		{StateVerifying, StateCancelled},
	}
	for _, tr := range allowed {
		assert.NoError(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]State{
		{StateRouting, StateGenerating},
		{StateRouting, StateVerifying},
		{StatePlanning, StateReviewing},
		{StateReviewing, StateGenerating},
		{StateAssembling, StateDelivered},
		{StateAssembling, StateSelfHealing},
		{StateSelfHealing, StateAssembling},
		{StateDelivered, StateCancelled},
		{StateAborted, StateRouting},
		{StateCancelled, StateCancelled},
	}
	for _, tr := range denied {
		assert.Error(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestEveryNonTerminalStateCanAbort(t *testing.T) {
	for from := range allowedTransitions {
		assert.False(t, from.Terminal())
		assert.NoError(t, CanTransition(from, StateAborted), from)
		assert.NoError(t, CanTransition(from, StateCancelled), from)
	}
}

func TestState_Outcome(t *testing.T) {
	assert.Equal(t, "DELIVERED", StateDelivered.Outcome())
	assert.Equal(t, "CANCELLED", StateCancelled.Outcome())
	assert.Empty(t, StateVerifying.Outcome())
}
