package orchestrator

import "fmt"

// State is a node of the run state machine.
type State string

const (
	StateRouting     State = "ROUTING"
	StatePlanning    State = "PLANNING"
	StateGenerating  State = "GENERATING"
	StateReviewing   State = "REVIEWING"
	StateAssembling  State = "ASSEMBLING"
	StateVerifying   State = "VERIFYING"
	StateSelfHealing State = "SELF_HEALING"
	StateDelivered   State = "DELIVERED"
	StateAborted     State = "ABORTED"
	StateCancelled   State = "CANCELLED"
)

// allowedTransitions is the complete move table. CANCELLED is reachable from
// every non-terminal state and is added in CanTransition.
var allowedTransitions = map[State][]State{
	StateRouting:     {StateAssembling, StatePlanning, StateAborted},
	StatePlanning:    {StateAssembling, StateGenerating, StateAborted},
	StateGenerating:  {StateReviewing, StateSelfHealing, StateAborted},
	StateReviewing:   {StateAssembling, StateAborted},
	StateAssembling:  {StateVerifying, StateAborted},
	StateVerifying:   {StateDelivered, StateSelfHealing, StateAborted},
	StateSelfHealing: {StateGenerating, StateAborted},
}

// Terminal reports whether no further stage call may follow s.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateAborted || s == StateCancelled
}

// CanTransition checks a move against the table.
func CanTransition(from, to State) error {
	if from.Terminal() {
		return fmt.Errorf("cannot leave terminal state %s", from)
	}
	if to == StateCancelled {
		return nil
	}
	for _, s := range allowedTransitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("transition %s -> %s is not allowed", from, to)
}

// Outcome is the terminal label stored with a run.
func (s State) Outcome() string {
	if !s.Terminal() {
		return ""
	}
	return string(s)
}
