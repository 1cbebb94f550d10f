package domain

import "time"

type TriggerState string

const (
	TriggerStateScheduled TriggerState = "scheduled"
	TriggerStateDue       TriggerState = "due"
	TriggerStateFiring    TriggerState = "firing"
	TriggerStateCompleted TriggerState = "completed"
	TriggerStateMisfired  TriggerState = "misfired"
	TriggerStateCancelled TriggerState = "cancelled"
)

var triggerTransitions = map[TriggerState][]TriggerState{
	TriggerStateScheduled: {TriggerStateDue, TriggerStateCancelled},
	TriggerStateDue:       {TriggerStateFiring, TriggerStateMisfired, TriggerStateCancelled},
	TriggerStateFiring:    {TriggerStateCompleted, TriggerStateMisfired, TriggerStateCancelled},
	TriggerStateCompleted: {TriggerStateScheduled, TriggerStateCancelled},
	TriggerStateMisfired:  {TriggerStateScheduled, TriggerStateCancelled},
}

// CanTransitionTo reports whether the state machine allows s -> next.
// Cancelled is terminal.
func (s TriggerState) CanTransitionTo(next TriggerState) bool {
	for _, allowed := range triggerTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TriggerStatus is a read-only snapshot of a trigger's runtime state.
type TriggerStatus struct {
	TriggerID   string
	Schedule    string
	State       TriggerState
	NextFireAt  time.Time
	LastFiredAt time.Time
	LastMisfire time.Time
	Fired       int
	Misfires    int
}
