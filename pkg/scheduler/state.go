package scheduler

// State is a scheduler state-machine state.
type State string

const (
	StateIdle       State = "IDLE"
	StatePlanning   State = "PLANNING_BATCH"
	StateFetching   State = "FETCHING_ITEM"
	StateItemPause  State = "ITEM_PAUSE"
	StateBatchBreak State = "BATCH_BREAK"
	StateDone       State = "DONE"
	StateCancelled  State = "CANCELLED"
	StateFailed     State = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled || s == StateFailed
}

// transitions lists the legal successor states. CANCELLED is reachable
// from every non-terminal state and is not repeated here.
var transitions = map[State][]State{
	StateIdle:       {StatePlanning, StateFetching, StateDone, StateFailed},
	StatePlanning:   {StateFetching, StateFailed},
	StateFetching:   {StateItemPause, StateFetching, StateBatchBreak, StateDone, StateFailed},
	StateItemPause:  {StateFetching},
	StateBatchBreak: {StatePlanning, StateDone, StateFailed},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateCancelled {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
