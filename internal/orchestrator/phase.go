package orchestrator

// Phase is a state of the per-run state machine.
type Phase int

const (
	// PhaseDecide asks the decision maker for the next action
	PhaseDecide Phase = iota
	// PhaseExecute dispatches the chosen tool
	PhaseExecute
	// PhaseRecord appends the step to the context store
	PhaseRecord
	// PhaseReflect consults the reflection cache or the reflector
	PhaseReflect
	// PhaseGuard evaluates the loop guard
	PhaseGuard
	// PhaseDoneSuccess is terminal: the run finalized
	PhaseDoneSuccess
	// PhaseDoneFailure is terminal: the guard stopped the run
	PhaseDoneFailure
	// PhaseDoneAborted is terminal: budget, cancellation or bad input
	PhaseDoneAborted
)

// String returns the phase name
func (p Phase) String() string {
	switch p {
	case PhaseDecide:
		return "DECIDE"
	case PhaseExecute:
		return "EXECUTE"
	case PhaseRecord:
		return "RECORD"
	case PhaseReflect:
		return "REFLECT"
	case PhaseGuard:
		return "GUARD"
	case PhaseDoneSuccess:
		return "DONE_SUCCESS"
	case PhaseDoneFailure:
		return "DONE_FAILURE"
	case PhaseDoneAborted:
		return "DONE_ABORTED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further transitions are possible.
func (p Phase) IsTerminal() bool {
	return p == PhaseDoneSuccess || p == PhaseDoneFailure || p == PhaseDoneAborted
}

// transitions lists the allowed successors of every non-terminal phase.
// Every non-terminal phase may also abort (cancellation at a boundary).
var transitions = map[Phase][]Phase{
	// finalize and undecidable steps skip EXECUTE
	PhaseDecide:  {PhaseExecute, PhaseRecord},
	PhaseExecute: {PhaseRecord},
	PhaseRecord:  {PhaseReflect, PhaseDoneSuccess},
	PhaseReflect: {PhaseGuard},
	PhaseGuard:   {PhaseDecide, PhaseDoneFailure},
}

// CanTransition reports whether the state machine may move from p to next.
func (p Phase) CanTransition(next Phase) bool {
	if p.IsTerminal() {
		return false
	}
	if next == PhaseDoneAborted {
		return true
	}
	for _, allowed := range transitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}
