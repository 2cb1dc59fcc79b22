package gate

// State is a request's position in the pipeline. Transitions are enforced by
// CanTransition; the controller never moves a request along an edge the
// table does not contain.
type State string

const (
	StateSubmitted       State = "submitted"
	StateStaticAnalyzing State = "static_analyzing"
	StateSandboxTesting  State = "sandbox_testing"
	StateDeciding        State = "deciding"
	// StateBlocked terminates units static analysis refuses outright; they
	// skip the deciding stage because no dynamic evidence can exist for them.
	StateBlocked            State = "blocked"
	StateAutoApproved       State = "auto_approved"
	StatePendingHumanReview State = "pending_human_review"
	StateApproved           State = "approved"
	StateRejected           State = "rejected"
	StateCancelled          State = "cancelled"
	// StateNeedsReaudit marks a decided request whose audit record could not
	// be persisted. The decision is withheld until the trail catches up.
	StateNeedsReaudit State = "needs_reaudit"
)

var transitions = map[State][]State{
	StateSubmitted:       {StateStaticAnalyzing, StateCancelled},
	StateStaticAnalyzing: {StateSandboxTesting, StateDeciding, StateBlocked, StateNeedsReaudit},
	StateSandboxTesting:  {StateDeciding},
	StateDeciding: {
		StateAutoApproved, StatePendingHumanReview, StateRejected, StateNeedsReaudit,
	},
	StatePendingHumanReview: {StateApproved, StateRejected, StateNeedsReaudit},
	StateNeedsReaudit: {
		StateBlocked, StateAutoApproved, StatePendingHumanReview, StateApproved, StateRejected,
	},
}

// CanTransition reports whether from -> to is a legal pipeline edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state ends the pipeline for a request.
func (s State) Terminal() bool {
	switch s {
	case StateBlocked, StateAutoApproved, StateApproved, StateRejected, StateCancelled:
		return true
	}
	return false
}

// AwaitingReview reports whether the request is parked for a human.
func (s State) AwaitingReview() bool {
	return s == StatePendingHumanReview
}
