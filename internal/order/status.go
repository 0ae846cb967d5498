// status.go - Order status state machine.
//
// Transitions are strictly forward. A remote report of a less advanced status
// than what is stored locally is stale and must be ignored, never applied.

package order

// Status is an order's lifecycle state as reported by the relayer.
type Status string

const (
	// Trade variant: PENDING -> FILLED -> SETTLED; PENDING -> CANCELLED;
	// FILLED -> LIQUIDATE.
	StatusPending   Status = "PENDING"
	StatusFilled    Status = "FILLED"
	StatusSettled   Status = "SETTLED"
	StatusCancelled Status = "CANCELLED"
	StatusLiquidate Status = "LIQUIDATE"

	// Lend variant: LENDED -> SETTLED; LENDED -> CANCELLED | ERROR.
	StatusLended Status = "LENDED"
	StatusError  Status = "ERROR"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusSettled, StatusCancelled, StatusLiquidate, StatusError:
		return true
	}
	return false
}

// transitions maps each non-terminal status to the statuses it may advance to.
var transitions = map[Status][]Status{
	StatusPending: {StatusFilled, StatusCancelled},
	StatusFilled:  {StatusSettled, StatusLiquidate},
	StatusLended:  {StatusSettled, StatusCancelled, StatusError},
}

// CanTransition reports whether from may advance to to. Identity transitions
// are allowed (re-applying the current status is a no-op, not a regression).
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
