package executor

import "orderflow-pipeline/pkg/types"

// OrderState is a node in the order lifecycle state machine:
// NEW -> ACK -> (PARTIAL)* -> FILLED|CANCELED|REJECTED. Terminal states
// absorb: once reached, no further transition is accepted.
type OrderState string

const (
	StateNew      OrderState = "new"
	StateAck      OrderState = "ack"
	StatePartial  OrderState = "partial"
	StateFilled   OrderState = "filled"
	StateCanceled OrderState = "canceled"
	StateRejected OrderState = "rejected"
)

func (s OrderState) Terminal() bool {
	switch s {
	case StateFilled, StateCanceled, StateRejected:
		return true
	default:
		return false
	}
}

// transitions enumerates the legal edges of the order lifecycle. Any edge
// not listed here is rejected by Advance, including every edge out of a
// terminal state.
var transitions = map[OrderState]map[OrderState]bool{
	StateNew:     {StateAck: true, StateRejected: true},
	StateAck:     {StatePartial: true, StateFilled: true, StateCanceled: true, StateRejected: true},
	StatePartial: {StatePartial: true, StateFilled: true, StateCanceled: true},
}

// OrderLifecycle tracks one order's state across ExecLogEvents.
type OrderLifecycle struct {
	ClientOrderID string
	State         OrderState
}

// NewOrderLifecycle starts a lifecycle in StateNew.
func NewOrderLifecycle(clientOrderID string) *OrderLifecycle {
	return &OrderLifecycle{ClientOrderID: clientOrderID, State: StateNew}
}

// Advance applies one event's target state, returning false (no-op) if
// the transition is illegal — most commonly because the order already
// reached a terminal state and a late/duplicate event arrived after it.
func (l *OrderLifecycle) Advance(next OrderState) bool {
	if l.State.Terminal() {
		return false
	}
	allowed, ok := transitions[l.State]
	if !ok || !allowed[next] {
		return false
	}
	l.State = next
	return true
}

// StateForEvent maps an ExecEvent onto the OrderState it drives the
// lifecycle toward.
func StateForEvent(e types.ExecEvent) OrderState {
	switch e {
	case types.EventAck:
		return StateAck
	case types.EventPartial:
		return StatePartial
	case types.EventFilled:
		return StateFilled
	case types.EventRejected:
		return StateRejected
	case types.EventCanceled:
		return StateCanceled
	default:
		return StateNew
	}
}
