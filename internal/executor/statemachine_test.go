package executor

import "testing"

func TestOrderLifecycleHappyPath(t *testing.T) {
	l := NewOrderLifecycle("co-1")
	if !l.Advance(StateAck) {
		t.Fatal("expected NEW -> ACK")
	}
	if !l.Advance(StatePartial) {
		t.Fatal("expected ACK -> PARTIAL")
	}
	if !l.Advance(StateFilled) {
		t.Fatal("expected PARTIAL -> FILLED")
	}
	if l.State != StateFilled {
		t.Fatalf("expected terminal FILLED, got %v", l.State)
	}
}

func TestOrderLifecycleTerminalAbsorbs(t *testing.T) {
	l := NewOrderLifecycle("co-1")
	l.Advance(StateAck)
	l.Advance(StateCanceled)
	if !l.State.Terminal() {
		t.Fatal("expected canceled to be terminal")
	}
	if l.Advance(StateFilled) {
		t.Fatal("expected terminal state to reject further transitions")
	}
	if l.State != StateCanceled {
		t.Fatalf("expected state unchanged, got %v", l.State)
	}
}

func TestOrderLifecycleRejectsIllegalEdge(t *testing.T) {
	l := NewOrderLifecycle("co-1")
	if l.Advance(StateFilled) {
		t.Fatal("expected NEW -> FILLED to be illegal")
	}
}

func TestOrderLifecycleDirectRejection(t *testing.T) {
	l := NewOrderLifecycle("co-1")
	if !l.Advance(StateRejected) {
		t.Fatal("expected NEW -> REJECTED to be legal")
	}
	if !l.State.Terminal() {
		t.Fatal("expected rejected to be terminal")
	}
}
