package executor

import (
	"context"
	"testing"
	"time"

	"orderflow-pipeline/internal/config"
	"orderflow-pipeline/internal/timeprovider"
	"orderflow-pipeline/pkg/types"
)

type fakeExecSink struct {
	events []types.ExecLogEvent
}

func (f *fakeExecSink) WriteExecLogEvent(now time.Time, evt types.ExecLogEvent) error {
	f.events = append(f.events, evt)
	return nil
}
func (f *fakeExecSink) Flush() error { return nil }

func testOrder() types.OrderCtx {
	return types.OrderCtx{
		ClientOrderID: "co-1", Symbol: "BTC-USD", Side: types.Buy,
		Qty: 1, Price: 100, OrderType: types.OrderLimit, TimeInForce: types.TIFGTC,
		Consistency: 0.9, TickSize: 0.01, StepSize: 0.001, MinNotional: 1,
	}
}

func newTestStrategy() (*Strategy, *fakeExecSink) {
	clock := timeprovider.NewSimClock(time.Unix(1700000000, 0), 1)
	riskCfg := config.RiskConfig{MaxPositionPerSymbol: 10000, MaxGlobalExposure: 50000}
	throttle := NewAdaptiveThrottler(100, 10, 150, 1000, time.Minute, clock.Now())
	idem := NewIdempotencyTracker(10, time.Minute)
	exec := NewBacktestExecutor(config.BacktestConfig{}, clock)
	sink := &fakeExecSink{}
	s := NewStrategy("BTC-USD", riskCfg, 0.5, 0.7, throttle, idem, exec, sink, clock, discardLogger())
	return s, sink
}

func TestStrategyHandleAcceptsValidOrder(t *testing.T) {
	s, sink := newTestStrategy()
	s.handle(context.Background(), testOrder())

	if len(sink.events) != 1 {
		t.Fatalf("expected 1 exec log event, got %d", len(sink.events))
	}
	if sink.events[0].Status != types.StatusFilled {
		t.Fatalf("expected filled status, got %v", sink.events[0].Status)
	}
}

func TestStrategyHandleRejectsSchemaInvalid(t *testing.T) {
	s, sink := newTestStrategy()
	o := testOrder()
	o.ClientOrderID = ""
	s.handle(context.Background(), o)

	if len(sink.events) != 1 || sink.events[0].Event != types.EventRejected {
		t.Fatalf("expected a rejected exec log event, got %+v", sink.events)
	}
}

func TestStrategyHandleRejectsPrecheckFailure(t *testing.T) {
	s, sink := newTestStrategy()
	o := testOrder()
	o.Warmup = true
	s.handle(context.Background(), o)

	if len(sink.events) != 1 || sink.events[0].Event != types.EventRejected {
		t.Fatalf("expected a rejected exec log event for warmup order, got %+v", sink.events)
	}
}

func TestStrategyHandleDedupesRepeatedClientOrderID(t *testing.T) {
	s, sink := newTestStrategy()
	s.handle(context.Background(), testOrder())
	s.handle(context.Background(), testOrder())

	if len(sink.events) != 2 {
		t.Fatalf("expected 2 exec log events, got %d", len(sink.events))
	}
	if sink.events[1].Status != sink.events[0].Status {
		t.Fatalf("expected duplicate submit to return cached status")
	}
}

func TestStrategyHandleDefersThrottledOrderAndRetriesOnNextHandle(t *testing.T) {
	s, sink := newTestStrategy()
	o := testOrder()
	o.ClientOrderID = "co-throttled"
	o.Consistency = 0.6 // between consistencyMin(0.5) and throttleThreshold(0.7): throttled

	s.handle(context.Background(), o)
	if len(sink.events) != 0 {
		t.Fatalf("expected throttled order to be deferred with no exec log event yet, got %+v", sink.events)
	}
	if len(s.deferred) != 1 {
		t.Fatalf("expected 1 deferred order, got %d", len(s.deferred))
	}

	// A later handle call retries the deferred order; it is still below
	// throttle_threshold so it is deferred again rather than dispatched.
	s.handle(context.Background(), testOrder())
	if len(s.deferred) != 1 {
		t.Fatalf("expected deferred order to be retried and re-deferred, got %d", len(s.deferred))
	}
	if s.deferred[0].attempts != 2 {
		t.Fatalf("expected attempt count 2 after one retry, got %d", s.deferred[0].attempts)
	}
}

func TestStrategyHandleRejectsThrottledOrderAfterMaxDeferAttempts(t *testing.T) {
	s, sink := newTestStrategy()
	o := testOrder()
	o.ClientOrderID = "co-throttled"
	o.Consistency = 0.6

	s.handle(context.Background(), o)
	for i := 0; i < maxDeferAttempts; i++ {
		s.handle(context.Background(), testOrder())
	}

	if len(s.deferred) != 0 {
		t.Fatalf("expected deferred order to be dropped after exhausting attempts, got %d", len(s.deferred))
	}
	var rejected int
	for _, evt := range sink.events {
		if evt.Event == types.EventRejected && evt.ClientOrderID == "co-throttled" {
			rejected++
		}
	}
	if rejected != 1 {
		t.Fatalf("expected exactly 1 rejected exec log event for the exhausted order, got %d", rejected)
	}
}

func TestStrategyDispatchSetsThrottleRegimeFromOrder(t *testing.T) {
	s, _ := newTestStrategy()
	initial := s.throttle.Capacity()

	o := testOrder()
	o.Regime = types.RegimeQuiet
	s.handle(context.Background(), o)

	if got := s.throttle.Capacity(); got >= initial {
		t.Fatalf("expected quiet regime to scale capacity below initial %v, got %v", initial, got)
	}
}

func TestStrategyRunDrainsChannelOnClose(t *testing.T) {
	s, sink := newTestStrategy()
	ch := make(chan types.OrderCtx, 1)
	ch <- testOrder()
	close(ch)

	if err := s.Run(context.Background(), ch); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sink.events) != 1 {
		t.Fatalf("expected 1 event processed before channel closed, got %d", len(sink.events))
	}
}
