package executor

import (
	"context"
	"log/slog"
	"time"

	"orderflow-pipeline/internal/config"
	"orderflow-pipeline/internal/errtax"
	"orderflow-pipeline/internal/risk"
	"orderflow-pipeline/internal/timeprovider"
	"orderflow-pipeline/pkg/types"
)

// maxDeferAttempts bounds the total attempts (the first try plus deferred
// retries) a Throttled order gets before it is rejected outright.
const maxDeferAttempts = 3

// Sink is the subset of sink.ExecLogSink the strategy needs.
type Sink interface {
	WriteExecLogEvent(now time.Time, evt types.ExecLogEvent) error
	Flush() error
}

// deferredOrder is an order held back by a Throttled precheck outcome,
// retried on a later handle call rather than rejected immediately.
type deferredOrder struct {
	order    types.OrderCtx
	attempts int
}

// Strategy wires the full risk-and-execution guard stack in order
// (Validator -> Precheck -> Idempotency -> Throttle -> Executor ->
// outbox sink), one OrderCtx at a time per symbol. The run loop is a
// channel select with a cancel-triggered drain.
type Strategy struct {
	symbol            string
	risk              config.RiskConfig
	consistMin        float64
	throttleThreshold float64

	throttle    *AdaptiveThrottler
	idempotency *IdempotencyTracker
	exec        Executor
	sink        Sink
	clock       timeprovider.TimeProvider
	logger      *slog.Logger

	exposure risk.Exposure
	deferred []deferredOrder
}

// NewStrategy creates a Strategy for one symbol. throttleThreshold is the
// consistency band above consistencyMin below which orders are deferred
// instead of rejected; pass 0 to disable the
// throttle band and reject everything below consistencyMin.
func NewStrategy(
	symbol string,
	riskCfg config.RiskConfig,
	consistencyMin float64,
	throttleThreshold float64,
	throttle *AdaptiveThrottler,
	idempotency *IdempotencyTracker,
	exec Executor,
	sink Sink,
	clock timeprovider.TimeProvider,
	logger *slog.Logger,
) *Strategy {
	return &Strategy{
		symbol:            symbol,
		risk:              riskCfg,
		consistMin:        consistencyMin,
		throttleThreshold: throttleThreshold,
		throttle:          throttle,
		idempotency:       idempotency,
		exec:              exec,
		sink:              sink,
		clock:             clock,
		logger:            logger.With("component", "strategy", "symbol", symbol),
		exposure:          risk.Exposure{PerSymbolNotional: make(map[string]float64)},
	}
}

// Run consumes orders from orderCh until ctx is cancelled or the channel closes.
func (s *Strategy) Run(ctx context.Context, orderCh <-chan types.OrderCtx) error {
	s.logger.Info("strategy started")
	for {
		select {
		case <-ctx.Done():
			_ = s.sink.Flush()
			s.logger.Info("strategy stopped")
			return ctx.Err()
		case o, ok := <-orderCh:
			if !ok {
				_ = s.sink.Flush()
				return nil
			}
			s.handle(ctx, o)
		}
	}
}

// handle runs one order through precheck, first retrying anything
// previously deferred by a Throttled outcome.
func (s *Strategy) handle(ctx context.Context, o types.OrderCtx) {
	now := s.clock.Now()
	s.retryDeferred(ctx, now)

	if err := risk.ValidateSchema(o); err != nil {
		s.reject(now, o, err)
		return
	}

	s.precheckAndDispatch(ctx, now, o, 1)
}

// retryDeferred re-runs precheck for every order currently held back by a
// Throttled outcome. An order that clears precheck on retry proceeds to
// dispatch; one still throttled is re-deferred up to maxDeferAttempts,
// after which it is rejected with its throttle reason instead of
// deferred indefinitely.
func (s *Strategy) retryDeferred(ctx context.Context, now time.Time) {
	if len(s.deferred) == 0 {
		return
	}
	pending := s.deferred
	s.deferred = nil
	for _, d := range pending {
		s.precheckAndDispatch(ctx, now, d.order, d.attempts+1)
	}
}

// precheckAndDispatch runs risk.Precheck for o and routes the Outcome:
// Accepted submits, Rejected emits a rejected exec log event, Throttled
// defers for a later retry (or rejects once maxDeferAttempts is
// exhausted). attempt is 1 for a first-time order, incrementing on each
// deferred retry.
func (s *Strategy) precheckAndDispatch(ctx context.Context, now time.Time, o types.OrderCtx, attempt int) {
	outcome, rounded, err := risk.Precheck(o, s.risk, s.consistMin, s.throttleThreshold, s.exposure)

	switch outcome {
	case risk.Rejected:
		s.reject(now, o, err)
		return
	case risk.Throttled:
		if attempt >= maxDeferAttempts {
			s.logger.Info("order exhausted defer attempts, rejecting", "client_order_id", o.ClientOrderID, "attempts", attempt)
			s.reject(now, o, err)
			return
		}
		s.logger.Info("order throttled, deferring", "client_order_id", o.ClientOrderID, "attempt", attempt, "reason", errtax.KindOf(err))
		s.deferred = append(s.deferred, deferredOrder{order: o, attempts: attempt})
		return
	}

	s.dispatch(ctx, now, rounded)
}

// dispatch submits an order that has cleared precheck through the
// idempotency tracker, adaptive throttler, and executor.
func (s *Strategy) dispatch(ctx context.Context, now time.Time, o types.OrderCtx) {
	if cached, ok := s.idempotency.Lookup(now, o.ClientOrderID); ok {
		s.logger.Info("duplicate client_order_id, returning cached result", "client_order_id", o.ClientOrderID)
		_ = s.emit(now, o, cached, types.EventSubmit)
		return
	}

	s.throttle.SetRegime(o.Regime)
	if err := s.throttle.Wait(ctx); err != nil {
		s.reject(now, o, errtax.Wrap(errtax.KindThrottled, "throttle wait failed", err))
		return
	}

	result, err := s.exec.Submit(ctx, o)
	denied := err != nil || result.Status == types.StatusRejected
	s.throttle.Observe(now, denied)
	s.idempotency.Record(now, o.ClientOrderID, result)

	if !denied {
		s.bumpExposure(o)
	}

	event := types.EventSubmit
	if result.Status == types.StatusRejected {
		event = types.EventRejected
	} else if result.ExchangeOrderID != "" {
		event = types.EventAck
	}
	_ = s.emit(now, o, result, event)
}

func (s *Strategy) bumpExposure(o types.OrderCtx) {
	notional := o.Qty * o.Price
	s.exposure.PerSymbolNotional[o.Symbol] += notional
	s.exposure.GlobalNotional += notional
}

func (s *Strategy) reject(now time.Time, o types.OrderCtx, err error) {
	s.logger.Info("order rejected at precheck", "client_order_id", o.ClientOrderID, "kind", errtax.KindOf(err), "error", err)
	result := types.ExecResult{
		Status:        types.StatusRejected,
		ClientOrderID: o.ClientOrderID,
		RejectReason:  string(errtax.KindOf(err)),
		SentTsMs:      now.UnixMilli(),
	}
	_ = s.emit(now, o, result, types.EventRejected)
}

func (s *Strategy) emit(now time.Time, o types.OrderCtx, result types.ExecResult, event types.ExecEvent) error {
	evt := types.ExecLogEvent{
		ExecResult: result,
		Symbol:     o.Symbol,
		Event:      event,
		PxIntent:   o.Price,
		PxSent:     o.Price,
		PxFill:     result.AvgPrice,
		TsMs:       now.UnixMilli(),
	}
	if err := s.sink.WriteExecLogEvent(now, evt); err != nil {
		s.logger.Error("write exec log event failed", "error", err)
		return err
	}
	return nil
}
