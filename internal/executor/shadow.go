package executor

import (
	"context"
	"log/slog"
	"sync"

	"orderflow-pipeline/internal/exchange"
	"orderflow-pipeline/pkg/types"
)

// ShadowExecutor submits every order to both a primary backend and a
// shadow backend, returning the primary's result while tracking how
// often the two agree on accept/reject. Used to validate a new backend
// (e.g. testnet) against the
// currently trusted one before promoting it to primary.
type ShadowExecutor struct {
	primary Executor
	shadow  Executor
	logger  *slog.Logger

	mu      sync.Mutex
	agree   int64
	total   int64
}

// NewShadowExecutor wraps primary with a parallel shadow.
func NewShadowExecutor(primary, shadow Executor, logger *slog.Logger) *ShadowExecutor {
	return &ShadowExecutor{
		primary: primary,
		shadow:  shadow,
		logger:  logger.With("component", "shadow_executor"),
	}
}

func (s *ShadowExecutor) Mode() string { return s.primary.Mode() + "+shadow" }

// Submit dispatches to primary synchronously and to shadow in the
// background, so shadow latency/failures never affect the primary order
// path. The caller only ever sees primary's ExecResult.
func (s *ShadowExecutor) Submit(ctx context.Context, o types.OrderCtx) (types.ExecResult, error) {
	primaryRes, primaryErr := s.primary.Submit(ctx, o)

	go func() {
		shadowRes, shadowErr := s.shadow.Submit(context.Background(), o)
		s.recordParity(primaryRes, primaryErr, shadowRes, shadowErr)
	}()

	return primaryRes, primaryErr
}

func (s *ShadowExecutor) recordParity(primaryRes types.ExecResult, primaryErr error, shadowRes types.ExecResult, shadowErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	primaryAccepted := primaryErr == nil && primaryRes.Status != types.StatusRejected
	shadowAccepted := shadowErr == nil && shadowRes.Status != types.StatusRejected
	if primaryAccepted == shadowAccepted {
		s.agree++
	} else {
		s.logger.Warn("shadow executor disagreement",
			"client_order_id", primaryRes.ClientOrderID,
			"primary_status", primaryRes.Status,
			"shadow_status", shadowRes.Status,
		)
	}
}

// ParityRatio returns the fraction of submissions where primary and
// shadow agreed on accept/reject, or 1.0 if nothing has been observed yet.
func (s *ShadowExecutor) ParityRatio() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.total == 0 {
		return 1.0
	}
	return float64(s.agree) / float64(s.total)
}

func (s *ShadowExecutor) Cancel(ctx context.Context, exchangeOrderID string) error {
	return s.primary.Cancel(ctx, exchangeOrderID)
}

func (s *ShadowExecutor) Position(ctx context.Context, symbol string) (exchange.Position, error) {
	return s.primary.Position(ctx, symbol)
}

func (s *ShadowExecutor) Close() error {
	shadowErr := s.shadow.Close()
	if err := s.primary.Close(); err != nil {
		return err
	}
	return shadowErr
}
