// Package errtax defines the shared, low-cardinality error-kind taxonomy
// used across the pipeline's DQ gate, risk precheck, and executor reject
// paths. Keeping the set closed and small makes it safe to use these
// values directly as metric labels.
package errtax

// Kind is a closed enum of error categories. Every component-level error
// wraps one of these so dashboards and alerting can aggregate across
// components without an unbounded label cardinality.
type Kind string

const (
	// Ingestion / data quality
	KindStaleData     Kind = "stale_data"
	KindClockSkew     Kind = "clock_skew"
	KindDuplicateRow  Kind = "duplicate_row"
	KindMalformedRow  Kind = "malformed_row"
	KindGapDetected   Kind = "gap_detected"

	// Signal generation
	KindWarmup          Kind = "warmup"
	KindLowConsistency  Kind = "low_consistency"
	KindConfigMismatch  Kind = "config_mismatch"

	// Risk / executor
	KindRiskLimitExceeded Kind = "risk_limit_exceeded"
	KindExchangeRejected  Kind = "exchange_rejected"
	KindSlippageExceeded  Kind = "slippage_exceeded"
	KindThrottled         Kind = "throttled"
	KindDuplicateOrder    Kind = "duplicate_order"
	KindTimeout           Kind = "timeout"

	// Sink / storage
	KindSinkWriteFailed Kind = "sink_write_failed"
	KindParityMismatch  Kind = "parity_mismatch"
	KindRotationFailed  Kind = "rotation_failed"

	// Orchestrator
	KindProbeFailed   Kind = "probe_failed"
	KindChildCrashed  Kind = "child_crashed"

	// Closed low-cardinality taxonomy, kept alongside the
	// broader set above so precheck/executor reject reasons can be emitted
	// directly as metric labels.
	KindSchemaInvalid         Kind = "schema_invalid"
	KindSpreadTooWide         Kind = "spread_too_wide"
	KindLagExceedsCap         Kind = "lag_exceeds_cap"
	KindMarketInactive        Kind = "market_inactive"
	KindWeakSignalThrottle    Kind = "weak_signal_throttle"
	KindRateLimited           Kind = "rate_limited"
	KindIdempotentDuplicate   Kind = "idempotent_duplicate"
	KindExchangeRejected4xx   Kind = "exchange_rejected_4xx"
	KindExchangeUnavailable5xx Kind = "exchange_unavailable_5xx"
	KindFilterMinNotional     Kind = "filter_min_notional"
	KindFilterStepSize        Kind = "filter_step_size"
	KindIORotateConflict      Kind = "io_rotate_conflict"

	KindUnknown Kind = "unknown"
)

// Error wraps an underlying error with a Kind so callers can classify
// failures without string-matching error messages.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a classified Error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a classified Error around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, otherwise returns KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return KindUnknown
	}
	return e.Kind
}
