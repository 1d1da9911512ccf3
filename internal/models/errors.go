package models

import (
	"fmt"
	"time"
)

// DataErrorKind classifies market-data failures.
type DataErrorKind string

const (
	// DataMissing means the source returned no bars.
	DataMissing DataErrorKind = "missing"
	// DataMalformed means the returned series failed validation.
	DataMalformed DataErrorKind = "malformed"
	// DataStale means only an expired cache entry was available.
	DataStale DataErrorKind = "stale"
)

// DataError is returned by the market-data provider. The scheduler skips the
// symbol for the iteration; no state changes.
type DataError struct {
	Kind   DataErrorKind
	Symbol string
	Err    error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("market data %s for %s: %v", e.Kind, e.Symbol, e.Err)
	}
	return fmt.Sprintf("market data %s for %s", e.Kind, e.Symbol)
}

func (e *DataError) Unwrap() error { return e.Err }

// RateLimitError carries the limiter's wake hint.
type RateLimitError struct {
	Wait time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry in %s", e.Wait)
}

// CircuitOpenError is returned while the circuit breaker is open. Callers must
// not touch the external resource until RetryAfter elapses.
type CircuitOpenError struct {
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open, retry after %s", e.RetryAfter)
}

// ExecutionErrorKind classifies entry rejections.
type ExecutionErrorKind string

const (
	// ExecInsufficientCash means the order cost exceeds available cash.
	ExecInsufficientCash ExecutionErrorKind = "insufficient_cash"
	// ExecInsufficientSize means sizing rounded down to zero.
	ExecInsufficientSize ExecutionErrorKind = "insufficient_size"
	// ExecPositionCap means the per-position value cap would be exceeded.
	ExecPositionCap ExecutionErrorKind = "position_cap"
	// ExecInvalidPremium means a structured option's worst-case loss was
	// zero or negative.
	ExecInvalidPremium ExecutionErrorKind = "invalid_premium"
)

// ExecutionError aborts an entry with no state change.
type ExecutionError struct {
	Kind   ExecutionErrorKind
	Symbol string
	Detail string
}

func (e *ExecutionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("execution rejected (%s) for %s: %s", e.Kind, e.Symbol, e.Detail)
	}
	return fmt.Sprintf("execution rejected (%s) for %s", e.Kind, e.Symbol)
}

// OrderErrorKind classifies broker order failures.
type OrderErrorKind string

const (
	// OrderRejected means the broker permanently rejected the order.
	OrderRejected OrderErrorKind = "rejected"
	// OrderPartialShortfall means the fill ratio stayed below the acceptance
	// threshold and the remainder was cancelled.
	OrderPartialShortfall OrderErrorKind = "partial_shortfall"
	// OrderTimeout means the status poll budget expired.
	OrderTimeout OrderErrorKind = "timeout"
)

// OrderError is a permanent order failure surfaced to the caller.
type OrderError struct {
	Kind      OrderErrorKind
	OrderID   string
	Symbol    string
	FilledQty int
	Reason    string
}

func (e *OrderError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("order %s %s: %s", e.OrderID, e.Kind, e.Reason)
	}
	return fmt.Sprintf("order %s %s", e.OrderID, e.Kind)
}

// RiskErrorKind classifies risk-gate rejections.
type RiskErrorKind string

const (
	// RiskCorrelationBlock means a correlated index position already exists.
	RiskCorrelationBlock RiskErrorKind = "correlation_block"
	// RiskAlreadyEngaged means the index already has a structure on.
	RiskAlreadyEngaged RiskErrorKind = "already_engaged"
	// RiskExposureExceeded means a portfolio-level exposure limit was hit.
	RiskExposureExceeded RiskErrorKind = "exposure_exceeded"
)

// RiskError aborts an entry at the risk gate; the loop continues.
type RiskError struct {
	Kind   RiskErrorKind
	Index  string
	Detail string
}

func (e *RiskError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("risk block (%s) on %s: %s", e.Kind, e.Index, e.Detail)
	}
	return fmt.Sprintf("risk block (%s) on %s", e.Kind, e.Index)
}

// PersistenceError reports a failed snapshot or archive write. Memory remains
// authoritative until the next successful flush.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure at %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
