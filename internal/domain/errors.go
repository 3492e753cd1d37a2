package domain

import (
	"errors"
	"fmt"
)

// RetriableError defines an interface for errors that can be recovered by a restart
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// TransportError represents a failed or dropped connection of one resource.
// Absorbed locally and surfaced only through the resource's load status.
type TransportError struct {
	Op        string      // Operation that failed (e.g., "dial", "subscribe", "read")
	Key       ResourceKey // Affected resource
	Err       error       // Underlying error
	Retriable bool        // Whether a restart may recover it
}

func (e *TransportError) Error() string {
	if e.Key == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + string(e.Key) + ": " + e.Err.Error()
}

func (e *TransportError) IsRetriable() bool {
	return e.Retriable
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a new retriable transport error
func NewTransportError(op string, key ResourceKey, err error) *TransportError {
	return &TransportError{Op: op, Key: key, Err: err, Retriable: true}
}

// NewFatalTransportError creates a non-retriable transport error
func NewFatalTransportError(op string, key ResourceKey, err error) *TransportError {
	return &TransportError{Op: op, Key: key, Err: err, Retriable: false}
}

// StaleDataError reports an update rejected because its sequence is not newer
// than the stored one. Logged, never surfaced to the user.
type StaleDataError struct {
	Entity   string
	Incoming uint64
	Stored   uint64
}

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("stale update for %s: seq %d <= stored %d", e.Entity, e.Incoming, e.Stored)
}

func (e *StaleDataError) Is(target error) bool {
	return target == ErrStaleData
}

// ComputationError reports invalid inputs to risk math. The affected metric
// degrades to nil instead of failing the view.
type ComputationError struct {
	Op      string // e.g. "position_core"
	Subject string // e.g. position or market id
	Err     error
}

func (e *ComputationError) Error() string {
	return e.Op + " [" + e.Subject + "]: " + e.Err.Error()
}

func (e *ComputationError) Unwrap() error {
	return e.Err
}

// InconsistentStateError reports a merge that would leave the store
// structurally invalid. The offending entity is dropped.
type InconsistentStateError struct {
	Entity string
	Reason string
}

func (e *InconsistentStateError) Error() string {
	return "inconsistent state [" + e.Entity + "]: " + e.Reason
}

func (e *InconsistentStateError) Is(target error) bool {
	return target == ErrInconsistentState
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrConnectionFailed is returned when a subscription cannot be opened. It's usually retriable.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrConnectionClosed is returned when an established subscription drops.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrInvalidResourceKey is returned when a key cannot be parsed. Not retriable.
	ErrInvalidResourceKey = errors.New("invalid resource key")

	// ErrStaleData matches every StaleDataError
	ErrStaleData = errors.New("stale data")

	// ErrInconsistentState matches every InconsistentStateError
	ErrInconsistentState = errors.New("inconsistent state")

	// ErrMissingMarket is returned when a position references an unknown market
	ErrMissingMarket = errors.New("market not found")

	// ErrMissingOraclePrice is returned when a market has no oracle price yet
	ErrMissingOraclePrice = errors.New("oracle price unavailable")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
