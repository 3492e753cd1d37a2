package domain

import (
	"errors"
	"testing"
)

func TestTransportError(t *testing.T) {
	baseErr := errors.New("connection refused")

	t.Run("retriable error", func(t *testing.T) {
		err := NewTransportError("dial", OrderbookKey("BTC-USD"), baseErr)

		if !err.IsRetriable() {
			t.Error("Expected error to be retriable")
		}

		want := "dial orderbook/BTC-USD: connection refused"
		if err.Error() != want {
			t.Errorf("Error message = %q, want %q", err.Error(), want)
		}

		if !errors.Is(err, baseErr) {
			t.Error("Expected error to wrap baseErr")
		}
	})

	t.Run("without key", func(t *testing.T) {
		err := NewTransportError("connect", "", baseErr)
		if err.Error() != "connect: connection refused" {
			t.Errorf("Error message = %q", err.Error())
		}
	})

	t.Run("fatal error", func(t *testing.T) {
		err := NewFatalTransportError("subscribe", MarketsKey(), baseErr)

		if err.IsRetriable() {
			t.Error("Expected error to not be retriable")
		}
	})

	t.Run("IsRetriable helper", func(t *testing.T) {
		retriable := NewTransportError("dial", "", baseErr)
		fatal := NewFatalTransportError("subscribe", "", baseErr)
		plain := errors.New("plain error")

		if !IsRetriable(retriable) {
			t.Error("IsRetriable should return true for retriable error")
		}
		if IsRetriable(fatal) {
			t.Error("IsRetriable should return false for fatal error")
		}
		if IsRetriable(plain) {
			t.Error("IsRetriable should return false for plain error")
		}
	})
}

func TestStaleAndInconsistentSentinels(t *testing.T) {
	stale := error(&StaleDataError{Entity: "order:1", Incoming: 3, Stored: 5})
	if !errors.Is(stale, ErrStaleData) {
		t.Error("StaleDataError should match ErrStaleData")
	}
	if stale.Error() != "stale update for order:1: seq 3 <= stored 5" {
		t.Errorf("Unexpected message %q", stale.Error())
	}

	bad := error(&InconsistentStateError{Entity: "position:0-BTC-USD", Reason: "negative size"})
	if !errors.Is(bad, ErrInconsistentState) {
		t.Error("InconsistentStateError should match ErrInconsistentState")
	}
	var ise *InconsistentStateError
	if !errors.As(bad, &ise) || ise.Reason != "negative size" {
		t.Errorf("errors.As failed, got %v", ise)
	}
}

func TestComputationError(t *testing.T) {
	err := &ComputationError{Op: "position_core", Subject: "ETH-USD", Err: ErrMissingMarket}
	if !errors.Is(err, ErrMissingMarket) {
		t.Error("Expected ComputationError to wrap ErrMissingMarket")
	}
	if IsRetriable(err) {
		t.Error("ComputationError should not be retriable")
	}
}

func TestConfigError(t *testing.T) {
	baseErr := errors.New("missing value")
	err := &ConfigError{Field: "indexer.ws_url", Err: baseErr}

	if err.IsRetriable() {
		t.Error("ConfigError should never be retriable")
	}

	expected := "config error [indexer.ws_url]: missing value"
	if err.Error() != expected {
		t.Errorf("Error message = %q, want %q", err.Error(), expected)
	}
}
