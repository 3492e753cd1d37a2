// Package apistatus derives the connectivity state from validator and indexer heights.
package apistatus

import (
	"time"

	"perp_go/internal/domain"
	"perp_go/internal/loadable"
)

const (
	DefaultTrailingBlocks = 10
	DefaultHaltedAfter    = 30 * time.Second
)

// Config holds the thresholds of the state machine.
type Config struct {
	TrailingBlocks uint64        // indexer gap tolerated before INDEXER_TRAILING
	HaltedAfter    time.Duration // time without height progress before *_HALTED
}

func (c Config) withDefaults() Config {
	if c.TrailingBlocks == 0 {
		c.TrailingBlocks = DefaultTrailingBlocks
	}
	if c.HaltedAfter <= 0 {
		c.HaltedAfter = DefaultHaltedAfter
	}
	return c
}

// HeightSample is one observed block height.
type HeightSample struct {
	Height     uint64
	ObservedAt time.Time
}

type source struct {
	sample     loadable.Loadable[HeightSample]
	advancedAt time.Time
}

func (s *source) observe(height uint64, at time.Time) {
	prev, ok := s.sample.Data()
	if !ok || height > prev.Height {
		s.advancedAt = at
	} else if height < prev.Height {
		// never move backwards
		height = prev.Height
	}
	s.sample = loadable.Success(HeightSample{Height: height, ObservedAt: at})
}

// Tracker is owned by the engine goroutine and is not safe for concurrent use.
type Tracker struct {
	cfg       Config
	validator source
	indexer   source
}

func NewTracker(cfg Config) *Tracker {
	return &Tracker{cfg: cfg.withDefaults()}
}

func (t *Tracker) src(s domain.HeightSource) *source {
	if s == domain.SourceValidator {
		return &t.validator
	}
	return &t.indexer
}

// Observe records a successful height poll.
func (t *Tracker) Observe(s domain.HeightSource, height uint64, at time.Time) {
	t.src(s).observe(height, at)
}

// Fail records a failed poll, keeping the last known height.
func (t *Tracker) Fail(s domain.HeightSource, err error) {
	src := t.src(s)
	src.sample = src.sample.Fail(err)
}

// Refetch marks a poll in flight.
func (t *Tracker) Refetch(s domain.HeightSource) {
	src := t.src(s)
	src.sample = src.sample.Refetch()
}

// Sample returns the wrapped latest sample of a source.
func (t *Tracker) Sample(s domain.HeightSource) loadable.Loadable[HeightSample] {
	return t.src(s).sample
}

// State evaluates the state machine at now. Validator degradation takes
// precedence over indexer degradation.
func (t *Tracker) State(now time.Time) domain.ApiState {
	var st domain.ApiState
	v, vok := t.validator.sample.Data()
	i, iok := t.indexer.sample.Data()
	if vok {
		h := v.Height
		st.ValidatorHeight = &h
	}
	if iok {
		h := i.Height
		st.IndexerHeight = &h
	}

	switch {
	case !vok && loadable.IsError(t.validator.sample):
		st.Status = domain.ApiStatusValidatorDown
	case !vok:
		st.Status = domain.ApiStatusUnknown
	case now.Sub(t.validator.advancedAt) >= t.cfg.HaltedAfter:
		st.Status = domain.ApiStatusValidatorHalted
		halted := v.Height
		st.HaltedBlock = &halted
	case !iok && loadable.IsError(t.indexer.sample):
		st.Status = domain.ApiStatusIndexerDown
	case !iok:
		st.Status = domain.ApiStatusUnknown
	case now.Sub(t.indexer.advancedAt) >= t.cfg.HaltedAfter:
		st.Status = domain.ApiStatusIndexerHalted
		halted := i.Height
		st.HaltedBlock = &halted
	case v.Height > i.Height && v.Height-i.Height > t.cfg.TrailingBlocks:
		st.Status = domain.ApiStatusIndexerTrailing
		gap := v.Height - i.Height
		st.TrailingBlocks = &gap
	default:
		st.Status = domain.ApiStatusNormal
	}
	return st
}
