package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"perp_go/internal/apistatus"
	"perp_go/internal/domain"
	"perp_go/internal/event"
	"perp_go/internal/infra"
	"perp_go/internal/loadable"
	"perp_go/internal/store"

	"github.com/google/uuid"
)

const (
	DefaultMaxTrades          = 100
	DefaultMaxFills           = 500
	DefaultMaxFundingPayments = 500
	DefaultInboxSize          = 1024
	DefaultDumpPath           = "panic_dump.json"

	apiRefreshInterval = time.Second
)

// Registry answers whether a connection instance is still the live one for its key.
type Registry interface {
	IsCurrent(key domain.ResourceKey, conn uuid.UUID) bool
}

// Config tunes buffer bounds and the api status thresholds.
type Config struct {
	InboxSize          int
	MaxTrades          int
	MaxFills           int
	MaxFundingPayments int
	DumpPath           string
	ApiStatus          apistatus.Config
}

func (c Config) withDefaults() Config {
	if c.InboxSize <= 0 {
		c.InboxSize = DefaultInboxSize
	}
	if c.MaxTrades <= 0 {
		c.MaxTrades = DefaultMaxTrades
	}
	if c.MaxFills <= 0 {
		c.MaxFills = DefaultMaxFills
	}
	if c.MaxFundingPayments <= 0 {
		c.MaxFundingPayments = DefaultMaxFundingPayments
	}
	if c.DumpPath == "" {
		c.DumpPath = DefaultDumpPath
	}
	return c
}

// Sequencer is the single writer of the store. Transport callbacks only
// enqueue; every merge runs on the Run goroutine in arrival order.
type Sequencer struct {
	inbox    chan event.Event
	store    *store.Store
	registry Registry
	tracker  *apistatus.Tracker
	metrics  *infra.Metrics
	cfg      Config
	now      func() time.Time

	// Boundary: notified after each applied event (e.g. UI refresh)
	onApplied func(event.Event)
}

// NewSequencer creates a new sequencer instance. registry may be nil, in
// which case no event is treated as superseded.
func NewSequencer(cfg Config, st *store.Store, registry Registry, metrics *infra.Metrics, onApplied func(event.Event)) *Sequencer {
	cfg = cfg.withDefaults()
	if st == nil {
		st = store.New()
	}
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	return &Sequencer{
		inbox:     make(chan event.Event, cfg.InboxSize),
		store:     st,
		registry:  registry,
		tracker:   apistatus.NewTracker(cfg.ApiStatus),
		metrics:   metrics,
		cfg:       cfg,
		now:       time.Now,
		onApplied: onApplied,
	}
}

// Inbox returns the event channel. Transports send events here.
func (s *Sequencer) Inbox() chan<- event.Event {
	return s.inbox
}

// Reader returns the read-only view of the store.
func (s *Sequencer) Reader() store.Reader {
	return s.store
}

// Run starts the main event loop. This MUST be run in a single goroutine.
func (s *Sequencer) Run(ctx context.Context) {
	slog.Info("Sequencer started (single writer)")

	defer func() {
		if r := recover(); r != nil {
			slog.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", r))
			s.DumpState(s.cfg.DumpPath)
			panic(fmt.Sprintf("HALTED: %v", r))
		}
	}()

	tick := time.NewTicker(apiRefreshInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Sequencer stopping...")
			return
		case ev := <-s.inbox:
			s.processEvent(ev)
		case <-tick.C:
			s.refreshApiState()
		}
	}
}

func (s *Sequencer) processEvent(ev event.Event) {
	start := time.Now()
	defer event.Release(ev)

	// 1. Superseded connection check
	if conn := ev.GetConn(); conn != uuid.Nil && s.registry != nil && !s.registry.IsCurrent(ev.GetKey(), conn) {
		s.metrics.RecordSuperseded()
		slog.Debug("Dropped event from superseded connection",
			slog.String("key", string(ev.GetKey())),
			slog.String("conn", conn.String()),
			slog.String("type", ev.GetType().String()))
		return
	}

	// 2. Merge
	s.store.Write(func(w *store.Writer) {
		switch e := ev.(type) {
		case *event.MarketsEvent:
			s.applyMarkets(w, e)
		case *event.OrderbookEvent:
			s.applyOrderbook(w, e)
		case *event.TradesEvent:
			s.applyTrades(w, e)
		case *event.HistoricalFundingsEvent:
			s.applyFundings(w, e)
		case *event.SubaccountEvent:
			s.applySubaccount(w, e)
		case *event.HeightEvent:
			s.applyHeight(w, e)
			return
		case *event.ResourceStatusEvent:
			w.SetResourceStatus(e.Key, e.Status, e.Err)
			return
		case *event.ClearOrdersEvent:
			s.applyClear(w, e)
			return
		case *event.SeenMemoryEvent:
			w.SetSeenMemory(e.Memory)
			return
		default:
			slog.Warn("Unknown event type", slog.Any("type", ev.GetType()))
			return
		}
		// data from the live connection means the resource is loaded
		if key := ev.GetKey(); key != "" {
			w.SetResourceStatus(key, loadable.StatusSuccess, nil)
		}
	})

	s.metrics.RecordEvent(time.Since(start).Nanoseconds())

	if s.onApplied != nil {
		s.onApplied(ev)
	}
}

// refreshApiState re-evaluates the connectivity state without a new sample,
// so halts are detected even when polls stop arriving.
func (s *Sequencer) refreshApiState() {
	s.store.Write(func(w *store.Writer) {
		w.SetApiState(s.tracker.State(s.now()))
	})
}

// DumpState writes the entire internal state to a file (for post-mortem).
func (s *Sequencer) DumpState(filename string) {
	slog.Info("Dumping internal state...", slog.String("file", filename))

	data := struct {
		Store   store.Snapshot        `json:"store"`
		Metrics infra.MetricsSnapshot `json:"metrics"`
	}{
		Store:   s.store.Dump(),
		Metrics: s.metrics.Snapshot(),
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		slog.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	err = os.WriteFile(filename, b, 0644)
	if err != nil {
		slog.Error("Failed to write state dump", slog.Any("error", err))
	}
}
