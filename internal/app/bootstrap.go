package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"perp_go/internal/apistatus"
	"perp_go/internal/connection"
	"perp_go/internal/domain"
	"perp_go/internal/engine"
	"perp_go/internal/event"
	"perp_go/internal/infra"
	"perp_go/internal/infra/indexer"
	"perp_go/internal/infra/storage"
	"perp_go/internal/service"
)

const reportInterval = 30 * time.Second

// ErrEngineStopped is returned by commands issued after shutdown.
var ErrEngineStopped = errors.New("engine stopped")

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config    *infra.Config
	Storage   *storage.Storage
	Metrics   *infra.Metrics
	Sequencer *engine.Sequencer
	Manager   *connection.Manager
	Transport *indexer.Transport
	View      *service.View

	configPath string
	acquired   []domain.ResourceKey

	// lifecycle ends on Shutdown or when the Run context ends
	lifecycle context.Context
	stop      context.CancelFunc
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap(configPath string) *Bootstrap {
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	return &Bootstrap{configPath: configPath}
}

// Initialize wires every component. Nothing touches the network until Run.
func (b *Bootstrap) Initialize() error {
	slog.Info("🚀 Bootstrapping perp-go...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(b.configPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg
	b.lifecycle, b.stop = context.WithCancel(context.Background())

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	// 3. Initialize Storage (DB)
	st, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = st
	slog.Info("✅ Database initialized")

	// 4. Engine, connections and views
	b.Metrics = infra.GlobalMetrics
	registry := connection.NewRegistry()
	b.Sequencer = engine.NewSequencer(engine.Config{
		InboxSize:          cfg.Engine.InboxSize,
		MaxTrades:          cfg.Engine.MaxTrades,
		MaxFills:           cfg.Engine.MaxFills,
		MaxFundingPayments: cfg.Engine.MaxFundingPayments,
		DumpPath:           cfg.Engine.DumpPath,
		ApiStatus: apistatus.Config{
			TrailingBlocks: cfg.ApiStatus.TrailingBlocks,
			HaltedAfter:    cfg.HaltedAfter(),
		},
	}, nil, registry, b.Metrics, b.onApplied)

	b.Transport = indexer.NewTransport(map[string]indexer.Endpoints{
		cfg.Network.ID: {
			WSURL:            cfg.Network.IndexerWSURL,
			IndexerRestURL:   cfg.Network.IndexerRestURL,
			ValidatorRestURL: cfg.Network.ValidatorRestURL,
		},
	}, indexer.Options{PollInterval: cfg.PollInterval()})

	b.Manager = connection.NewManager(b.Transport, b.Sequencer.Inbox(), b.Metrics, connection.WithRegistry(registry))
	b.View = service.NewView(b.Sequencer.Reader(), service.NewMemo(), cfg.Account.Address, cfg.Account.Subaccount)
	slog.Info("✅ Engine ready", slog.String("network", cfg.Network.ID))

	return nil
}

// Run starts the engine and every subscription, and blocks until ctx ends.
func (b *Bootstrap) Run(ctx context.Context) error {
	if b.Sequencer == nil {
		return errors.New("bootstrap not initialized")
	}
	cfg := b.Config
	context.AfterFunc(ctx, b.stop)

	// Start Sequencer in its own goroutine (The Hotpath Loop)
	go b.Sequencer.Run(ctx)
	slog.InfoContext(ctx, "✅ Sequencer (Hotpath) started")

	if err := b.loadSeen(); err != nil {
		slog.Warn("Failed to load seen memory", slog.Any("error", err))
	}

	b.Manager.Start(ctx, cfg.Network.ID)
	for _, key := range b.resourceKeys() {
		b.Manager.Acquire(key)
		b.acquired = append(b.acquired, key)
	}
	slog.InfoContext(ctx, "✅ Subscriptions opened", slog.Int("resources", len(b.acquired)))

	go b.loadFundings(ctx)

	// Liveness: restart everything when the network comes back
	probe, err := indexer.NewNetProbe(cfg.Network.IndexerWSURL, cfg.ProbeInterval(), b.Metrics)
	if err != nil {
		slog.Warn("Network probe disabled", slog.Any("error", err))
	} else {
		watcher := connection.NewWatcher(b.Manager, cfg.HiddenThreshold())
		go probe.Run(ctx)
		go watcher.Run(ctx, probe)
	}

	b.report(ctx)
	return nil
}

func (b *Bootstrap) resourceKeys() []domain.ResourceKey {
	keys := []domain.ResourceKey{
		domain.MarketsKey(),
		domain.HeightsKey(domain.SourceValidator),
		domain.HeightsKey(domain.SourceIndexer),
	}
	for _, m := range b.Config.Markets {
		keys = append(keys, domain.OrderbookKey(m), domain.TradesKey(m))
	}
	if addr := b.Config.Account.Address; addr != "" {
		keys = append(keys, domain.SubaccountKey(addr, b.Config.Account.Subaccount))
	}
	return keys
}

// Shutdown releases every subscription and closes storage.
func (b *Bootstrap) Shutdown() {
	if b.stop != nil {
		b.stop()
	}
	for _, key := range b.acquired {
		b.Manager.Release(key)
	}
	b.acquired = nil
	b.Manager.Stop()
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			slog.Warn("Failed to close storage", slog.Any("error", err))
		}
	}
}

func (b *Bootstrap) loadSeen() error {
	addr := b.Config.Account.Address
	if addr == "" || b.Storage == nil {
		return nil
	}
	mem, err := b.Storage.LoadSeen(addr, b.Config.Network.ID)
	if err != nil {
		return err
	}
	return b.send(&event.SeenMemoryEvent{Memory: mem})
}

// send hands a command to the engine, giving up once the bootstrap stops.
func (b *Bootstrap) send(ev event.Event) error {
	select {
	case b.Sequencer.Inbox() <- ev:
		return nil
	case <-b.lifecycle.Done():
		return ErrEngineStopped
	}
}

// MarkSeen persists that the user looked at kind for marketID (empty for all
// markets) and installs the updated memory.
func (b *Bootstrap) MarkSeen(kind domain.SeenKind, marketID string) error {
	addr := b.Config.Account.Address
	if addr == "" {
		return nil
	}
	if err := b.Storage.MarkSeen(addr, b.Config.Network.ID, kind, marketID, time.Now().UnixMilli()); err != nil {
		return err
	}
	return b.loadSeen()
}

// ClearTerminalOrders hides every filled or canceled order from default views.
func (b *Bootstrap) ClearTerminalOrders() error {
	return b.send(&event.ClearOrdersEvent{AllTerminal: true})
}

func (b *Bootstrap) loadFundings(ctx context.Context) {
	rest, err := b.Transport.Rest(b.Config.Network.ID)
	if err != nil {
		slog.Warn("Historical fundings unavailable", slog.Any("error", err))
		return
	}
	for _, m := range b.Config.Markets {
		fundings, err := rest.HistoricalFundings(ctx, m)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Failed to load historical fundings", slog.String("market", m), slog.Any("error", err))
			continue
		}
		if err := b.send(&event.HistoricalFundingsEvent{MarketID: m, Fundings: fundings}); err != nil {
			return
		}
	}
}

// onApplied runs on the engine goroutine after each merge.
func (b *Bootstrap) onApplied(ev event.Event) {
	if ev.GetType() != event.TypeSubaccount {
		return
	}
	limit := b.Config.Risk.WarnMarginUsage
	if limit.IsZero() {
		return
	}
	summary, ok := b.View.GroupedSummary().Data()
	if !ok || summary.MarginUsage == nil {
		return
	}
	if summary.MarginUsage.GreaterThan(limit) {
		slog.Warn("⚠️ Margin usage above threshold",
			slog.String("margin_usage", summary.MarginUsage.StringFixed(4)),
			slog.String("threshold", limit.String()),
			slog.String("equity", summary.Equity.String()))
	}
}

// report logs a periodic status line until ctx ends.
func (b *Bootstrap) report(ctx context.Context) {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.logStatus(ctx)
		}
	}
}

func (b *Bootstrap) logStatus(ctx context.Context) {
	m := b.Metrics.Snapshot()
	api := b.View.ApiState()
	attrs := []any{
		slog.String("api_status", string(api.Status)),
		slog.Int("markets", len(b.View.Markets())),
		slog.Uint64("events", m.EventsApplied),
		slog.Uint64("stale", m.StaleRejected),
		slog.Uint64("superseded", m.SupersededDropped),
		slog.Uint64("restarts", m.Restarts),
		slog.Int("connections", int(m.ActiveConnections)),
		slog.Bool("online", m.Online),
	}
	if summary, ok := b.View.GroupedSummary().Data(); ok {
		numbers := b.View.TradeInfoNumbers()
		attrs = append(attrs,
			slog.String("equity", summary.Equity.StringFixed(2)),
			slog.String("free_collateral", summary.FreeCollateral.StringFixed(2)),
			slog.Int("positions", numbers.Positions),
			slog.Int("open_orders", numbers.OpenOrders),
			slog.Int("unseen_fills", numbers.UnseenFills))
	}
	slog.InfoContext(ctx, "📊 Status", attrs...)
}
