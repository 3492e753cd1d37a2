// Package connection keeps at most one live streaming subscription per
// resource key and restarts them on demand.
package connection

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"perp_go/internal/domain"
	"perp_go/internal/event"
	"perp_go/internal/infra"
	"perp_go/internal/loadable"

	"github.com/google/uuid"
)

// Request describes one subscription instance.
type Request struct {
	Key     domain.ResourceKey
	Network string
	Conn    uuid.UUID
}

// Sink receives what a subscription produces. Events must carry the Conn of
// the Request they were produced for.
type Sink interface {
	Deliver(ev event.Event)
	Fail(err error)
}

// Subscription is a live subscription. Close must be idempotent.
type Subscription interface {
	Close() error
}

// Transport opens subscriptions. Subscribe must return without waiting on the
// network and must not call the Sink before returning; connection progress is
// reported through the Sink from the transport's own goroutines.
type Transport interface {
	Subscribe(ctx context.Context, req Request, sink Sink) (Subscription, error)
}

// Manager owns the resources. It never retries on its own schedule; restarts
// come from Restart, RestartAll or the liveness Watcher.
type Manager struct {
	transport Transport
	inbox     chan<- event.Event
	registry  *Registry
	metrics   *infra.Metrics
	logger    *slog.Logger

	mu        sync.Mutex
	ctx       context.Context
	network   string
	started   bool
	resources map[domain.ResourceKey]*Resource
}

// Option configures a Manager.
type Option func(*Manager)

// WithRegistry shares an existing registry, e.g. one the engine was built with.
func WithRegistry(r *Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// NewManager creates a manager forwarding to inbox. A nil metrics uses
// infra.GlobalMetrics.
func NewManager(transport Transport, inbox chan<- event.Event, metrics *infra.Metrics, opts ...Option) *Manager {
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	m := &Manager{
		transport: transport,
		inbox:     inbox,
		registry:  NewRegistry(),
		metrics:   metrics,
		logger:    slog.Default().With("module", "connection"),
		ctx:       context.Background(),
		resources: make(map[domain.ResourceKey]*Resource),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry returns the connection registry the engine checks events against.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Start opens every acquired resource on network. Resources acquired before
// Start wait for it.
func (m *Manager) Start(ctx context.Context, network string) {
	m.mu.Lock()
	m.ctx = ctx
	m.network = network
	m.started = true
	active := m.sortedLocked()
	m.mu.Unlock()

	m.logger.Info("Connection manager started",
		slog.String("network", network),
		slog.Int("resources", len(active)))
	for _, r := range active {
		r.open(false)
	}
}

// SetNetwork switches the network and restarts every active resource on it.
func (m *Manager) SetNetwork(network string) {
	m.mu.Lock()
	changed := m.network != network
	m.network = network
	m.mu.Unlock()

	if changed {
		m.logger.Info("Network changed", slog.String("network", network))
		m.RestartAll()
	}
}

func (m *Manager) Network() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.network
}

// Acquire returns the resource of key, opening it on first use. Every Acquire
// must be paired with a Release.
func (m *Manager) Acquire(key domain.ResourceKey) *Resource {
	// lookup and ref count change together so a concurrent Release cannot
	// drop a resource from the map after it was handed out
	m.mu.Lock()
	r, ok := m.resources[key]
	if !ok {
		r = &Resource{key: key, mgr: m}
		m.resources[key] = r
	}
	r.mu.Lock()
	r.refs++
	first := r.refs == 1
	r.mu.Unlock()
	started := m.started
	m.mu.Unlock()

	if first && started {
		r.open(false)
	}
	return r
}

// Release drops one reference. The last release closes the subscription.
func (m *Manager) Release(key domain.ResourceKey) {
	m.mu.Lock()
	r, ok := m.resources[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	r.mu.Lock()
	if r.refs > 0 {
		r.refs--
	}
	last := r.refs == 0
	if last {
		delete(m.resources, key)
		r.closeLocked()
		r.state = loadable.Idle[time.Time]()
	}
	r.mu.Unlock()
	m.mu.Unlock()

	if !last {
		return
	}
	m.forward(&event.ResourceStatusEvent{
		BaseEvent: event.BaseEvent{Key: key, Ts: time.Now().UnixMilli()},
		Status:    loadable.StatusIdle,
	})
}

// Restart restarts the resource of key. It reports false for unknown keys.
func (m *Manager) Restart(key domain.ResourceKey) bool {
	m.mu.Lock()
	r, ok := m.resources[key]
	m.mu.Unlock()
	if !ok {
		return false
	}
	r.Restart()
	return true
}

// ActiveResources returns the resources with at least one reference, ordered by key.
func (m *Manager) ActiveResources() []*Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked()
}

func (m *Manager) sortedLocked() []*Resource {
	out := make([]*Resource, 0, len(m.resources))
	for _, r := range m.resources {
		if r.Refs() > 0 {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// RestartAll restarts every active resource once and returns how many were restarted.
func (m *Manager) RestartAll() int {
	active := m.ActiveResources()
	for _, r := range active {
		r.Restart()
	}
	return len(active)
}

// Stop closes every subscription. Merged state is left untouched.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.started = false
	all := make([]*Resource, 0, len(m.resources))
	for _, r := range m.resources {
		all = append(all, r)
	}
	m.mu.Unlock()

	for _, r := range all {
		r.mu.Lock()
		r.closeLocked()
		r.mu.Unlock()
	}
	m.logger.Info("Connection manager stopped")
}

// forward hands an event to the engine, giving up when the manager context ends.
func (m *Manager) forward(ev event.Event) {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()

	select {
	case m.inbox <- ev:
	case <-ctx.Done():
		event.Release(ev)
	}
}

// Resource is one subscription key with its live connection.
type Resource struct {
	key domain.ResourceKey
	mgr *Manager

	mu     sync.Mutex
	refs   int
	conn   uuid.UUID
	sub    Subscription
	cancel context.CancelFunc
	// data is when the current connection first delivered
	state loadable.Loadable[time.Time]
}

func (r *Resource) Key() domain.ResourceKey { return r.key }

func (r *Resource) Refs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs
}

// Conn returns the current connection instance, uuid.Nil when closed.
func (r *Resource) Conn() uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// Status returns the load state of the connection.
func (r *Resource) Status() loadable.Loadable[time.Time] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Restart replaces the connection. Idempotent: any number of calls leave
// exactly one live connection. Merged state is not cleared.
func (r *Resource) Restart() {
	r.open(true)
}

// open switches the registry to a fresh connection id before the old
// subscription is closed and the new one opened, all under the resource lock.
func (r *Resource) open(restart bool) {
	m := r.mgr
	m.mu.Lock()
	ctx, network, started := m.ctx, m.network, m.started
	m.mu.Unlock()

	r.mu.Lock()
	if r.refs == 0 || !started {
		r.mu.Unlock()
		return
	}

	conn := uuid.New()
	m.registry.set(r.key, conn)
	if r.sub != nil {
		_ = r.sub.Close()
		r.sub = nil
		m.metrics.DecrementConnections()
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.conn = conn
	r.state = r.state.Refetch()

	subCtx, cancel := context.WithCancel(ctx)
	sub, err := m.transport.Subscribe(subCtx, Request{Key: r.key, Network: network, Conn: conn}, &resourceSink{r: r, conn: conn})
	if err != nil {
		cancel()
		r.state = r.state.Fail(err)
	} else {
		r.sub = sub
		r.cancel = cancel
		m.metrics.IncrementConnections()
	}
	r.mu.Unlock()

	if restart {
		m.metrics.RecordRestart()
		m.logger.Info("Resource restarted", slog.String("key", r.key.String()), slog.String("conn", conn.String()))
	}

	st := &event.ResourceStatusEvent{
		BaseEvent: event.BaseEvent{Key: r.key, Conn: conn, Ts: time.Now().UnixMilli()},
		Status:    loadable.StatusPending,
	}
	if err != nil {
		st.Status = loadable.StatusError
		st.Err = wrapTransport("subscribe", r.key, err)
		m.metrics.RecordTransportError()
		m.logger.Warn("Subscribe failed", slog.String("key", r.key.String()), slog.Any("error", err))
	}
	m.forward(st)
}

func (r *Resource) closeLocked() {
	if r.conn != uuid.Nil {
		r.mgr.registry.remove(r.key)
	}
	if r.sub != nil {
		_ = r.sub.Close()
		r.sub = nil
		r.mgr.metrics.DecrementConnections()
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.conn = uuid.Nil
}

// resourceSink binds a subscription to the connection id it was opened with.
type resourceSink struct {
	r    *Resource
	conn uuid.UUID
}

func (s *resourceSink) current() bool {
	return s.r.mgr.registry.IsCurrent(s.r.key, s.conn)
}

func (s *resourceSink) Deliver(ev event.Event) {
	if !s.current() {
		s.r.mgr.metrics.RecordSuperseded()
		event.Release(ev)
		return
	}
	s.r.mu.Lock()
	if s.r.conn == s.conn && !loadable.IsSuccess(s.r.state) {
		s.r.state = s.r.state.Resolve(time.Now())
	}
	s.r.mu.Unlock()
	s.r.mgr.forward(ev)
}

func (s *resourceSink) Fail(err error) {
	if !s.current() {
		return
	}
	s.r.mu.Lock()
	if s.r.conn == s.conn {
		s.r.state = s.r.state.Fail(err)
	}
	s.r.mu.Unlock()

	m := s.r.mgr
	m.metrics.RecordTransportError()
	m.logger.Warn("Transport failed", slog.String("key", s.r.key.String()), slog.Any("error", err))
	m.forward(&event.ResourceStatusEvent{
		BaseEvent: event.BaseEvent{Key: s.r.key, Conn: s.conn, Ts: time.Now().UnixMilli()},
		Status:    loadable.StatusError,
		Err:       wrapTransport("stream", s.r.key, err),
	})
}

func wrapTransport(op string, key domain.ResourceKey, err error) error {
	var te *domain.TransportError
	if errors.As(err, &te) {
		return err
	}
	return domain.NewTransportError(op, key, err)
}
