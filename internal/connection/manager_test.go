package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"perp_go/internal/domain"
	"perp_go/internal/event"
	"perp_go/internal/infra"
	"perp_go/internal/loadable"

	"github.com/google/uuid"
)

type fakeSub struct {
	req    Request
	sink   Sink
	closed atomic.Bool
}

func (s *fakeSub) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeTransport struct {
	mu   sync.Mutex
	subs []*fakeSub
	fail error
}

func (t *fakeTransport) Subscribe(ctx context.Context, req Request, sink Sink) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		return nil, t.fail
	}
	s := &fakeSub{req: req, sink: sink}
	t.subs = append(t.subs, s)
	return s, nil
}

func (t *fakeTransport) forKey(key domain.ResourceKey) []*fakeSub {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*fakeSub
	for _, s := range t.subs {
		if s.req.Key == key {
			out = append(out, s)
		}
	}
	return out
}

func (t *fakeTransport) live(key domain.ResourceKey) int {
	n := 0
	for _, s := range t.forKey(key) {
		if !s.closed.Load() {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T) (*Manager, *fakeTransport, chan event.Event, *infra.Metrics) {
	t.Helper()
	tr := &fakeTransport{}
	inbox := make(chan event.Event, 1024)
	metrics := &infra.Metrics{}
	m := NewManager(tr, inbox, metrics)
	m.Start(context.Background(), "mainnet")
	return m, tr, inbox, metrics
}

func drain(inbox chan event.Event) []event.Event {
	var out []event.Event
	for {
		select {
		case ev := <-inbox:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func statusEvents(evs []event.Event) []*event.ResourceStatusEvent {
	var out []*event.ResourceStatusEvent
	for _, ev := range evs {
		if st, ok := ev.(*event.ResourceStatusEvent); ok {
			out = append(out, st)
		}
	}
	return out
}

func TestManager_AcquireOpensOnce(t *testing.T) {
	m, tr, inbox, metrics := newTestManager(t)
	key := domain.OrderbookKey("BTC-USD")

	r := m.Acquire(key)
	m.Acquire(key)

	if got := len(tr.forKey(key)); got != 1 {
		t.Fatalf("Expected 1 subscription, got %d", got)
	}
	sub := tr.forKey(key)[0]
	if sub.req.Network != "mainnet" {
		t.Errorf("Expected network mainnet, got %q", sub.req.Network)
	}
	if !m.Registry().IsCurrent(key, sub.req.Conn) {
		t.Error("Registry should point at the opened connection")
	}
	if r.Conn() != sub.req.Conn {
		t.Errorf("Expected resource conn %s, got %s", sub.req.Conn, r.Conn())
	}
	if !loadable.IsPending(r.Status()) {
		t.Errorf("Expected pending status, got %v", r.Status().Status())
	}
	if metrics.Snapshot().ActiveConnections != 1 {
		t.Errorf("Expected 1 active connection, got %d", metrics.Snapshot().ActiveConnections)
	}

	sts := statusEvents(drain(inbox))
	if len(sts) != 1 || sts[0].Status != loadable.StatusPending || sts[0].Conn != sub.req.Conn {
		t.Errorf("Expected one pending status event for the new conn, got %+v", sts)
	}
}

func TestManager_ReleaseClosesOnLastReference(t *testing.T) {
	m, tr, inbox, metrics := newTestManager(t)
	key := domain.TradesKey("ETH-USD")

	m.Acquire(key)
	m.Acquire(key)
	drain(inbox)

	m.Release(key)
	if tr.live(key) != 1 {
		t.Fatal("Subscription should survive while referenced")
	}

	m.Release(key)
	if tr.live(key) != 0 {
		t.Error("Last release should close the subscription")
	}
	if m.Registry().Len() != 0 {
		t.Errorf("Expected empty registry, got %d", m.Registry().Len())
	}
	if len(m.ActiveResources()) != 0 {
		t.Errorf("Expected no active resources, got %d", len(m.ActiveResources()))
	}
	if metrics.Snapshot().ActiveConnections != 0 {
		t.Errorf("Expected 0 active connections, got %d", metrics.Snapshot().ActiveConnections)
	}

	sts := statusEvents(drain(inbox))
	if len(sts) != 1 || sts[0].Status != loadable.StatusIdle || sts[0].Conn != uuid.Nil {
		t.Errorf("Expected one idle status event, got %+v", sts)
	}

	// releasing an unknown key is a no-op
	m.Release(domain.TradesKey("NOPE-USD"))
}

func TestManager_AcquireBeforeStartWaits(t *testing.T) {
	tr := &fakeTransport{}
	inbox := make(chan event.Event, 16)
	m := NewManager(tr, inbox, &infra.Metrics{})

	key := domain.MarketsKey()
	m.Acquire(key)
	if len(tr.forKey(key)) != 0 {
		t.Fatal("Nothing should be opened before Start")
	}

	m.Start(context.Background(), "testnet")
	subs := tr.forKey(key)
	if len(subs) != 1 || subs[0].req.Network != "testnet" {
		t.Fatalf("Expected one testnet subscription, got %+v", subs)
	}
}

func TestManager_RestartKeepsOneLiveConnection(t *testing.T) {
	m, tr, _, metrics := newTestManager(t)
	key := domain.SubaccountKey("dydx1abc", 0)
	r := m.Acquire(key)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Restart()
		}()
	}
	wg.Wait()

	if got := tr.live(key); got != 1 {
		t.Fatalf("Expected exactly 1 live connection, got %d", got)
	}
	if got := len(tr.forKey(key)); got != 21 {
		t.Errorf("Expected 21 subscriptions, got %d", got)
	}
	if !m.Registry().IsCurrent(key, r.Conn()) {
		t.Error("Registry and resource disagree on the live connection")
	}
	for _, s := range tr.forKey(key) {
		if !s.closed.Load() && s.req.Conn != r.Conn() {
			t.Error("The live subscription must be the registered one")
		}
	}
	if got := metrics.Snapshot().Restarts; got != 20 {
		t.Errorf("Expected 20 restarts, got %d", got)
	}
	if got := metrics.Snapshot().ActiveConnections; got != 1 {
		t.Errorf("Expected 1 active connection, got %d", got)
	}

	if m.Restart(domain.MarketsKey()) {
		t.Error("Restart of an unknown key should report false")
	}
}

func TestManager_SupersededDeliveryDropped(t *testing.T) {
	m, tr, inbox, metrics := newTestManager(t)
	key := domain.OrderbookKey("BTC-USD")
	r := m.Acquire(key)
	old := tr.forKey(key)[0]

	r.Restart()
	cur := tr.forKey(key)[1]
	drain(inbox)

	oldEv := event.AcquireOrderbookEvent()
	oldEv.Key, oldEv.Conn, oldEv.MarketID = key, old.req.Conn, "BTC-USD"
	old.sink.Deliver(oldEv)
	old.sink.Fail(errors.New("late failure"))

	if evs := drain(inbox); len(evs) != 0 {
		t.Fatalf("Superseded connection must not reach the engine, got %d events", len(evs))
	}
	if got := metrics.Snapshot().SupersededDropped; got != 1 {
		t.Errorf("Expected 1 superseded drop, got %d", got)
	}

	ev := &event.OrderbookEvent{BaseEvent: event.BaseEvent{Key: key, Conn: cur.req.Conn}, MarketID: "BTC-USD"}
	cur.sink.Deliver(ev)
	evs := drain(inbox)
	if len(evs) != 1 || evs[0] != event.Event(ev) {
		t.Fatalf("Expected the live event to be forwarded, got %+v", evs)
	}
	if !loadable.IsSuccess(r.Status()) {
		t.Errorf("Expected success after first delivery, got %v", r.Status().Status())
	}
}

func TestManager_FailureReportedAsStatus(t *testing.T) {
	m, tr, inbox, metrics := newTestManager(t)
	key := domain.TradesKey("BTC-USD")
	r := m.Acquire(key)
	sub := tr.forKey(key)[0]
	drain(inbox)

	sub.sink.Fail(errors.New("read timeout"))

	if !loadable.IsError(r.Status()) {
		t.Fatalf("Expected error status, got %v", r.Status().Status())
	}
	sts := statusEvents(drain(inbox))
	if len(sts) != 1 || sts[0].Status != loadable.StatusError {
		t.Fatalf("Expected one error status event, got %+v", sts)
	}
	var te *domain.TransportError
	if !errors.As(sts[0].Err, &te) || !te.IsRetriable() {
		t.Errorf("Expected a retriable TransportError, got %v", sts[0].Err)
	}
	if got := metrics.Snapshot().TransportErrors; got != 1 {
		t.Errorf("Expected 1 transport error, got %d", got)
	}

	// a restart recovers from the failure without losing stale data
	r.Restart()
	if !loadable.IsPending(r.Status()) {
		t.Errorf("Expected pending after restart, got %v", r.Status().Status())
	}
}

func TestManager_SubscribeErrorReported(t *testing.T) {
	m, tr, inbox, _ := newTestManager(t)
	tr.fail = errors.New("dial refused")

	r := m.Acquire(domain.MarketsKey())
	if !loadable.IsError(r.Status()) {
		t.Fatalf("Expected error status, got %v", r.Status().Status())
	}
	sts := statusEvents(drain(inbox))
	if len(sts) != 1 || sts[0].Status != loadable.StatusError {
		t.Errorf("Expected one error status event, got %+v", sts)
	}
}

func TestManager_SetNetworkRestartsAll(t *testing.T) {
	m, tr, _, _ := newTestManager(t)
	keys := []domain.ResourceKey{domain.MarketsKey(), domain.OrderbookKey("BTC-USD")}
	for _, k := range keys {
		m.Acquire(k)
	}

	m.SetNetwork("mainnet")
	for _, k := range keys {
		if len(tr.forKey(k)) != 1 {
			t.Errorf("Same network must not restart %s", k)
		}
	}

	m.SetNetwork("testnet")
	if m.Network() != "testnet" {
		t.Errorf("Expected testnet, got %q", m.Network())
	}
	for _, k := range keys {
		subs := tr.forKey(k)
		if len(subs) != 2 || subs[1].req.Network != "testnet" {
			t.Errorf("Expected %s reopened on testnet, got %+v", k, subs)
		}
	}
}

func TestManager_StopClosesEverything(t *testing.T) {
	m, tr, _, _ := newTestManager(t)
	m.Acquire(domain.MarketsKey())
	m.Acquire(domain.TradesKey("BTC-USD"))

	m.Stop()
	if tr.live(domain.MarketsKey())+tr.live(domain.TradesKey("BTC-USD")) != 0 {
		t.Error("Stop should close every subscription")
	}
	if m.Registry().Len() != 0 {
		t.Error("Stop should clear the registry")
	}
}

func TestManager_ForwardGivesUpOnCancel(t *testing.T) {
	tr := &fakeTransport{}
	inbox := make(chan event.Event) // nobody reads
	m := NewManager(tr, inbox, &infra.Metrics{})
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx, "mainnet")

	done := make(chan struct{})
	go func() {
		m.Acquire(domain.MarketsKey())
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Acquire blocked after the manager context ended")
	}
}

func TestManager_SharedRegistry(t *testing.T) {
	reg := NewRegistry()
	m := NewManager(&fakeTransport{}, make(chan event.Event, 16), &infra.Metrics{}, WithRegistry(reg))
	m.Start(context.Background(), "mainnet")

	r := m.Acquire(domain.MarketsKey())
	if m.Registry() != reg {
		t.Fatal("Expected the shared registry to be used")
	}
	if !reg.IsCurrent(domain.MarketsKey(), r.Conn()) {
		t.Error("Shared registry should see the opened connection")
	}
}

func TestManager_ConcurrentReleaseAndAcquireKeepOneConnection(t *testing.T) {
	tr := &fakeTransport{}
	inbox := make(chan event.Event, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			select {
			case <-inbox:
			case <-ctx.Done():
				return
			}
		}
	}()
	m := NewManager(tr, inbox, &infra.Metrics{})
	m.Start(ctx, "mainnet")
	key := domain.MarketsKey()

	for i := 0; i < 2000; i++ {
		m.Acquire(key)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Release(key)
		}()
		go func() {
			defer wg.Done()
			m.Acquire(key)
		}()
		wg.Wait()
		m.Acquire(key)

		if got := tr.live(key); got != 1 {
			t.Fatalf("Iteration %d: Expected 1 live connection, got %d", i, got)
		}
		active := m.ActiveResources()
		if len(active) != 1 || active[0].Refs() != 2 {
			t.Fatalf("Iteration %d: Expected one active resource with 2 refs, got %d resources", i, len(active))
		}

		m.Release(key)
		m.Release(key)
		if got := tr.live(key); got != 0 {
			t.Fatalf("Iteration %d: Expected no live connection after the last release, got %d", i, got)
		}
	}
}
