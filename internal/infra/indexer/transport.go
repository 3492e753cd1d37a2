// Package indexer streams market and account data from the indexer websocket
// and polls block heights over REST.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"perp_go/internal/connection"
	"perp_go/internal/domain"
	"perp_go/internal/infra"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	DefaultPingInterval     = 30 * time.Second
	DefaultReadTimeout      = 60 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPollInterval     = 5 * time.Second
	DefaultRPS              = 5
	DefaultBurst            = 2
)

// Endpoints are the service urls of one network.
type Endpoints struct {
	WSURL            string
	IndexerRestURL   string
	ValidatorRestURL string
}

// Options tunes the transport. Zero values use the defaults.
type Options struct {
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	HandshakeTimeout time.Duration
	PollInterval     time.Duration
	RPS              float64
	Burst            int
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.RPS <= 0 {
		o.RPS = DefaultRPS
	}
	if o.Burst <= 0 {
		o.Burst = DefaultBurst
	}
	return o
}

// Transport implements connection.Transport. Streaming keys get one websocket
// each; height keys get a REST poller. Neither reconnects on its own: a
// dropped connection is reported through the Sink and waits for a restart.
type Transport struct {
	endpoints map[string]Endpoints
	opts      Options
	dialer    *websocket.Dialer
	client    *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger
	now       func() time.Time
}

var _ connection.Transport = (*Transport)(nil)

// NewTransport creates a transport serving the given networks.
func NewTransport(endpoints map[string]Endpoints, opts Options) *Transport {
	opts = opts.withDefaults()
	return &Transport{
		endpoints: endpoints,
		opts:      opts,
		dialer:    &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		client:    &http.Client{Timeout: 10 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst),
		logger:    slog.Default().With("module", "indexer"),
		now:       time.Now,
	}
}

// Rest returns a REST client for network.
func (t *Transport) Rest(network string) (*RestClient, error) {
	ep, ok := t.endpoints[network]
	if !ok {
		return nil, fmt.Errorf("unknown network %q", network)
	}
	return t.rest(ep.IndexerRestURL), nil
}

func (t *Transport) rest(baseURL string) *RestClient {
	return &RestClient{baseURL: baseURL, client: t.client, limiter: t.limiter}
}

// Subscribe starts the subscription in the background and returns at once.
func (t *Transport) Subscribe(ctx context.Context, req connection.Request, sink connection.Sink) (connection.Subscription, error) {
	ep, ok := t.endpoints[req.Network]
	if !ok {
		return nil, domain.NewFatalTransportError("subscribe", req.Key, fmt.Errorf("unknown network %q", req.Network))
	}

	if req.Key.Channel() == domain.ChannelHeights {
		fetcher, err := t.heightFetcher(ep, domain.HeightSource(req.Key.ID()))
		if err != nil {
			return nil, domain.NewFatalTransportError("subscribe", req.Key, err)
		}
		poller := NewHeightPoller(fetcher, t.opts.PollInterval)
		return startPoll(ctx, poller, req, sink), nil
	}

	sub, err := subscribeFor(req.Key)
	if err != nil {
		return nil, domain.NewFatalTransportError("subscribe", req.Key, err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &socket{
		t:      t,
		url:    ep.WSURL,
		req:    req,
		sub:    sub,
		sink:   sink,
		ctx:    sctx,
		cancel: cancel,
	}
	go s.run()
	return s, nil
}

func (t *Transport) heightFetcher(ep Endpoints, src domain.HeightSource) (domain.HeightFetcher, error) {
	switch src {
	case domain.SourceIndexer:
		return &IndexerHeights{c: t.rest(ep.IndexerRestURL)}, nil
	case domain.SourceValidator:
		return &ValidatorHeights{c: t.rest(ep.ValidatorRestURL)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown height source %q", domain.ErrInvalidResourceKey, src)
	}
}

// ======================================================================================
// Websocket subscription
// ======================================================================================

// socket is one websocket carrying one channel subscription.
type socket struct {
	t    *Transport
	url  string
	req  connection.Request
	sub  subscribeFrame
	sink connection.Sink

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	closed  atomic.Bool
}

func (s *socket) run() {
	defer func() {
		if r := recover(); r != nil {
			s.t.logger.Error("Indexer socket panic recovered", slog.String("key", s.req.Key.String()), slog.Any("panic", r))
			s.fail("read", fmt.Errorf("panic: %v", r))
		}
	}()

	header := make(http.Header)
	header.Set("User-Agent", infra.DefaultUserAgent)

	conn, _, err := s.t.dialer.DialContext(s.ctx, s.url, header)
	if err != nil {
		s.fail("dial", fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err))
		return
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	epoch := s.t.now()
	b, _ := json.Marshal(s.sub)
	if err := s.threadSafeWrite(websocket.TextMessage, b); err != nil {
		s.fail("subscribe", err)
		return
	}

	s.t.logger.Debug("Indexer subscribed",
		slog.String("key", s.req.Key.String()),
		slog.String("conn", s.req.Conn.String()))

	go s.pingLoop()
	s.readLoop(epoch)
}

func (s *socket) readLoop(epoch time.Time) {
	for {
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(s.t.now().Add(s.t.opts.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.t.logger.Warn("Indexer socket closed unexpectedly", slog.String("key", s.req.Key.String()), slog.Any("error", err))
			}
			s.fail("read", fmt.Errorf("%w: %v", domain.ErrConnectionClosed, err))
			return
		}
		if !s.handleMessage(msg, epoch) {
			return
		}
	}
}

// handleMessage reports false when the subscription cannot continue.
func (s *socket) handleMessage(msg []byte, epoch time.Time) bool {
	var f frame
	if err := json.Unmarshal(msg, &f); err != nil {
		s.t.logger.Warn("Malformed indexer frame", slog.String("key", s.req.Key.String()), slog.Any("error", err))
		return true
	}

	switch f.Type {
	case frameConnected:
		return true
	case frameError:
		s.fail("subscribe", errors.New(f.Message))
		return false
	case frameSubscribed, frameChannelData:
	default:
		return true
	}

	ev, err := decode(s.req.Key, s.req.Conn, &f, sequence(epoch, f.MessageID), s.t.now())
	if err != nil {
		s.t.logger.Warn("Dropped undecodable frame", slog.String("key", s.req.Key.String()), slog.Any("error", err))
		return true
	}
	if ev == nil {
		return true
	}
	s.sink.Deliver(ev)
	return true
}

func (s *socket) pingLoop() {
	ticker := time.NewTicker(s.t.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.threadSafeWrite(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *socket) threadSafeWrite(msgType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return fmt.Errorf("no conn")
	}
	s.conn.SetWriteDeadline(s.t.now().Add(10 * time.Second))
	return s.conn.WriteMessage(msgType, data)
}

// fail reports err once and tears the socket down.
func (s *socket) fail(op string, err error) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.closeConnection()
	s.sink.Fail(domain.NewTransportError(op, s.req.Key, err))
}

func (s *socket) closeConnection() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// Close never waits for the read goroutine, which may be blocked delivering.
func (s *socket) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.closeConnection()
	}
	return nil
}
