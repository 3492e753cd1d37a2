package indexer

import (
	"context"
	"log/slog"
	"time"

	"perp_go/internal/connection"
	"perp_go/internal/domain"
	"perp_go/internal/event"
)

const maxPollAttempts = 3

// HeightPoller samples one height source on a fixed interval.
type HeightPoller struct {
	fetcher    domain.HeightFetcher
	interval   time.Duration
	retryDelay time.Duration // first backoff, doubled per attempt
	now        func() time.Time
}

// NewHeightPoller creates a poller. A non-positive interval uses DefaultPollInterval.
func NewHeightPoller(fetcher domain.HeightFetcher, interval time.Duration) *HeightPoller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &HeightPoller{
		fetcher:    fetcher,
		interval:   interval,
		retryDelay: time.Second,
		now:        time.Now,
	}
}

// Poll fetches the height with retry. Backoff: 1s, 2s.
func (p *HeightPoller) Poll(ctx context.Context) (uint64, error) {
	var lastErr error
	for i := 0; i < maxPollAttempts; i++ {
		if i > 0 {
			delay := p.retryDelay * time.Duration(1<<uint(i-1))
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(delay):
			}
		}

		h, err := p.fetcher.FetchHeight(ctx)
		if err == nil {
			return h, nil
		}
		lastErr = err
		slog.Debug("Height fetch attempt failed",
			slog.String("source", string(p.fetcher.Source())),
			slog.Int("attempt", i+1),
			slog.Any("error", err))
	}
	return 0, lastErr
}

// Run polls immediately and then on every tick, handing each result to emit,
// until ctx ends.
func (p *HeightPoller) Run(ctx context.Context, emit func(*event.HeightEvent)) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Height polling panic recovered", slog.Any("panic", r))
		}
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		h, err := p.Poll(ctx)
		if ctx.Err() != nil {
			return
		}
		ev := &event.HeightEvent{Source: p.fetcher.Source(), Height: h, At: p.now()}
		if err != nil {
			ev.Err = err
			slog.Warn("Height poll failed", slog.String("source", string(ev.Source)), slog.Any("error", err))
		}
		emit(ev)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollSubscription runs a poller as a connection.Subscription.
type pollSubscription struct {
	cancel context.CancelFunc
}

func startPoll(ctx context.Context, p *HeightPoller, req connection.Request, sink connection.Sink) *pollSubscription {
	pctx, cancel := context.WithCancel(ctx)
	go p.Run(pctx, func(ev *event.HeightEvent) {
		ev.Key = req.Key
		ev.Conn = req.Conn
		ev.Ts = ev.At.UnixMilli()
		sink.Deliver(ev)
	})
	return &pollSubscription{cancel: cancel}
}

func (s *pollSubscription) Close() error {
	s.cancel()
	return nil
}
