package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"perp_go/internal/connection"
	"perp_go/internal/infra"
)

const probeTimeout = 3 * time.Second

// NetProbe is a connection.LivenessSignal for hosts without a browser-style
// online event: it dials the indexer periodically and reports transitions.
type NetProbe struct {
	addr     string
	interval time.Duration
	metrics  *infra.Metrics
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
	now      func() time.Time
	out      chan connection.Signal
}

var _ connection.LivenessSignal = (*NetProbe)(nil)

// NewNetProbe probes the host of rawURL every interval.
func NewNetProbe(rawURL string, interval time.Duration, metrics *infra.Metrics) (*NetProbe, error) {
	addr, err := hostPort(rawURL)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	d := &net.Dialer{Timeout: probeTimeout}
	return &NetProbe{
		addr:     addr,
		interval: interval,
		metrics:  metrics,
		dial:     d.DialContext,
		now:      time.Now,
		out:      make(chan connection.Signal, 4),
	}, nil
}

func hostPort(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("no host in %q", rawURL)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	switch u.Scheme {
	case "wss", "https":
		return net.JoinHostPort(u.Hostname(), "443"), nil
	default:
		return net.JoinHostPort(u.Hostname(), "80"), nil
	}
}

func (p *NetProbe) Signals() <-chan connection.Signal {
	return p.out
}

// Run probes until ctx ends, then closes the signal channel.
func (p *NetProbe) Run(ctx context.Context) {
	defer close(p.out)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var last *bool
	for {
		online := p.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		p.metrics.SetOnline(online)
		if last == nil || *last != online {
			kind := connection.SignalOffline
			if online {
				kind = connection.SignalOnline
			}
			slog.Info("Network status changed", slog.String("status", kind.String()), slog.String("addr", p.addr))
			select {
			case p.out <- connection.Signal{Kind: kind, At: p.now()}:
			case <-ctx.Done():
				return
			}
			last = &online
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *NetProbe) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	conn, err := p.dial(ctx, "tcp", p.addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
