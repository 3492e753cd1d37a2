package indexer

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"perp_go/internal/connection"
	"perp_go/internal/infra"
)

func TestHostPort(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"wss://indexer.example.com/v4/ws", "indexer.example.com:443"},
		{"ws://localhost:3003/v4/ws", "localhost:3003"},
		{"http://indexer.example.com", "indexer.example.com:80"},
	}
	for _, tt := range tests {
		got, err := hostPort(tt.in)
		if err != nil {
			t.Fatalf("hostPort(%q) failed: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("hostPort(%q): Expected %q, got %q", tt.in, tt.want, got)
		}
	}
	if _, err := hostPort("not a url"); err == nil {
		t.Error("Expected error for a url without host")
	}
}

func TestNetProbe_EmitsTransitionsOnly(t *testing.T) {
	metrics := &infra.Metrics{}
	p, err := NewNetProbe("wss://indexer.example.com/v4/ws", 5*time.Millisecond, metrics)
	if err != nil {
		t.Fatalf("NewNetProbe failed: %v", err)
	}

	// up, up, down, down, up, then stays up
	script := []bool{true, true, false, false, true}
	var calls atomic.Int32
	p.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		i := int(calls.Add(1)) - 1
		up := true
		if i < len(script) {
			up = script[i]
		}
		if !up {
			return nil, errors.New("unreachable")
		}
		client, server := net.Pipe()
		server.Close()
		return client, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)

	var kinds []connection.SignalKind
	for len(kinds) < 3 {
		select {
		case sig := <-p.Signals():
			kinds = append(kinds, sig.Kind)
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out, got %v", kinds)
		}
	}
	cancel()

	want := []connection.SignalKind{connection.SignalOnline, connection.SignalOffline, connection.SignalOnline}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("Signal %d: Expected %s, got %s", i, want[i], kinds[i])
		}
	}
	if !metrics.Snapshot().Online {
		t.Error("Expected the online gauge to be set")
	}

	// the channel closes once Run returns
	for range p.Signals() {
	}
}
