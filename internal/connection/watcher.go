package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultHiddenThreshold is how long the host must stay hidden before
// becoming visible again triggers a restart.
const DefaultHiddenThreshold = 10 * time.Second

type SignalKind uint8

const (
	SignalHidden SignalKind = iota + 1
	SignalVisible
	SignalOffline
	SignalOnline
)

func (k SignalKind) String() string {
	switch k {
	case SignalHidden:
		return "hidden"
	case SignalVisible:
		return "visible"
	case SignalOffline:
		return "offline"
	case SignalOnline:
		return "online"
	default:
		return "unknown"
	}
}

// Signal is one host liveness transition.
type Signal struct {
	Kind SignalKind
	At   time.Time
}

// LivenessSignal is a host provided stream of liveness transitions. The
// channel is closed when the source stops.
type LivenessSignal interface {
	Signals() <-chan Signal
}

// Restarter restarts every active resource once.
type Restarter interface {
	RestartAll() int
}

// Watcher turns liveness transitions into restarts:
// visible after at least the threshold hidden, and online after offline.
// The first online while the state is unknown only records it.
type Watcher struct {
	target    Restarter
	threshold time.Duration

	mu       sync.Mutex
	hiddenAt time.Time
	hidden   bool
	online   *bool
}

// NewWatcher creates a watcher. A non-positive threshold uses DefaultHiddenThreshold.
func NewWatcher(target Restarter, threshold time.Duration) *Watcher {
	if threshold <= 0 {
		threshold = DefaultHiddenThreshold
	}
	return &Watcher{target: target, threshold: threshold}
}

// Handle applies one signal and reports whether it triggered a restart.
func (w *Watcher) Handle(sig Signal) bool {
	w.mu.Lock()
	restart := false
	reason := ""
	switch sig.Kind {
	case SignalHidden:
		if !w.hidden {
			w.hidden = true
			w.hiddenAt = sig.At
		}
	case SignalVisible:
		if w.hidden {
			if sig.At.Sub(w.hiddenAt) >= w.threshold {
				restart = true
				reason = "visibility change"
			}
			w.hidden = false
			w.hiddenAt = time.Time{}
		}
	case SignalOffline:
		off := false
		w.online = &off
	case SignalOnline:
		if w.online != nil && !*w.online {
			restart = true
			reason = "network status change"
		}
		on := true
		w.online = &on
	}
	w.mu.Unlock()

	if restart {
		n := w.target.RestartAll()
		slog.Info("Restarting resources", slog.String("reason", reason), slog.Int("resources", n))
	}
	return restart
}

// Run consumes src until ctx ends or the signal channel closes.
func (w *Watcher) Run(ctx context.Context, src LivenessSignal) {
	signals := src.Signals()
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			w.Handle(sig)
		}
	}
}
