// Package watchdog monitors the encoded audio pipeline and recovers it
// when output stalls.
package watchdog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/namahousou/internal/encoder"
)

// State describes where the watchdog currently sits in its recovery cycle.
type State string

const (
	StateDetached   State = "detached"
	StateAttached   State = "attached"
	StateRestarting State = "restarting"
)

// Encoder is the slice of the encoder supervisor the watchdog drives.
type Encoder interface {
	Subscribe() (*encoder.Subscriber, error)
	Unsubscribe(sub *encoder.Subscriber)
	Restart()
}

// VoiceRejoiner forces a voice-channel leave and rejoin. A stalled encoder
// sometimes means the upstream voice connection died, not the encoder.
type VoiceRejoiner interface {
	LeaveAndRejoin(ctx context.Context) error
}

type Config struct {
	// SilenceThreshold is how long output may stay silent before the
	// watchdog restarts the pipeline.
	SilenceThreshold time.Duration
	// CheckInterval is how often lastSeen is compared to the threshold.
	CheckInterval time.Duration
	// AttachRetryDelay is the fixed delay between attach attempts.
	AttachRetryDelay time.Duration
	// Rejoin enables the voice leave/rejoin escalation.
	Rejoin bool
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.SilenceThreshold <= 0 {
		out.SilenceThreshold = 30 * time.Second
	}
	if out.CheckInterval <= 0 {
		out.CheckInterval = 5 * time.Second
	}
	if out.AttachRetryDelay <= 0 {
		out.AttachRetryDelay = 3 * time.Second
	}
	return out
}

// Watchdog consumes the encoder's output through a private subscription
// purely to timestamp data flow. When the stream stays silent past the
// threshold it detaches, restarts the encoder and optionally rejoins the
// voice channel, then re-attaches on a fixed retry delay.
type Watchdog struct {
	enc      Encoder
	rejoiner VoiceRejoiner
	cfg      Config

	// OnRestart and OnRejoin observe recovery actions.
	OnRestart func()
	OnRejoin  func()

	mu       sync.Mutex
	state    State
	sub      *encoder.Subscriber
	lastSeen time.Time
	gen      int
	stopped  bool
	stopOnce sync.Once
	done     chan struct{}
}

func NewWatchdog(enc Encoder, rejoiner VoiceRejoiner, cfg Config) *Watchdog {
	return &Watchdog{
		enc:      enc,
		rejoiner: rejoiner,
		cfg:      cfg.withDefaults(),
		state:    StateDetached,
		done:     make(chan struct{}),
	}
}

// Start attaches to the encoder output and begins the check loop.
func (w *Watchdog) Start() {
	w.mu.Lock()
	w.attachLocked()
	w.mu.Unlock()
	go w.checkLoop()
}

func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// attachLocked subscribes to the encoder. On failure it retries after the
// fixed delay; failed attempts never advance the silence clock.
func (w *Watchdog) attachLocked() {
	if w.stopped {
		return
	}
	w.gen++
	gen := w.gen
	sub, err := w.enc.Subscribe()
	if err != nil {
		slog.Warn("watchdog attach failed", "error", err)
		time.AfterFunc(w.cfg.AttachRetryDelay, func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			if gen != w.gen || w.stopped {
				return
			}
			w.attachLocked()
		})
		return
	}
	w.sub = sub
	w.state = StateAttached
	w.lastSeen = time.Now()
	go w.drainLoop(gen, sub)
}

// drainLoop discards the payload; it exists only to observe that bytes
// still flow.
func (w *Watchdog) drainLoop(gen int, sub *encoder.Subscriber) {
	for range sub.Bytes() {
		w.mu.Lock()
		if gen != w.gen || w.stopped {
			w.mu.Unlock()
			return
		}
		w.lastSeen = time.Now()
		w.mu.Unlock()
	}
	// Channel closed: we were evicted or the supervisor shut down.
	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.gen || w.stopped {
		return
	}
	w.sub = nil
	w.state = StateDetached
	w.attachLocked()
}

func (w *Watchdog) checkLoop() {
	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watchdog) check() {
	w.mu.Lock()
	if w.stopped || w.state != StateAttached {
		w.mu.Unlock()
		return
	}
	gap := time.Since(w.lastSeen)
	if gap < w.cfg.SilenceThreshold {
		w.mu.Unlock()
		return
	}
	w.state = StateRestarting
	w.gen++
	gen := w.gen
	sub := w.sub
	w.sub = nil
	w.mu.Unlock()

	slog.Warn("encoded output stalled, restarting pipeline", "silentFor", gap)
	if sub != nil {
		w.enc.Unsubscribe(sub)
	}
	w.enc.Restart()
	if w.OnRestart != nil {
		w.OnRestart()
	}
	if w.cfg.Rejoin && w.rejoiner != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := w.rejoiner.LeaveAndRejoin(ctx); err != nil {
			slog.Error("voice rejoin failed", "error", err)
		} else if w.OnRejoin != nil {
			w.OnRejoin()
		}
		cancel()
	}

	time.AfterFunc(w.cfg.AttachRetryDelay, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if gen != w.gen || w.stopped {
			return
		}
		w.attachLocked()
	})
}

func (w *Watchdog) Close() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		w.gen++
		sub := w.sub
		w.sub = nil
		w.state = StateDetached
		w.mu.Unlock()
		close(w.done)
		if sub != nil {
			w.enc.Unsubscribe(sub)
		}
	})
}
