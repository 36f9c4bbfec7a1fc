// Package encoder supervises the external encoding process that turns the
// raw channel mix into a broadcastable byte stream. It owns the process
// lifecycle, captures the container header for late-joining listeners and
// restarts the process on every failure mode.
package encoder

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

const readChunkSize = 4096

// FailureClass drives the restart backoff: a clean exit restarts quickly,
// an errored exit waits longer so a broken encoder cannot restart-storm.
type FailureClass string

const (
	FailureClean FailureClass = "clean_exit"
	FailureError FailureClass = "error"
	FailureSpawn FailureClass = "spawn"
	FailurePipe  FailureClass = "pipe"
)

// Process is one running encoder instance: PCM in, encoded bytes out.
type Process interface {
	Input() io.WriteCloser
	Output() io.Reader
	Wait() error
	Kill() error
}

type ProcessFactory func() (Process, error)

type Config struct {
	// HeaderMarker is the container's page boundary marker ("OggS" for the
	// ogg container). Header capture stops at the occurrence numbered
	// HeaderMarkerCount, or at HeaderLimit bytes, whichever comes first.
	// A nil marker disables header capture (headerless framed codecs).
	HeaderMarker      []byte
	HeaderMarkerCount int
	HeaderLimit       int

	CleanExitDelay time.Duration
	ErrorDelay     time.Duration

	SubscriberBuffer int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.HeaderMarkerCount <= 0 {
		out.HeaderMarkerCount = 3
	}
	if out.HeaderLimit <= 0 {
		out.HeaderLimit = 16384
	}
	if out.CleanExitDelay <= 0 {
		out.CleanExitDelay = time.Second
	}
	if out.ErrorDelay <= 0 {
		out.ErrorDelay = 5 * time.Second
	}
	if out.SubscriberBuffer <= 0 {
		out.SubscriberBuffer = 64
	}
	return out
}

// Subscriber receives the frozen stream header followed by live bytes.
type Subscriber struct {
	ch     chan []byte
	closed bool
}

func (s *Subscriber) Bytes() <-chan []byte {
	return s.ch
}

var ErrClosed = errors.New("encoder supervisor is closed")

type Supervisor struct {
	factory ProcessFactory
	cfg     Config

	// OnRestart observes every scheduled restart with its failure class.
	OnRestart func(class FailureClass)

	mu             sync.Mutex
	gen            int
	failedGen      int
	proc           Process
	header         []byte
	headerFrozen   bool
	subs           map[*Subscriber]struct{}
	restartPending bool
	stopped        bool
}

func NewSupervisor(factory ProcessFactory, cfg Config) *Supervisor {
	return &Supervisor{
		factory: factory,
		cfg:     cfg.withDefaults(),
		subs:    make(map[*Subscriber]struct{}),
	}
}

func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.proc != nil {
		return
	}
	s.startLocked()
}

// startLocked spawns a fresh process instance. Every instance gets a new
// generation number; callbacks registered against an older generation are
// ignored when they fire late.
func (s *Supervisor) startLocked() {
	s.gen++
	gen := s.gen
	s.header = nil
	s.headerFrozen = len(s.cfg.HeaderMarker) == 0

	proc, err := s.factory()
	if err != nil {
		slog.Error("failed to spawn encoder process", "error", err, "generation", gen)
		s.proc = nil
		s.scheduleRestartLocked(FailureSpawn)
		return
	}
	s.proc = proc
	slog.Info("encoder process started", "generation", gen)

	go s.readLoop(gen, proc)
	go s.waitLoop(gen, proc)
}

func (s *Supervisor) readLoop(gen int, proc Process) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := proc.Output().Read(buf)
		if n > 0 {
			s.deliver(gen, buf[:n])
		}
		if err != nil {
			// Plain EOF means the process exited; Wait() classifies that
			// case. Anything else is a broken pipe on a live process.
			if err != io.EOF {
				slog.Warn("encoder output pipe error", "error", err, "generation", gen)
				s.handleFailure(gen, FailurePipe, err)
			}
			return
		}
	}
}

func (s *Supervisor) waitLoop(gen int, proc Process) {
	err := proc.Wait()
	class := FailureClean
	if err != nil {
		class = FailureError
	}
	s.handleFailure(gen, class, err)
}

func (s *Supervisor) deliver(gen int, data []byte) {
	out := make([]byte, len(data))
	copy(out, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.stopped {
		return
	}
	if !s.headerFrozen {
		s.captureHeaderLocked(out)
	}
	for sub := range s.subs {
		select {
		case sub.ch <- out:
		default:
			// Subscriber stopped draining; evict instead of blocking the
			// encoder pipeline.
			slog.Warn("evicting slow stream subscriber")
			s.removeLocked(sub)
		}
	}
}

// captureHeaderLocked accumulates early output bytes until the configured
// marker occurrence (the first page after the codec comment pages) or the
// byte ceiling, then freezes the header for this process instance.
func (s *Supervisor) captureHeaderLocked(data []byte) {
	s.header = append(s.header, data...)
	if off, ok := nthIndex(s.header, s.cfg.HeaderMarker, s.cfg.HeaderMarkerCount); ok {
		s.header = s.header[:off]
		s.headerFrozen = true
		slog.Info("stream header captured", "bytes", len(s.header), "generation", s.gen)
		return
	}
	if len(s.header) >= s.cfg.HeaderLimit {
		s.header = s.header[:s.cfg.HeaderLimit]
		s.headerFrozen = true
		slog.Warn("stream header frozen at byte ceiling", "bytes", len(s.header), "generation", s.gen)
	}
}

func nthIndex(haystack, needle []byte, n int) (int, bool) {
	if len(needle) == 0 {
		return 0, false
	}
	off := 0
	for i := 0; i < n; i++ {
		idx := bytes.Index(haystack[off:], needle)
		if idx < 0 {
			return 0, false
		}
		off += idx
		if i == n-1 {
			return off, true
		}
		off += len(needle)
	}
	return 0, false
}

// handleFailure tears the current instance down and schedules exactly one
// restart. Stale generations and duplicate failure signals for the same
// instance are ignored.
func (s *Supervisor) handleFailure(gen int, class FailureClass, cause error) {
	s.mu.Lock()
	if gen != s.gen || s.stopped || s.failedGen == gen {
		s.mu.Unlock()
		return
	}
	s.failedGen = gen
	proc := s.proc
	s.proc = nil
	s.scheduleRestartLocked(class)
	s.mu.Unlock()

	slog.Warn("encoder process failed", "class", string(class), "error", cause, "generation", gen)
	if proc != nil {
		_ = proc.Input().Close()
		_ = proc.Kill()
	}
}

func (s *Supervisor) scheduleRestartLocked(class FailureClass) {
	if s.restartPending || s.stopped {
		return
	}
	s.restartPending = true
	delay := s.cfg.ErrorDelay
	if class == FailureClean {
		delay = s.cfg.CleanExitDelay
	}
	if s.OnRestart != nil {
		s.OnRestart(class)
	}
	slog.Info("encoder restart scheduled", "class", string(class), "delay", delay)
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.restartPending = false
		if s.stopped {
			return
		}
		s.startLocked()
	})
}

// Restart kills the current process so the normal failure path brings up a
// fresh instance. It is a no-op while a restart is already scheduled or in
// flight.
func (s *Supervisor) Restart() {
	s.mu.Lock()
	if s.restartPending || s.stopped {
		s.mu.Unlock()
		return
	}
	proc := s.proc
	if proc == nil {
		s.scheduleRestartLocked(FailureClean)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	_ = proc.Kill()
}

// WritePCM feeds raw mix audio to the current process instance. Writes
// while no instance is alive are dropped; a write error counts as a pipe
// failure and triggers the restart path.
func (s *Supervisor) WritePCM(pcm []byte) {
	s.mu.Lock()
	proc := s.proc
	gen := s.gen
	s.mu.Unlock()
	if proc == nil {
		return
	}
	if _, err := proc.Input().Write(pcm); err != nil {
		s.handleFailure(gen, FailurePipe, err)
	}
}

// Subscribe attaches a listener. It immediately receives the header bytes
// captured so far for the current instance, then live bytes only.
func (s *Supervisor) Subscribe() (*Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrClosed
	}
	sub := &Subscriber{ch: make(chan []byte, s.cfg.SubscriberBuffer)}
	if len(s.header) > 0 {
		header := make([]byte, len(s.header))
		copy(header, s.header)
		sub.ch <- header
	}
	s.subs[sub] = struct{}{}
	return sub, nil
}

func (s *Supervisor) Unsubscribe(sub *Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(sub)
}

func (s *Supervisor) removeLocked(sub *Subscriber) {
	if _, ok := s.subs[sub]; !ok {
		return
	}
	delete(s.subs, sub)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

func (s *Supervisor) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Header returns the frozen header of the current process instance, or nil
// while capture is still in progress.
func (s *Supervisor) Header() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.headerFrozen {
		return nil
	}
	out := make([]byte, len(s.header))
	copy(out, s.header)
	return out
}

func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	proc := s.proc
	s.proc = nil
	for sub := range s.subs {
		s.removeLocked(sub)
	}
	s.mu.Unlock()
	if proc != nil {
		_ = proc.Input().Close()
		_ = proc.Kill()
	}
}
