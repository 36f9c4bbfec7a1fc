// Package anonmic manages the single anonymous microphone slot: one
// claimable session at a time that may inject audio into the live mix
// over a websocket.
package anonmic

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxseedlab/namahousou/internal/audio"
	"github.com/foxseedlab/namahousou/internal/pubsub"
)

// EventSlot is the push-stream event name for public slot state changes.
const EventSlot = "anonymous-slot"

// Websocket frame type codes (RFC 6455 opcodes, matching gorilla's values).
const (
	TextFrame   = 1
	BinaryFrame = 2
)

type SlotErrorCode string

const (
	CodeSlotOccupied     SlotErrorCode = "SLOT_OCCUPIED"
	CodeVoiceUnavailable SlotErrorCode = "VOICE_UNAVAILABLE"
	CodeInvalidToken     SlotErrorCode = "INVALID_TOKEN"
)

// SlotError is a synchronous claim/attach failure with a stable code.
type SlotError struct {
	Code    SlotErrorCode
	Message string
}

func (e *SlotError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ReleaseReason identifies which of the expiry races ended a session.
type ReleaseReason string

const (
	ReasonReleased          ReleaseReason = "RELEASED"
	ReasonInactivity        ReleaseReason = "INACTIVITY"
	ReasonTimeout           ReleaseReason = "TIMEOUT"
	ReasonConnectionTimeout ReleaseReason = "CONNECTION_TIMEOUT"
	ReasonVoiceDisconnected ReleaseReason = "VOICE_DISCONNECTED"
	ReasonDisconnected      ReleaseReason = "DISCONNECTED"
	ReasonReplaced          ReleaseReason = "REPLACED"
)

// Conn is the slice of a websocket connection the manager drives.
// *gorilla/websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Voice reports whether the outbound voice connection is live.
type Voice interface {
	Ready() bool
}

// Injector accepts mix-layout PCM for injection into the broadcast mix.
type Injector interface {
	WriteInjectedPCM(pcm []byte)
}

type Config struct {
	MaxDuration  time.Duration
	ConnectGrace time.Duration
	Inactivity   time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxDuration <= 0 {
		out.MaxDuration = 10 * time.Minute
	}
	if out.ConnectGrace <= 0 {
		out.ConnectGrace = 30 * time.Second
	}
	if out.Inactivity <= 0 {
		out.Inactivity = 60 * time.Second
	}
	return out
}

// ClaimResult is returned to a successful claimer.
type ClaimResult struct {
	Token     string    `json:"token"`
	Alias     string    `json:"alias"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PublicState is the slot state safe to broadcast to every listener. The
// claim token never appears here.
type PublicState struct {
	Occupied    bool       `json:"occupied"`
	Alias       string     `json:"alias,omitempty"`
	ClaimedAt   *time.Time `json:"claimedAt,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	RemainingMs int64      `json:"remainingMs"`
	Connected   bool       `json:"connected"`
}

type terminatedMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type controlMessage struct {
	Type string `json:"type"`
}

var aliasPool = []string{
	"ひつじ", "きつね", "たぬき", "うさぎ", "ぺんぎん",
	"かもめ", "らっこ", "あるぱか", "ふくろう", "やまねこ",
}

type session struct {
	token     string
	alias     string
	claimedAt time.Time
	expiresAt time.Time

	conn Conn

	graceTimer      *time.Timer
	durationTimer   *time.Timer
	inactivityTimer *time.Timer

	released bool
}

// Manager owns the optional singleton session and all of its timers.
type Manager struct {
	voice  Voice
	mixer  Injector
	events pubsub.Publisher
	cfg    Config

	// OnClaim and OnRelease observe the session lifecycle.
	OnClaim   func()
	OnRelease func(reason ReleaseReason)

	mu   sync.Mutex
	sess *session
}

func NewManager(voice Voice, mixer Injector, events pubsub.Publisher, cfg Config) *Manager {
	return &Manager{
		voice:  voice,
		mixer:  mixer,
		events: events,
		cfg:    cfg.withDefaults(),
	}
}

// Claim reserves the slot. Fails fast with VOICE_UNAVAILABLE when no live
// voice connection exists and SLOT_OCCUPIED while a session is active.
func (m *Manager) Claim(requestedAlias string) (*ClaimResult, error) {
	if m.voice == nil || !m.voice.Ready() {
		return nil, &SlotError{Code: CodeVoiceUnavailable, Message: "no live voice connection"}
	}

	m.mu.Lock()
	if m.sess != nil {
		m.mu.Unlock()
		return nil, &SlotError{Code: CodeSlotOccupied, Message: "slot is already claimed"}
	}

	now := time.Now()
	s := &session{
		token:     uuid.NewString(),
		alias:     pickAlias(requestedAlias),
		claimedAt: now,
		expiresAt: now.Add(m.cfg.MaxDuration),
	}
	s.graceTimer = time.AfterFunc(m.cfg.ConnectGrace, func() {
		m.releaseIf(s, ReasonConnectionTimeout)
	})
	s.durationTimer = time.AfterFunc(m.cfg.MaxDuration, func() {
		m.releaseIf(s, ReasonTimeout)
	})
	m.sess = s
	m.mu.Unlock()

	slog.Info("anonymous slot claimed", "alias", s.alias, "expiresAt", s.expiresAt)
	if m.OnClaim != nil {
		m.OnClaim()
	}
	m.publishState()
	return &ClaimResult{Token: s.token, Alias: s.alias, ExpiresAt: s.expiresAt}, nil
}

func pickAlias(requested string) string {
	if requested != "" {
		return requested
	}
	base := aliasPool[rand.Intn(len(aliasPool))]
	return fmt.Sprintf("%s-%03d", base, rand.Intn(1000))
}

// Attach binds a websocket to the claimed session. A missing or mismatched
// token is a protocol violation. A valid second attach pre-empts the prior
// socket. If the voice connection died since the claim, the session is
// force-released.
func (m *Manager) Attach(token string, conn Conn) error {
	// Liveness is read before taking the lock: Ready() locks the voice
	// owner, which may itself hold its lock while calling NotifyVoiceLost.
	ready := m.voice != nil && m.voice.Ready()

	m.mu.Lock()
	s := m.sess
	if s == nil || token == "" || token != s.token {
		m.mu.Unlock()
		return &SlotError{Code: CodeInvalidToken, Message: "unknown or expired token"}
	}
	if !ready {
		m.mu.Unlock()
		m.releaseIf(s, ReasonVoiceDisconnected)
		return &SlotError{Code: CodeVoiceUnavailable, Message: "voice connection lost"}
	}

	prior := s.conn
	s.conn = conn
	s.graceTimer.Stop()
	if s.inactivityTimer != nil {
		s.inactivityTimer.Stop()
	}
	s.inactivityTimer = time.AfterFunc(m.cfg.Inactivity, func() {
		m.releaseIf(s, ReasonInactivity)
	})
	m.mu.Unlock()

	if prior != nil {
		notifyTerminated(prior, ReasonReplaced, "a new connection took over this session")
		_ = prior.Close()
	}
	go m.readLoop(s, conn)
	m.publishState()
	return nil
}

// readLoop consumes frames until the socket closes or is pre-empted. A
// session whose upstream voice connection died is released on the next
// frame so heartbeats cannot keep a dead slot occupied.
func (m *Manager) readLoop(s *session, conn Conn) {
	for {
		frameType, data, err := conn.ReadMessage()

		m.mu.Lock()
		current := m.sess == s && s.conn == conn && !s.released
		m.mu.Unlock()
		if !current {
			return
		}

		if err != nil {
			m.releaseIf(s, ReasonDisconnected)
			return
		}

		if m.voice == nil || !m.voice.Ready() {
			m.releaseIf(s, ReasonVoiceDisconnected)
			return
		}

		switch frameType {
		case BinaryFrame:
			m.injectAudio(s, data)
		case TextFrame:
			var msg controlMessage
			if jsonErr := json.Unmarshal(data, &msg); jsonErr != nil || msg.Type != "heartbeat" {
				slog.Warn("malformed slot control frame, closing connection", "alias", s.alias)
				m.releaseIf(s, ReasonDisconnected)
				return
			}
			m.resetInactivity(s)
		}
	}
}

// injectAudio duplicates the mono input to the mix's stereo layout and
// forwards it, then resets the inactivity clock.
func (m *Manager) injectAudio(s *session, data []byte) {
	if len(data) == 0 {
		return
	}
	mono := audio.BytesToPCM(data)
	stereo := audio.DuplicateMonoToStereo(mono)
	m.mixer.WriteInjectedPCM(audio.PCMToBytes(stereo))
	m.resetInactivity(s)
}

func (m *Manager) resetInactivity(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != s || s.released || s.inactivityTimer == nil {
		return
	}
	s.inactivityTimer.Reset(m.cfg.Inactivity)
}

// Release ends the current session on caller request. The token must match.
func (m *Manager) Release(token string) error {
	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s == nil || token != s.token {
		return &SlotError{Code: CodeInvalidToken, Message: "unknown or expired token"}
	}
	m.releaseIf(s, ReasonReleased)
	return nil
}

// NotifyVoiceLost force-releases the active session. The voice owner
// calls it whenever the upstream voice connection drops.
func (m *Manager) NotifyVoiceLost() {
	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s != nil {
		m.releaseIf(s, ReasonVoiceDisconnected)
	}
}

// releaseIf is the single shared teardown for every expiry race. The
// identity check makes stale timer callbacks harmless.
func (m *Manager) releaseIf(s *session, reason ReleaseReason) {
	m.mu.Lock()
	if m.sess != s || s.released {
		m.mu.Unlock()
		return
	}
	s.released = true
	m.sess = nil
	s.graceTimer.Stop()
	s.durationTimer.Stop()
	if s.inactivityTimer != nil {
		s.inactivityTimer.Stop()
	}
	conn := s.conn
	s.conn = nil
	m.mu.Unlock()

	if conn != nil {
		notifyTerminated(conn, reason, "your session has ended")
		_ = conn.Close()
	}
	slog.Info("anonymous slot released", "alias", s.alias, "reason", string(reason))
	if m.OnRelease != nil {
		m.OnRelease(reason)
	}
	m.publishState()
}

func notifyTerminated(conn Conn, reason ReleaseReason, message string) {
	payload, err := json.Marshal(terminatedMessage{
		Type:    "terminated",
		Code:    string(reason),
		Message: message,
	})
	if err != nil {
		return
	}
	_ = conn.WriteMessage(TextFrame, payload)
}

// PublicState reports slot occupancy without exposing the token.
func (m *Manager) PublicState() PublicState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil {
		return PublicState{}
	}
	remaining := time.Until(s.expiresAt).Milliseconds()
	if remaining < 0 {
		remaining = 0
	}
	claimedAt := s.claimedAt
	expiresAt := s.expiresAt
	return PublicState{
		Occupied:    true,
		Alias:       s.alias,
		ClaimedAt:   &claimedAt,
		ExpiresAt:   &expiresAt,
		RemainingMs: remaining,
		Connected:   s.conn != nil,
	}
}

func (m *Manager) publishState() {
	if m.events == nil {
		return
	}
	m.events.Publish(EventSlot, m.PublicState())
}

// Close force-releases any active session.
func (m *Manager) Close() {
	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s != nil {
		m.releaseIf(s, ReasonReleased)
	}
}
