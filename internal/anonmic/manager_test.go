package anonmic

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeVoice struct {
	ready atomic.Bool
}

func (v *fakeVoice) Ready() bool { return v.ready.Load() }

type fakeMixer struct {
	mu       sync.Mutex
	injected [][]byte
}

func (m *fakeMixer) WriteInjectedPCM(pcm []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	m.injected = append(m.injected, buf)
}

func (m *fakeMixer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.injected)
}

func (m *fakeMixer) last() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.injected) == 0 {
		return nil
	}
	return m.injected[len(m.injected)-1]
}

type fakePublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *fakePublisher) Publish(name string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, name)
}

type frame struct {
	frameType int
	data      []byte
}

type fakeConn struct {
	incoming chan frame

	mu     sync.Mutex
	writes []frame
	closed bool
	done   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan frame, 16),
		done:     make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.incoming:
		return f.frameType, f.data, nil
	case <-c.done:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(frameType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	c.writes = append(c.writes, frame{frameType: frameType, data: buf})
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) terminatedCode(t *testing.T) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.writes {
		var msg terminatedMessage
		if err := json.Unmarshal(w.data, &msg); err == nil && msg.Type == "terminated" {
			return msg.Code
		}
	}
	return ""
}

func testManager(cfg Config) (*Manager, *fakeVoice, *fakeMixer) {
	voice := &fakeVoice{}
	voice.ready.Store(true)
	mixer := &fakeMixer{}
	m := NewManager(voice, mixer, &fakePublisher{}, cfg)
	return m, voice, mixer
}

func longConfig() Config {
	return Config{
		MaxDuration:  time.Minute,
		ConnectGrace: time.Minute,
		Inactivity:   time.Minute,
	}
}

func slotCode(t *testing.T, err error) SlotErrorCode {
	t.Helper()
	var slotErr *SlotError
	if !errors.As(err, &slotErr) {
		t.Fatalf("expected SlotError, got %v", err)
	}
	return slotErr.Code
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func TestClaim_OccupiedAndReclaimAfterRelease(t *testing.T) {
	m, _, _ := testManager(longConfig())
	res, err := m.Claim("")
	if err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if res.Token == "" || res.Alias == "" {
		t.Fatalf("claim result missing token or alias: %+v", res)
	}

	if _, err := m.Claim(""); slotCode(t, err) != CodeSlotOccupied {
		t.Fatalf("expected SLOT_OCCUPIED, got %v", err)
	}

	if err := m.Release(res.Token); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := m.Claim(""); err != nil {
		t.Fatalf("claim after release failed: %v", err)
	}
}

func TestClaim_VoiceUnavailable(t *testing.T) {
	m, voice, _ := testManager(longConfig())
	voice.ready.Store(false)
	if _, err := m.Claim(""); slotCode(t, err) != CodeVoiceUnavailable {
		t.Fatalf("expected VOICE_UNAVAILABLE, got %v", err)
	}
}

func TestClaim_CallerAliasIsKept(t *testing.T) {
	m, _, _ := testManager(longConfig())
	res, err := m.Claim("radio-guest")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if res.Alias != "radio-guest" {
		t.Fatalf("expected caller alias, got %q", res.Alias)
	}
}

func TestAttach_TokenMismatchRejected(t *testing.T) {
	m, _, _ := testManager(longConfig())
	if _, err := m.Claim(""); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := m.Attach("wrong", newFakeConn()); slotCode(t, err) != CodeInvalidToken {
		t.Fatalf("expected INVALID_TOKEN, got %v", err)
	}
	if err := m.Attach("", newFakeConn()); slotCode(t, err) != CodeInvalidToken {
		t.Fatalf("expected INVALID_TOKEN for empty token, got %v", err)
	}
}

func TestAttach_SecondSocketPreemptsFirst(t *testing.T) {
	m, _, _ := testManager(longConfig())
	res, err := m.Claim("")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	first := newFakeConn()
	if err := m.Attach(res.Token, first); err != nil {
		t.Fatalf("first attach failed: %v", err)
	}
	second := newFakeConn()
	if err := m.Attach(res.Token, second); err != nil {
		t.Fatalf("second attach failed: %v", err)
	}

	waitUntil(t, first.isClosed, "prior socket was not closed")
	if got := first.terminatedCode(t); got != string(ReasonReplaced) {
		t.Fatalf("expected REPLACED notification, got %q", got)
	}
	if !m.PublicState().Occupied {
		t.Fatal("pre-emption must not release the session")
	}
}

func TestAttach_VoiceLostForcesRelease(t *testing.T) {
	m, voice, _ := testManager(longConfig())
	res, err := m.Claim("")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	voice.ready.Store(false)
	if err := m.Attach(res.Token, newFakeConn()); slotCode(t, err) != CodeVoiceUnavailable {
		t.Fatalf("expected VOICE_UNAVAILABLE, got %v", err)
	}
	if m.PublicState().Occupied {
		t.Fatal("session must be force-released when voice died before attach")
	}
}

func TestConnectionGraceTimeout(t *testing.T) {
	cfg := longConfig()
	cfg.ConnectGrace = 10 * time.Millisecond
	m, _, _ := testManager(cfg)
	if _, err := m.Claim(""); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	waitUntil(t, func() bool { return !m.PublicState().Occupied }, "grace timeout never released the slot")
}

func TestInactivityRelease(t *testing.T) {
	cfg := longConfig()
	cfg.Inactivity = 20 * time.Millisecond
	m, _, _ := testManager(cfg)
	res, err := m.Claim("")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	conn := newFakeConn()
	if err := m.Attach(res.Token, conn); err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	waitUntil(t, conn.isClosed, "inactivity never released the slot")
	if got := conn.terminatedCode(t); got != string(ReasonInactivity) {
		t.Fatalf("expected INACTIVITY reason, got %q", got)
	}
	if m.PublicState().Occupied {
		t.Fatal("slot still occupied after inactivity release")
	}
}

func TestHeartbeatResetsInactivity(t *testing.T) {
	cfg := longConfig()
	cfg.Inactivity = 50 * time.Millisecond
	m, _, _ := testManager(cfg)
	res, err := m.Claim("")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	conn := newFakeConn()
	if err := m.Attach(res.Token, conn); err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		conn.incoming <- frame{frameType: TextFrame, data: []byte(`{"type":"heartbeat"}`)}
		time.Sleep(15 * time.Millisecond)
	}
	if !m.PublicState().Occupied {
		t.Fatal("heartbeats did not keep the session alive")
	}
}

func TestHardDurationTimeout(t *testing.T) {
	cfg := longConfig()
	cfg.MaxDuration = 30 * time.Millisecond
	m, _, _ := testManager(cfg)
	res, err := m.Claim("")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	conn := newFakeConn()
	if err := m.Attach(res.Token, conn); err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	waitUntil(t, conn.isClosed, "hard duration never released the slot")
	if got := conn.terminatedCode(t); got != string(ReasonTimeout) {
		t.Fatalf("expected TIMEOUT reason, got %q", got)
	}
}

func TestBinaryFrameInjectedAsStereo(t *testing.T) {
	m, _, mixer := testManager(longConfig())
	res, err := m.Claim("")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	conn := newFakeConn()
	if err := m.Attach(res.Token, conn); err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	// Two mono samples: 0x0102 and 0x0304 (little-endian).
	conn.incoming <- frame{frameType: BinaryFrame, data: []byte{0x02, 0x01, 0x04, 0x03}}
	waitUntil(t, func() bool { return mixer.count() == 1 }, "audio never reached the mixer")

	want := []byte{0x02, 0x01, 0x02, 0x01, 0x04, 0x03, 0x04, 0x03}
	got := mixer.last()
	if len(got) != len(want) {
		t.Fatalf("unexpected injected length %d", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("injected sample mismatch at %d: got %v want %v", i, got, want)
		}
	}
}

func TestVoiceLostDuringSessionReleasesOnNextFrame(t *testing.T) {
	m, voice, _ := testManager(longConfig())
	res, err := m.Claim("")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	conn := newFakeConn()
	if err := m.Attach(res.Token, conn); err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	voice.ready.Store(false)
	conn.incoming <- frame{frameType: TextFrame, data: []byte(`{"type":"heartbeat"}`)}

	waitUntil(t, conn.isClosed, "dead voice connection never released the slot")
	if got := conn.terminatedCode(t); got != string(ReasonVoiceDisconnected) {
		t.Fatalf("expected VOICE_DISCONNECTED reason, got %q", got)
	}
	if m.PublicState().Occupied {
		t.Fatal("slot still occupied after upstream voice disconnect")
	}
}

func TestNotifyVoiceLostReleasesSession(t *testing.T) {
	m, _, _ := testManager(longConfig())
	var released ReleaseReason
	m.OnRelease = func(reason ReleaseReason) { released = reason }

	m.NotifyVoiceLost()

	res, err := m.Claim("")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	conn := newFakeConn()
	if err := m.Attach(res.Token, conn); err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	m.NotifyVoiceLost()
	waitUntil(t, conn.isClosed, "voice-lost notification never released the slot")
	if got := conn.terminatedCode(t); got != string(ReasonVoiceDisconnected) {
		t.Fatalf("expected VOICE_DISCONNECTED reason, got %q", got)
	}
	if released != ReasonVoiceDisconnected {
		t.Fatalf("release hook saw reason %q", released)
	}
	if m.PublicState().Occupied {
		t.Fatal("slot still occupied after voice-lost notification")
	}
}

func TestMalformedControlFrameClosesConnection(t *testing.T) {
	m, _, _ := testManager(longConfig())
	res, err := m.Claim("")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	conn := newFakeConn()
	if err := m.Attach(res.Token, conn); err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	conn.incoming <- frame{frameType: TextFrame, data: []byte("not json")}
	waitUntil(t, conn.isClosed, "malformed frame did not close the connection")
}

func TestPublicState(t *testing.T) {
	m, _, _ := testManager(longConfig())
	if state := m.PublicState(); state.Occupied {
		t.Fatal("empty manager reports occupied")
	}

	res, err := m.Claim("listener-one")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	state := m.PublicState()
	if !state.Occupied || state.Alias != "listener-one" || state.Connected {
		t.Fatalf("unexpected state after claim: %+v", state)
	}
	if state.RemainingMs <= 0 {
		t.Fatalf("expected positive remaining time, got %d", state.RemainingMs)
	}

	conn := newFakeConn()
	if err := m.Attach(res.Token, conn); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if state := m.PublicState(); !state.Connected {
		t.Fatal("state not marked connected after attach")
	}
}
