// Package transcribe runs one speech-recognition session per
// actively-speaking user and persists the finished transcripts.
package transcribe

import (
	"context"
	"sync"

	"github.com/foxseedlab/namahousou/internal/audio"
	"github.com/foxseedlab/namahousou/internal/repository"
	"github.com/foxseedlab/namahousou/internal/transcriber"
	"github.com/foxseedlab/namahousou/internal/webhook"
)

type Config struct {
	// SampleRate is the mono rate the recognition backend expects.
	SampleRate int
	GuildID    string
	ChannelID  string
}

// Manager owns the per-user session registry. Sessions are created and
// destroyed from asynchronous voice-activity callbacks, so every map
// access is mutex-guarded.
type Manager struct {
	backend transcriber.Backend
	repo    repository.Repository
	webhook webhook.Sender
	cfg     Config

	// OnSessionStart, OnPersist and OnPersistFailure observe the session
	// lifecycle.
	OnSessionStart   func()
	OnPersist        func()
	OnPersistFailure func()

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(backend transcriber.Backend, repo repository.Repository, hook webhook.Sender, cfg Config) *Manager {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &Manager{
		backend:  backend,
		repo:     repo,
		webhook:  hook,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// HandleSpeaking starts or ends a session on voice-activity transitions.
func (m *Manager) HandleSpeaking(userID string, speaking bool) {
	if speaking {
		m.Begin(userID)
		return
	}
	m.End(userID)
}

// Begin opens a recognition session for the user if none exists. The
// backend stream is dialed asynchronously; audio arriving before it is
// open gets queued inside the session.
func (m *Manager) Begin(userID string) {
	m.mu.Lock()
	if _, ok := m.sessions[userID]; ok {
		m.mu.Unlock()
		return
	}
	s := newSession(userID, m.cfg.GuildID, m.cfg.ChannelID, m.repo, m.webhook, m.OnPersist, m.OnPersistFailure)
	m.sessions[userID] = s
	m.mu.Unlock()

	if m.OnSessionStart != nil {
		m.OnSessionStart()
	}
	go func() {
		writer, err := m.backend.StartStream(context.Background(), m.cfg.SampleRate, s)
		if err != nil {
			s.streamOpenFailed(err)
			m.mu.Lock()
			if m.sessions[userID] == s {
				delete(m.sessions, userID)
			}
			m.mu.Unlock()
			return
		}
		s.attachWriter(writer)
	}()
}

// WriteAudio feeds one chunk of mix-layout PCM for the user, downsampled
// to the backend's mono rate. Audio for users without a session is
// dropped.
func (m *Manager) WriteAudio(userID string, pcm []int16) {
	m.mu.Lock()
	s := m.sessions[userID]
	m.mu.Unlock()
	if s == nil {
		return
	}
	mono := audio.DownsampleToMono(pcm, audio.MixChannels, audio.MixSampleRate, m.cfg.SampleRate)
	if len(mono) == 0 {
		return
	}
	s.writeAudio(audio.PCMToBytes(mono))
}

// End signals end-of-stream for the user's session. Persistence happens
// when the backend closes the stream.
func (m *Manager) End(userID string) {
	m.mu.Lock()
	s := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.end()
}

// Close ends every active session.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.end()
	}
}
