// Package radio orchestrates the live broadcast: it owns the voice
// connection, drives the 20ms mix loop and fans audio out to the encoder
// and the transcription sessions.
package radio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/namahousou/internal/audio"
	"github.com/foxseedlab/namahousou/internal/discord"
	"github.com/foxseedlab/namahousou/internal/encoder"
	"github.com/foxseedlab/namahousou/internal/presence"
	"github.com/foxseedlab/namahousou/internal/transcribe"
)

type Config struct {
	GuildID        string
	VoiceChannelID string
}

// Manager exclusively owns the single voice connection. Every component
// that needs the connection reaches it through here, so leave/rejoin
// stays serialized behind one mutex.
type Manager struct {
	client     discord.Client
	mixer      audio.Mixer
	supervisor *encoder.Supervisor
	presence   *presence.Tracker
	transcribe *transcribe.Manager
	smoother   *audio.Smoother
	cfg        Config

	// OnVoiceLost fires whenever the voice connection is dropped, before
	// any rejoin attempt.
	OnVoiceLost func()

	mu sync.Mutex
	vc discord.VoiceConnection

	stopOnce sync.Once
	done     chan struct{}
}

func NewManager(
	client discord.Client,
	mixer audio.Mixer,
	supervisor *encoder.Supervisor,
	presenceTracker *presence.Tracker,
	transcribeManager *transcribe.Manager,
	cfg Config,
) *Manager {
	return &Manager{
		client:     client,
		mixer:      mixer,
		supervisor: supervisor,
		presence:   presenceTracker,
		transcribe: transcribeManager,
		smoother:   audio.NewSmoother(0, 0),
		cfg:        cfg,
	}
}

// Start joins the voice channel, wires the audio paths and launches the
// mix loop and the encoder supervisor.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to discord: %w", err)
	}

	m.mixer.SetUserPCMTap(func(userID string, pcm []int16) {
		m.transcribe.WriteAudio(userID, pcm)
	})
	m.mixer.SetVoicePlayback(func(frame []byte) {
		m.mu.Lock()
		vc := m.vc
		m.mu.Unlock()
		if vc == nil || !vc.Ready() {
			return
		}
		if err := vc.SendOpusFrame(frame); err != nil {
			slog.Warn("failed to play injected audio into voice channel", "error", err)
		}
	})

	m.mu.Lock()
	err := m.joinLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.done = make(chan struct{})
	m.supervisor.Start()
	go m.mixLoop()
	return nil
}

// joinLocked connects to the voice channel and binds the inbound audio
// and speaking callbacks.
func (m *Manager) joinLocked() error {
	vc, err := m.client.JoinVoiceChannel(m.cfg.GuildID, m.cfg.VoiceChannelID)
	if err != nil {
		return fmt.Errorf("failed to join voice channel: %w", err)
	}
	vc.RegisterSpeakingHandler(func(userID string, speaking bool) {
		m.presence.HandleSpeaking(userID, speaking)
		m.transcribe.HandleSpeaking(userID, speaking)
	})
	go vc.ReceiveAudio(func(userID string, opusPacket []byte) {
		m.mixer.WriteOpusPacket(userID, opusPacket)
	})
	m.vc = vc
	slog.Info("joined voice channel", "guildID", m.cfg.GuildID, "channelID", m.cfg.VoiceChannelID)
	return nil
}

// mixLoop reads one fixed frame of mixed PCM per tick, substitutes
// silence when the mixer has nothing, smooths the frame boundary and
// feeds the encoder.
func (m *Manager) mixLoop() {
	ticker := time.NewTicker(audio.FrameSizeMs * time.Millisecond)
	defer ticker.Stop()

	frameBytes := audio.SamplesPerFrame * 2
	buf := make([]byte, frameBytes)
	silence := make([]int16, audio.SamplesPerFrame)

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			n, err := m.mixer.ReadMixedPCM(buf)
			if err != nil {
				return
			}
			var frame []int16
			if n == 0 {
				for i := range silence {
					silence[i] = 0
				}
				frame = silence
			} else {
				frame = audio.BytesToPCM(buf[:n])
			}
			m.smoother.ProcessFrame(frame)
			m.supervisor.WritePCM(audio.PCMToBytes(frame))
		}
	}
}

// Ready reports whether a live voice connection currently exists.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vc != nil && m.vc.Ready()
}

// LeaveAndRejoin drops the voice connection and establishes a fresh one.
// The mutex keeps concurrent rejoin attempts from interleaving.
func (m *Manager) LeaveAndRejoin(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.vc != nil {
		if err := m.vc.Disconnect(); err != nil {
			slog.Warn("voice disconnect failed during rejoin", "error", err)
		}
		m.vc = nil
		if m.OnVoiceLost != nil {
			m.OnVoiceLost()
		}
	}
	m.smoother.Reset()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second):
	}
	return m.joinLocked()
}

// Close stops the mix loop and leaves the voice channel.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		if m.done != nil {
			close(m.done)
		}
		m.mu.Lock()
		vc := m.vc
		m.vc = nil
		m.mu.Unlock()
		if vc != nil {
			_ = vc.Disconnect()
			if m.OnVoiceLost != nil {
				m.OnVoiceLost()
			}
		}
		m.transcribe.Close()
		m.supervisor.Close()
		m.mixer.Close()
	})
}
