package transcribe

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/foxseedlab/namahousou/internal/repository"
	"github.com/foxseedlab/namahousou/internal/transcriber"
	"github.com/foxseedlab/namahousou/internal/webhook"
)

const persistTimeout = 10 * time.Second

// Session is one recognition stream for one actively-speaking user. Audio
// written before the backend stream is open is queued and flushed in
// order once it is.
type Session struct {
	userID    string
	guildID   string
	channelID string
	startedAt time.Time

	repo       repository.Repository
	webhook    webhook.Sender
	onPersist  func()
	onFailure  func()

	mu         sync.Mutex
	writer     transcriber.StreamWriter
	pending    [][]byte
	hypotheses []string
	endedAt    time.Time
	eofSent    bool
	persisted  bool
	failed     bool
}

func newSession(userID, guildID, channelID string, repo repository.Repository, hook webhook.Sender, onPersist, onFailure func()) *Session {
	return &Session{
		userID:    userID,
		guildID:   guildID,
		channelID: channelID,
		startedAt: time.Now(),
		repo:      repo,
		webhook:   hook,
		onPersist: onPersist,
		onFailure: onFailure,
	}
}

// attachWriter binds the opened backend stream and flushes queued audio in
// arrival order.
func (s *Session) attachWriter(w transcriber.StreamWriter) {
	s.mu.Lock()
	s.writer = w
	queued := s.pending
	s.pending = nil
	eof := s.eofSent
	s.mu.Unlock()

	for _, chunk := range queued {
		if err := w.WriteAudio(chunk); err != nil {
			slog.Warn("failed to flush queued audio", "userID", s.userID, "error", err)
			return
		}
	}
	if eof {
		// The speaker already stopped while the stream was opening.
		if err := w.SendEOF(); err != nil {
			slog.Warn("failed to send end-of-stream", "userID", s.userID, "error", err)
		}
	}
}

// streamOpenFailed finalizes the session when the backend stream never
// came up. Any hypotheses are impossible at this point, so this degrades
// to a skipped transcript.
func (s *Session) streamOpenFailed(err error) {
	slog.Error("recognition stream failed to open, transcript skipped", "userID", s.userID, "error", err)
	s.mu.Lock()
	s.pending = nil
	s.persisted = true
	s.mu.Unlock()
}

func (s *Session) writeAudio(pcm []byte) {
	s.mu.Lock()
	w := s.writer
	if w == nil {
		buf := make([]byte, len(pcm))
		copy(buf, pcm)
		s.pending = append(s.pending, buf)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := w.WriteAudio(pcm); err != nil {
		slog.Warn("failed to write audio to recognition stream", "userID", s.userID, "error", err)
	}
}

// end sends the end-of-stream signal. The backend answers with remaining
// final results and closes, which triggers OnClosed and persistence.
func (s *Session) end() {
	s.mu.Lock()
	if s.eofSent {
		s.mu.Unlock()
		return
	}
	s.eofSent = true
	s.endedAt = time.Now()
	w := s.writer
	s.mu.Unlock()

	if w == nil {
		return
	}
	if err := w.SendEOF(); err != nil {
		slog.Warn("failed to send end-of-stream", "userID", s.userID, "error", err)
	}
}

// OnResult accumulates only top-candidate final hypotheses.
func (s *Session) OnResult(text string, isFinal bool) {
	if !isFinal || text == "" {
		return
	}
	s.mu.Lock()
	s.hypotheses = append(s.hypotheses, text)
	s.mu.Unlock()
}

// OnClosed joins the accumulated hypotheses and persists them exactly
// once. On persistence failure the persisted flag is rolled back so a
// later close signal can retry.
func (s *Session) OnClosed(err error) {
	if err != nil {
		slog.Warn("recognition stream closed with error", "userID", s.userID, "error", err)
	}

	s.mu.Lock()
	if s.persisted {
		s.mu.Unlock()
		return
	}
	content := strings.Join(s.hypotheses, " ")
	if content == "" {
		s.persisted = true
		s.mu.Unlock()
		return
	}
	s.persisted = true
	endedAt := s.endedAt
	if endedAt.IsZero() {
		endedAt = time.Now()
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	_, insertErr := s.repo.InsertTranscript(ctx, repository.InsertTranscriptInput{
		UserID:    s.userID,
		GuildID:   s.guildID,
		ChannelID: s.channelID,
		Content:   content,
		StartedAt: s.startedAt,
		EndedAt:   endedAt,
	})
	if insertErr != nil {
		slog.Error("failed to persist transcript", "userID", s.userID, "error", insertErr)
		s.mu.Lock()
		s.persisted = false
		s.mu.Unlock()
		if s.onFailure != nil {
			s.onFailure()
		}
		return
	}

	slog.Info("transcript persisted", "userID", s.userID, "chars", len(content))
	if s.onPersist != nil {
		s.onPersist()
	}
	if s.webhook != nil {
		if err := s.webhook.SendTranscript(ctx, webhook.TranscriptPayload{
			UserID:    s.userID,
			GuildID:   s.guildID,
			ChannelID: s.channelID,
			Content:   content,
			StartedAt: s.startedAt,
			EndedAt:   endedAt,
		}); err != nil {
			slog.Warn("transcript webhook failed", "userID", s.userID, "error", err)
		}
	}
}
