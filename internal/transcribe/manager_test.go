package transcribe

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/foxseedlab/namahousou/internal/repository"
	"github.com/foxseedlab/namahousou/internal/transcriber"
)

type fakeStream struct {
	mu     sync.Mutex
	chunks [][]byte
	eof    bool
	closed bool
}

func (s *fakeStream) WriteAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	s.chunks = append(s.chunks, buf)
	return nil
}

func (s *fakeStream) SendEOF() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eof = true
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.chunks))
	copy(out, s.chunks)
	return out
}

func (s *fakeStream) eofSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eof
}

type fakeBackend struct {
	mu        sync.Mutex
	streams   []*fakeStream
	receivers []transcriber.ResultReceiver
	startErr  error
	block     chan struct{}
}

func (b *fakeBackend) StartStream(_ context.Context, _ int, receiver transcriber.ResultReceiver) (transcriber.StreamWriter, error) {
	if b.block != nil {
		<-b.block
	}
	if b.startErr != nil {
		return nil, b.startErr
	}
	s := &fakeStream{}
	b.mu.Lock()
	b.streams = append(b.streams, s)
	b.receivers = append(b.receivers, receiver)
	b.mu.Unlock()
	return s, nil
}

func (b *fakeBackend) streamCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

func (b *fakeBackend) stream(t *testing.T, i int) (*fakeStream, transcriber.ResultReceiver) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		if len(b.streams) > i {
			s, r := b.streams[i], b.receivers[i]
			b.mu.Unlock()
			return s, r
		}
		b.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("stream %d never opened", i)
	return nil, nil
}

type fakeRepo struct {
	mu        sync.Mutex
	inserts   []repository.InsertTranscriptInput
	failCount int
	attempts  int
}

func (r *fakeRepo) InsertTranscript(_ context.Context, input repository.InsertTranscriptInput) (*repository.Transcript, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.failCount > 0 {
		r.failCount--
		return nil, errors.New("database unavailable")
	}
	r.inserts = append(r.inserts, input)
	return &repository.Transcript{Content: input.Content}, nil
}

func (r *fakeRepo) ListRecentTranscripts(_ context.Context, _ int) ([]repository.Transcript, error) {
	return nil, nil
}

func (r *fakeRepo) inserted() []repository.InsertTranscriptInput {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]repository.InsertTranscriptInput, len(r.inserts))
	copy(out, r.inserts)
	return out
}

func testConfig() Config {
	return Config{SampleRate: 16000, GuildID: "g1", ChannelID: "c1"}
}

func TestAudioBeforeStreamOpenIsQueuedInOrder(t *testing.T) {
	backend := &fakeBackend{block: make(chan struct{})}
	m := NewManager(backend, &fakeRepo{}, nil, testConfig())

	m.Begin("u1")
	// 48kHz stereo PCM arriving while the stream is still dialing.
	m.WriteAudio("u1", make([]int16, 96))
	m.WriteAudio("u1", make([]int16, 192))
	close(backend.block)

	s, _ := backend.stream(t, 0)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(s.received()) < 2 {
		time.Sleep(time.Millisecond)
	}
	got := s.received()
	if len(got) != 2 {
		t.Fatalf("expected 2 flushed chunks, got %d", len(got))
	}
	// 96 interleaved stereo samples = 48 frames = 16 mono samples = 32 bytes.
	if len(got[0]) != 32 || len(got[1]) != 64 {
		t.Fatalf("queued chunks flushed with wrong sizes: %d, %d", len(got[0]), len(got[1]))
	}
}

func TestBeginIsIdempotentPerUser(t *testing.T) {
	backend := &fakeBackend{}
	m := NewManager(backend, &fakeRepo{}, nil, testConfig())

	m.Begin("u1")
	m.Begin("u1")
	backend.stream(t, 0)
	time.Sleep(20 * time.Millisecond)
	if got := backend.streamCount(); got != 1 {
		t.Fatalf("expected one stream per user, got %d", got)
	}
}

func TestFinalHypothesesArePersistedJoined(t *testing.T) {
	backend := &fakeBackend{}
	repo := &fakeRepo{}
	m := NewManager(backend, repo, nil, testConfig())

	m.Begin("u1")
	s, receiver := backend.stream(t, 0)

	receiver.OnResult("こんにちは", true)
	receiver.OnResult("partial ignored", false)
	receiver.OnResult("みなさん", true)
	m.End("u1")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !s.eofSent() {
		time.Sleep(time.Millisecond)
	}
	if !s.eofSent() {
		t.Fatal("end did not send end-of-stream")
	}
	receiver.OnClosed(nil)

	got := repo.inserted()
	if len(got) != 1 {
		t.Fatalf("expected one transcript, got %d", len(got))
	}
	if got[0].Content != "こんにちは みなさん" {
		t.Fatalf("unexpected transcript content %q", got[0].Content)
	}
	if got[0].UserID != "u1" || got[0].GuildID != "g1" || got[0].ChannelID != "c1" {
		t.Fatalf("transcript identity fields wrong: %+v", got[0])
	}
}

func TestDuplicateCloseSignalsPersistOnce(t *testing.T) {
	backend := &fakeBackend{}
	repo := &fakeRepo{}
	m := NewManager(backend, repo, nil, testConfig())

	m.Begin("u1")
	_, receiver := backend.stream(t, 0)
	receiver.OnResult("once", true)
	m.End("u1")
	receiver.OnClosed(nil)
	receiver.OnClosed(nil)

	if got := len(repo.inserted()); got != 1 {
		t.Fatalf("expected transcript persisted at most once, got %d", got)
	}
}

func TestPersistFailureAllowsRetryOnNextClose(t *testing.T) {
	backend := &fakeBackend{}
	repo := &fakeRepo{failCount: 1}
	m := NewManager(backend, repo, nil, testConfig())

	m.Begin("u1")
	_, receiver := backend.stream(t, 0)
	receiver.OnResult("retry me", true)
	m.End("u1")
	receiver.OnClosed(nil)
	receiver.OnClosed(nil)

	if got := len(repo.inserted()); got != 1 {
		t.Fatalf("expected retry to persist the transcript, got %d inserts", got)
	}
	repo.mu.Lock()
	attempts := repo.attempts
	repo.mu.Unlock()
	if attempts != 2 {
		t.Fatalf("expected 2 insert attempts, got %d", attempts)
	}
}

func TestEmptyTranscriptIsSkipped(t *testing.T) {
	backend := &fakeBackend{}
	repo := &fakeRepo{}
	m := NewManager(backend, repo, nil, testConfig())

	m.Begin("u1")
	_, receiver := backend.stream(t, 0)
	m.End("u1")
	receiver.OnClosed(nil)

	if got := len(repo.inserted()); got != 0 {
		t.Fatalf("expected no insert for empty transcript, got %d", got)
	}
}

func TestStreamOpenFailureDegradesGracefully(t *testing.T) {
	backend := &fakeBackend{startErr: errors.New("backend down")}
	repo := &fakeRepo{}
	m := NewManager(backend, repo, nil, testConfig())

	m.Begin("u1")
	time.Sleep(20 * time.Millisecond)
	m.WriteAudio("u1", make([]int16, 96))
	m.End("u1")

	if got := len(repo.inserted()); got != 0 {
		t.Fatalf("expected no insert when the stream never opened, got %d", got)
	}
	// A fresh session must be possible afterwards.
	backend.startErr = nil
	m.Begin("u1")
	backend.stream(t, 0)
}

func TestAudioForUnknownUserIsDropped(t *testing.T) {
	backend := &fakeBackend{}
	m := NewManager(backend, &fakeRepo{}, nil, testConfig())
	m.WriteAudio("ghost", make([]int16, 96))
	if got := backend.streamCount(); got != 0 {
		t.Fatalf("unexpected stream for unknown user")
	}
}

func TestDownsampledAudioReachesStream(t *testing.T) {
	backend := &fakeBackend{}
	m := NewManager(backend, &fakeRepo{}, nil, testConfig())

	m.Begin("u1")
	s, _ := backend.stream(t, 0)

	// Constant full-positive input survives averaging unchanged.
	pcm := make([]int16, 96)
	for i := range pcm {
		pcm[i] = 1000
	}
	m.WriteAudio("u1", pcm)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(s.received()) == 0 {
		time.Sleep(time.Millisecond)
	}
	got := s.received()
	if len(got) != 1 || len(got[0]) != 32 {
		t.Fatalf("unexpected downsampled chunk: %d chunks", len(got))
	}
	want := []byte{0xE8, 0x03}
	if !bytes.Equal(got[0][:2], want) {
		t.Fatalf("unexpected first sample bytes % X", got[0][:2])
	}
}
