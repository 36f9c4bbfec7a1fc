package transcriber

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordedResult struct {
	text  string
	final bool
}

type collectingReceiver struct {
	mu      sync.Mutex
	results []recordedResult
	closed  bool
	err     error
}

func (r *collectingReceiver) OnResult(text string, isFinal bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, recordedResult{text: text, final: isFinal})
}

func (r *collectingReceiver) OnClosed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.err = err
}

func (r *collectingReceiver) snapshot() ([]recordedResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedResult, len(r.results))
	copy(out, r.results)
	return out, r.closed
}

// fakeVoskServer accepts one connection, checks the handshake and replays
// a scripted recognition exchange.
type fakeVoskServer struct {
	t *testing.T

	mu         sync.Mutex
	sampleRate int
	audio      [][]byte
	gotEOF     bool
}

func (s *fakeVoskServer) handler(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.t.Errorf("upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	var handshake voskConfigMessage
	if err := conn.ReadJSON(&handshake); err != nil {
		s.t.Errorf("failed to read handshake: %v", err)
		return
	}
	s.mu.Lock()
	s.sampleRate = handshake.Config.SampleRate
	s.mu.Unlock()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			s.mu.Lock()
			s.audio = append(s.audio, data)
			n := len(s.audio)
			s.mu.Unlock()
			// Acknowledge every chunk with a partial, every second one
			// with a final result.
			final := n%2 == 0
			reply := voskResultMessage{
				Status: "ok",
				Result: voskResult{
					Hypotheses: []voskHypothesis{{Transcript: "hypothesis"}, {Transcript: "runner-up"}},
					Final:      final,
				},
			}
			payload, _ := json.Marshal(reply)
			_ = conn.WriteMessage(websocket.TextMessage, payload)
		case websocket.TextMessage:
			if strings.Contains(string(data), "eof") {
				s.mu.Lock()
				s.gotEOF = true
				s.mu.Unlock()
				reply := voskResultMessage{
					Status: "ok",
					Result: voskResult{
						Hypotheses: []voskHypothesis{{Transcript: "closing words"}},
						Final:      true,
					},
				}
				payload, _ := json.Marshal(reply)
				_ = conn.WriteMessage(websocket.TextMessage, payload)
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}
}

func startFakeVosk(t *testing.T) (*fakeVoskServer, string) {
	t.Helper()
	fake := &fakeVoskServer{t: t}
	server := httptest.NewServer(http.HandlerFunc(fake.handler))
	t.Cleanup(server.Close)
	return fake, "ws" + strings.TrimPrefix(server.URL, "http")
}

func waitCondition(t *testing.T, cond func() bool, msg string) {
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

func TestVoskStream_HandshakeAudioAndResults(t *testing.T) {
	fake, url := startFakeVosk(t)
	backend := NewVoskTranscriber(url)
	receiver := &collectingReceiver{}

	writer, err := backend.StartStream(context.Background(), 16000, receiver)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	defer writer.Close()

	if err := writer.WriteAudio([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("failed to write audio: %v", err)
	}
	if err := writer.WriteAudio([]byte{5, 6, 7, 8}); err != nil {
		t.Fatalf("failed to write audio: %v", err)
	}

	waitCondition(t, func() bool {
		results, _ := receiver.snapshot()
		return len(results) >= 2
	}, "recognition results never arrived")

	fake.mu.Lock()
	sampleRate := fake.sampleRate
	audioChunks := len(fake.audio)
	fake.mu.Unlock()
	if sampleRate != 16000 {
		t.Fatalf("handshake carried sample rate %d", sampleRate)
	}
	if audioChunks != 2 {
		t.Fatalf("backend received %d audio chunks", audioChunks)
	}

	results, _ := receiver.snapshot()
	if results[0].final || !results[1].final {
		t.Fatalf("unexpected finality sequence: %+v", results)
	}
	// Only the top candidate is surfaced.
	if results[0].text != "hypothesis" {
		t.Fatalf("unexpected transcript %q", results[0].text)
	}
}

func TestVoskStream_EOFDrainsFinalResultAndCloses(t *testing.T) {
	fake, url := startFakeVosk(t)
	backend := NewVoskTranscriber(url)
	receiver := &collectingReceiver{}

	writer, err := backend.StartStream(context.Background(), 8000, receiver)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	if err := writer.SendEOF(); err != nil {
		t.Fatalf("failed to send eof: %v", err)
	}

	waitCondition(t, func() bool {
		_, closed := receiver.snapshot()
		return closed
	}, "stream never reported closed")

	fake.mu.Lock()
	gotEOF := fake.gotEOF
	fake.mu.Unlock()
	if !gotEOF {
		t.Fatal("backend never received the end-of-stream marker")
	}
	results, _ := receiver.snapshot()
	if len(results) != 1 || results[0].text != "closing words" || !results[0].final {
		t.Fatalf("missing final drained result: %+v", results)
	}
	receiver.mu.Lock()
	closeErr := receiver.err
	receiver.mu.Unlock()
	if closeErr != nil {
		t.Fatalf("clean close reported error %v", closeErr)
	}
}

func TestVoskStream_DialFailure(t *testing.T) {
	backend := NewVoskTranscriber("ws://127.0.0.1:1/ws")
	if _, err := backend.StartStream(context.Background(), 16000, &collectingReceiver{}); err == nil {
		t.Fatal("expected dial error")
	}
}
