package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/foxseedlab/namahousou/internal/transcriber"
	"github.com/gorilla/websocket"
)

// VoskTranscriber speaks the kaldi/vosk websocket protocol: a JSON
// configuration handshake, binary audio frames, JSON result frames and a
// JSON end-of-stream marker.
type VoskTranscriber struct {
	url string
}

func NewVoskTranscriber(url string) transcriber.Backend {
	return &VoskTranscriber{url: url}
}

type voskConfigMessage struct {
	Config voskConfig `json:"config"`
}

type voskConfig struct {
	SampleRate int `json:"sample-rate"`
}

type voskResultMessage struct {
	Status string     `json:"status"`
	Result voskResult `json:"result"`
}

type voskResult struct {
	Hypotheses []voskHypothesis `json:"hypotheses"`
	Final      bool             `json:"final"`
}

type voskHypothesis struct {
	Transcript string `json:"transcript"`
}

func (t *VoskTranscriber) StartStream(ctx context.Context, sampleRate int, receiver transcriber.ResultReceiver) (transcriber.StreamWriter, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial recognition backend: %w", err)
	}
	handshake := voskConfigMessage{Config: voskConfig{SampleRate: sampleRate}}
	if err := conn.WriteJSON(handshake); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send recognition handshake: %w", err)
	}
	slog.Debug("recognition stream opened", "url", t.url, "sample_rate", sampleRate)

	w := &voskStreamWriter{conn: conn}
	go w.receiveLoop(receiver)
	return w, nil
}

type voskStreamWriter struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (w *voskStreamWriter) WriteAudio(pcm []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("recognition stream is closed")
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (w *voskStreamWriter) SendEOF() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.conn.WriteMessage(websocket.TextMessage, []byte(`{"eof" : 1}`))
}

func (w *voskStreamWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.conn.Close()
}

func (w *voskStreamWriter) receiveLoop(receiver transcriber.ResultReceiver) {
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			wasClosed := w.closed
			w.closed = true
			w.mu.Unlock()
			if wasClosed || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				receiver.OnClosed(nil)
				return
			}
			receiver.OnClosed(err)
			return
		}
		var msg voskResultMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("ignoring malformed recognition result", "error", err)
			continue
		}
		if len(msg.Result.Hypotheses) == 0 {
			continue
		}
		// Only the top candidate carries the accepted transcript.
		receiver.OnResult(msg.Result.Hypotheses[0].Transcript, msg.Result.Final)
	}
}
