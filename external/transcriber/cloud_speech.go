package transcriber

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"cloud.google.com/go/auth/credentials"
	speech "cloud.google.com/go/speech/apiv2"
	speechpb "cloud.google.com/go/speech/apiv2/speechpb"
	"github.com/foxseedlab/namahousou/internal/transcriber"
	"google.golang.org/api/option"
)

const speechAPIEndpointPort = 443

type CloudSpeechConfig struct {
	ProjectID       string
	CredentialsJSON string
	Language        string
	Location        string
	Model           string
}

// CloudSpeechTranscriber is the managed alternative to the self-hosted
// websocket backend. One gRPC streaming-recognize session per speaker.
type CloudSpeechTranscriber struct {
	cfg CloudSpeechConfig
}

func NewCloudSpeechTranscriber(cfg CloudSpeechConfig) transcriber.Backend {
	cfg.Location = strings.TrimSpace(cfg.Location)
	cfg.Model = strings.TrimSpace(cfg.Model)
	return &CloudSpeechTranscriber{cfg: cfg}
}

func (t *CloudSpeechTranscriber) StartStream(ctx context.Context, sampleRate int, receiver transcriber.ResultReceiver) (transcriber.StreamWriter, error) {
	creds, err := credentials.DetectDefault(&credentials.DetectOptions{
		CredentialsJSON: []byte(t.cfg.CredentialsJSON),
		Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
	})
	if err != nil {
		return nil, fmt.Errorf("detect credentials: %w", err)
	}

	opts := []option.ClientOption{option.WithAuthCredentials(creds)}
	if t.cfg.Location != "global" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-speech.googleapis.com:%d", t.cfg.Location, speechAPIEndpointPort)))
	}
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	stream, err := client.StreamingRecognize(ctx)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	recognizer := fmt.Sprintf("projects/%s/locations/%s/recognizers/_", t.cfg.ProjectID, t.cfg.Location)
	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		Recognizer: recognizer,
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Model:         t.cfg.Model,
					LanguageCodes: []string{t.cfg.Language},
					DecodingConfig: &speechpb.RecognitionConfig_ExplicitDecodingConfig{
						ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
							Encoding:          speechpb.ExplicitDecodingConfig_LINEAR16,
							SampleRateHertz:   int32(sampleRate),
							AudioChannelCount: 1,
						},
					},
					Features: &speechpb.RecognitionFeatures{},
				},
				StreamingFeatures: &speechpb.StreamingRecognitionFeatures{InterimResults: true},
			},
		},
	})
	if err != nil {
		_ = stream.CloseSend()
		_ = client.Close()
		return nil, err
	}
	slog.Debug("cloud speech stream initialized", "sample_rate", sampleRate, "location", t.cfg.Location)

	w := &cloudStreamWriter{stream: stream, client: client}
	go w.receiveLoop(receiver)
	return w, nil
}

type cloudStreamWriter struct {
	mu     sync.Mutex
	stream speechpb.Speech_StreamingRecognizeClient
	client *speech.Client
	closed bool
}

func (w *cloudStreamWriter) WriteAudio(pcm []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return io.ErrClosedPipe
	}
	return w.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_Audio{Audio: pcm},
	})
}

func (w *cloudStreamWriter) SendEOF() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.stream.CloseSend()
}

func (w *cloudStreamWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.client.Close()
}

func (w *cloudStreamWriter) receiveLoop(receiver transcriber.ResultReceiver) {
	for {
		resp, err := w.stream.Recv()
		if err != nil {
			if err == io.EOF || strings.Contains(err.Error(), "context canceled") {
				receiver.OnClosed(nil)
				return
			}
			receiver.OnClosed(err)
			return
		}
		for _, result := range resp.GetResults() {
			if len(result.GetAlternatives()) == 0 {
				continue
			}
			receiver.OnResult(result.GetAlternatives()[0].GetTranscript(), result.GetIsFinal())
		}
	}
}
