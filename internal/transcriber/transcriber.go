package transcriber

import "context"

// StreamWriter feeds mono 16-bit PCM into one open recognition stream.
type StreamWriter interface {
	WriteAudio(pcm []byte) error
	// SendEOF signals end-of-stream; the backend replies with any pending
	// final result and closes the stream.
	SendEOF() error
	Close() error
}

// ResultReceiver collects hypotheses streaming back from the backend.
// OnClosed fires exactly once when the backend stream ends, with the
// terminating error if the close was not clean.
type ResultReceiver interface {
	OnResult(text string, isFinal bool)
	OnClosed(err error)
}

// Backend opens recognition streams against an external speech-to-text
// service. sampleRate is the mono rate of the PCM the caller will write.
type Backend interface {
	StartStream(ctx context.Context, sampleRate int, receiver ResultReceiver) (StreamWriter, error)
}
