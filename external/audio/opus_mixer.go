//go:build opus

package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/foxseedlab/namahousou/internal/audio"
	"github.com/hraban/opus"
)

const maxOpusFrameBytes = 1275

// OpusMixer decodes per-speaker opus packets and sums them, together with
// injected anonymous-mic PCM, into one stereo mix. Injected audio is also
// re-encoded and handed to the voice playback sink so channel members hear
// it too.
type OpusMixer struct {
	mu       sync.Mutex
	decoders map[string]*opus.Decoder
	queues   map[string]*frameQueue
	injected []int16
	playback []int16
	encoder  *opus.Encoder
	tap      func(userID string, pcm []int16)
	sendOpus func(frame []byte)
	closed   bool
}

type frameQueue struct {
	frames [][]int16
}

func (q *frameQueue) push(frame []int16) {
	q.frames = append(q.frames, frame)
}

func (q *frameQueue) pop() ([]int16, bool) {
	if len(q.frames) == 0 {
		return nil, false
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	return f, true
}

func (q *frameQueue) hasFrame() bool {
	return len(q.frames) > 0
}

func NewOpusMixer() audio.Mixer {
	return &OpusMixer{
		decoders: make(map[string]*opus.Decoder),
		queues:   make(map[string]*frameQueue),
	}
}

func (m *OpusMixer) SetUserPCMTap(tap func(userID string, pcm []int16)) {
	m.mu.Lock()
	m.tap = tap
	m.mu.Unlock()
}

func (m *OpusMixer) SetVoicePlayback(send func(opusFrame []byte)) {
	m.mu.Lock()
	m.sendOpus = send
	m.mu.Unlock()
}

func (m *OpusMixer) WriteOpusPacket(userID string, opusData []byte) {
	if len(opusData) == 0 {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	dec, ok := m.decoders[userID]
	if !ok {
		var err error
		dec, err = opus.NewDecoder(audio.MixSampleRate, audio.MixChannels)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.decoders[userID] = dec
		m.queues[userID] = &frameQueue{}
	}
	q := m.queues[userID]
	pcm := make([]int16, audio.SamplesPerFrame)
	n, err := dec.Decode(opusData, pcm)
	if err != nil || n == 0 {
		m.mu.Unlock()
		return
	}
	totalSamples := n * audio.MixChannels
	if totalSamples > audio.SamplesPerFrame {
		totalSamples = audio.SamplesPerFrame
	}
	frame := pcm[:totalSamples]
	q.push(frame)
	tap := m.tap
	m.mu.Unlock()

	if tap != nil {
		tapCopy := make([]int16, len(frame))
		copy(tapCopy, frame)
		tap(userID, tapCopy)
	}
}

func (m *OpusMixer) WriteInjectedPCM(pcmBytes []byte) {
	pcm := audio.BytesToPCM(pcmBytes)
	if len(pcm) == 0 {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.injected = append(m.injected, pcm...)
	m.playback = append(m.playback, pcm...)
	frames, send := m.encodePlaybackLocked()
	m.mu.Unlock()

	for _, f := range frames {
		send(f)
	}
}

// encodePlaybackLocked drains complete frames from the playback buffer into
// encoded opus packets. Sending happens outside the lock because the voice
// send channel is paced at frame cadence.
func (m *OpusMixer) encodePlaybackLocked() ([][]byte, func(frame []byte)) {
	if m.sendOpus == nil {
		m.playback = nil
		return nil, nil
	}
	if m.encoder == nil {
		enc, err := opus.NewEncoder(audio.MixSampleRate, audio.MixChannels, opus.AppAudio)
		if err != nil {
			slog.Error("failed to create opus encoder for injected audio", "error", err)
			m.playback = nil
			return nil, nil
		}
		m.encoder = enc
	}
	var frames [][]byte
	for len(m.playback) >= audio.SamplesPerFrame {
		chunk := m.playback[:audio.SamplesPerFrame]
		m.playback = m.playback[audio.SamplesPerFrame:]
		buf := make([]byte, maxOpusFrameBytes)
		n, err := m.encoder.Encode(chunk, buf)
		if err != nil {
			slog.Warn("failed to encode injected audio frame", "error", err)
			continue
		}
		frames = append(frames, buf[:n])
	}
	return frames, m.sendOpus
}

func (m *OpusMixer) ReadMixedPCM(buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, nil
	}
	if !m.hasPendingAudioLocked() {
		return 0, nil
	}
	mixed := make([]int16, audio.SamplesPerFrame)
	m.mixQueuedFramesLocked(mixed)
	m.mixInjectedLocked(mixed)
	return writeMixedPCM(buf, mixed), nil
}

func (m *OpusMixer) hasPendingAudioLocked() bool {
	if len(m.injected) > 0 {
		return true
	}
	for _, q := range m.queues {
		if q.hasFrame() {
			return true
		}
	}
	return false
}

func (m *OpusMixer) mixQueuedFramesLocked(mixed []int16) {
	for _, q := range m.queues {
		frame, ok := q.pop()
		if !ok {
			continue
		}
		for i := 0; i < len(frame) && i < len(mixed); i++ {
			mixed[i] = clampPCM(int32(mixed[i]) + int32(frame[i]))
		}
	}
}

func (m *OpusMixer) mixInjectedLocked(mixed []int16) {
	n := len(m.injected)
	if n > len(mixed) {
		n = len(mixed)
	}
	for i := 0; i < n; i++ {
		mixed[i] = clampPCM(int32(mixed[i]) + int32(m.injected[i]))
	}
	m.injected = m.injected[n:]
}

func clampPCM(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

func writeMixedPCM(buf []byte, mixed []int16) int {
	toWrite := len(buf) / 2
	if toWrite > len(mixed) {
		toWrite = len(mixed)
	}
	for i := 0; i < toWrite; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(mixed[i]))
	}
	return toWrite * 2
}

func (m *OpusMixer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.decoders = nil
	m.queues = nil
	m.injected = nil
	m.playback = nil
	m.encoder = nil
}
