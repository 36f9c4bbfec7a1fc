//go:build !opus

package audio

import "github.com/foxseedlab/namahousou/internal/audio"

type noopMixer struct{}

func NewOpusMixer() audio.Mixer {
	return &noopMixer{}
}

func (m *noopMixer) WriteOpusPacket(_ string, _ []byte) {}

func (m *noopMixer) WriteInjectedPCM(_ []byte) {}

func (m *noopMixer) ReadMixedPCM(_ []byte) (int, error) {
	return 0, nil
}

func (m *noopMixer) SetUserPCMTap(_ func(userID string, pcm []int16)) {}

func (m *noopMixer) SetVoicePlayback(_ func(opusFrame []byte)) {}

func (m *noopMixer) Close() {}
