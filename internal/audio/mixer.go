package audio

const (
	// Native layout of the mixed channel audio.
	MixSampleRate = 48000
	MixChannels   = 2
	FrameSizeMs   = 20

	SamplesPerFrame = MixSampleRate * FrameSizeMs * MixChannels / 1000
)

// Mixer is the external mixing collaborator. It combines per-speaker opus
// packets and injected PCM into one stereo mix readable in fixed frames.
type Mixer interface {
	WriteOpusPacket(userID string, opus []byte)
	WriteInjectedPCM(pcm []byte)
	ReadMixedPCM(buf []byte) (int, error)
	SetUserPCMTap(tap func(userID string, pcm []int16))
	SetVoicePlayback(send func(opusFrame []byte))
	Close()
}
