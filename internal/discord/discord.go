package discord

import "context"

// UserProfile is the resolved display identity of a voice-channel member.
type UserProfile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

// VoiceConnection is one live connection to a voice channel. It is owned
// exclusively by the radio manager; other components reach it through the
// manager so leave/rejoin operations stay serialized.
type VoiceConnection interface {
	Disconnect() error
	Ready() bool
	// ReceiveAudio invokes the callback for every inbound opus packet with
	// the speaking user already resolved from its SSRC.
	ReceiveAudio(callback func(userID string, opusPacket []byte))
	// RegisterSpeakingHandler is invoked on voice-activity start and end.
	RegisterSpeakingHandler(handler func(userID string, speaking bool))
	// SendOpusFrame plays one encoded frame into the voice channel.
	SendOpusFrame(frame []byte) error
}

type Client interface {
	Connect(ctx context.Context) error
	Close() error
	JoinVoiceChannel(guildID, channelID string) (VoiceConnection, error)
	FetchUserProfile(ctx context.Context, userID string) (UserProfile, error)
}
