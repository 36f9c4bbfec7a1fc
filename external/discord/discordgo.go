package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
	discordpkg "github.com/foxseedlab/namahousou/internal/discord"
)

type Client struct {
	session *discordgo.Session
	token   string
}

func NewClient(token string) discordpkg.Client {
	return &Client{token: token}
}

func (c *Client) Connect(ctx context.Context) error {
	_ = ctx
	s, err := discordgo.New("Bot " + c.token)
	if err != nil {
		return err
	}
	c.session = s
	s.Identify.Intents = discordgo.MakeIntent(discordgo.IntentsGuildVoiceStates)
	s.State.TrackVoice = true
	return s.Open()
}

func (c *Client) Close() error {
	if c.session != nil {
		return c.session.Close()
	}
	return nil
}

func (c *Client) JoinVoiceChannel(guildID, channelID string) (discordpkg.VoiceConnection, error) {
	if c.session == nil {
		return nil, fmt.Errorf("discord session is not initialized")
	}
	vc, err := c.session.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, err
	}
	impl := &voiceConnectionImpl{vc: vc, ssrcUsers: make(map[uint32]string)}
	vc.AddHandler(impl.handleSpeakingUpdate)
	return impl, nil
}

func (c *Client) FetchUserProfile(ctx context.Context, userID string) (discordpkg.UserProfile, error) {
	_ = ctx
	if c.session == nil {
		return discordpkg.UserProfile{}, fmt.Errorf("discord session is not initialized")
	}
	u, err := c.session.User(userID)
	if err != nil {
		return discordpkg.UserProfile{}, err
	}
	display := u.GlobalName
	if display == "" {
		display = u.Username
	}
	return discordpkg.UserProfile{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: display,
		AvatarURL:   u.AvatarURL(""),
	}, nil
}

type voiceConnectionImpl struct {
	vc *discordgo.VoiceConnection

	mu              sync.Mutex
	ssrcUsers       map[uint32]string
	speakingHandler func(userID string, speaking bool)
	sendingVoice    bool
}

func (v *voiceConnectionImpl) Disconnect() error {
	return v.vc.Disconnect()
}

func (v *voiceConnectionImpl) Ready() bool {
	return v.vc != nil && v.vc.Ready
}

func (v *voiceConnectionImpl) handleSpeakingUpdate(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
	if su == nil || su.UserID == "" {
		return
	}
	v.mu.Lock()
	v.ssrcUsers[uint32(su.SSRC)] = su.UserID
	handler := v.speakingHandler
	v.mu.Unlock()
	slog.Debug("voice speaking update", "user_id", su.UserID, "ssrc", su.SSRC, "speaking", su.Speaking)
	if handler != nil {
		handler(su.UserID, su.Speaking)
	}
}

func (v *voiceConnectionImpl) RegisterSpeakingHandler(handler func(userID string, speaking bool)) {
	v.mu.Lock()
	v.speakingHandler = handler
	v.mu.Unlock()
}

func (v *voiceConnectionImpl) ReceiveAudio(callback func(userID string, opusPacket []byte)) {
	for packet := range v.vc.OpusRecv {
		if packet == nil {
			continue
		}
		v.mu.Lock()
		userID := v.ssrcUsers[packet.SSRC]
		v.mu.Unlock()
		if userID == "" {
			// Speaking update for this SSRC has not arrived yet.
			continue
		}
		callback(userID, packet.Opus)
	}
}

func (v *voiceConnectionImpl) SendOpusFrame(frame []byte) error {
	v.mu.Lock()
	if !v.sendingVoice {
		if err := v.vc.Speaking(true); err != nil {
			v.mu.Unlock()
			return err
		}
		v.sendingVoice = true
	}
	v.mu.Unlock()
	if !v.vc.Ready || v.vc.OpusSend == nil {
		return fmt.Errorf("voice connection is not ready")
	}
	v.vc.OpusSend <- frame
	return nil
}
