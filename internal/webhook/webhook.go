package webhook

import (
	"context"
	"time"
)

type TranscriptPayload struct {
	UserID    string    `json:"user_id"`
	GuildID   string    `json:"guild_id"`
	ChannelID string    `json:"channel_id"`
	Content   string    `json:"content"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

type Sender interface {
	SendTranscript(ctx context.Context, payload TranscriptPayload) error
}
