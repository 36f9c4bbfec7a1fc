package repository

import (
	"context"
	"time"
)

type InsertTranscriptInput struct {
	UserID    string
	GuildID   string
	ChannelID string
	Content   string
	StartedAt time.Time
	EndedAt   time.Time
}

type Repository interface {
	InsertTranscript(ctx context.Context, input InsertTranscriptInput) (*Transcript, error)
	ListRecentTranscripts(ctx context.Context, limit int) ([]Transcript, error)
}
