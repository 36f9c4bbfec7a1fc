package repository

import "time"

type Transcript struct {
	ID        string
	UserID    string
	GuildID   string
	ChannelID string
	Content   string
	StartedAt time.Time
	EndedAt   time.Time
	CreatedAt time.Time
}
