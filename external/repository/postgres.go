package repository

import (
	"context"

	"github.com/foxseedlab/namahousou/internal/repository"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) repository.Repository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) InsertTranscript(ctx context.Context, input repository.InsertTranscriptInput) (*repository.Transcript, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO transcripts (user_id, guild_id, channel_id, content, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, user_id, guild_id, channel_id, content, started_at, ended_at, created_at`,
		input.UserID, input.GuildID, input.ChannelID, input.Content, input.StartedAt, input.EndedAt)
	var tr repository.Transcript
	if err := row.Scan(&tr.ID, &tr.UserID, &tr.GuildID, &tr.ChannelID, &tr.Content, &tr.StartedAt, &tr.EndedAt, &tr.CreatedAt); err != nil {
		return nil, err
	}
	return &tr, nil
}

func (r *PostgresRepository) ListRecentTranscripts(ctx context.Context, limit int) ([]repository.Transcript, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, guild_id, channel_id, content, started_at, ended_at, created_at
		 FROM transcripts ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.Transcript
	for rows.Next() {
		var tr repository.Transcript
		if err := rows.Scan(&tr.ID, &tr.UserID, &tr.GuildID, &tr.ChannelID, &tr.Content, &tr.StartedAt, &tr.EndedAt, &tr.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, tr)
	}
	return list, rows.Err()
}
