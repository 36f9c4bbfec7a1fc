package transcribe

import (
	"github.com/samber/do/v2"

	"github.com/foxseedlab/namahousou/internal/config"
	"github.com/foxseedlab/namahousou/internal/metrics"
	"github.com/foxseedlab/namahousou/internal/repository"
	"github.com/foxseedlab/namahousou/internal/transcriber"
	"github.com/foxseedlab/namahousou/internal/webhook"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Manager, error) {
		cfg := do.MustInvoke[*config.Config](i)
		backend := do.MustInvoke[transcriber.Backend](i)
		repo := do.MustInvoke[repository.Repository](i)
		hook := do.MustInvoke[webhook.Sender](i)
		m := do.MustInvoke[*metrics.Metrics](i)

		manager := NewManager(backend, repo, hook, Config{
			SampleRate: cfg.TranscribeSampleRate,
			GuildID:    cfg.DiscordGuildID,
			ChannelID:  cfg.DiscordVoiceChannelID,
		})
		manager.OnSessionStart = m.TranscriptionSessions.Inc
		manager.OnPersist = m.TranscriptsPersisted.Inc
		manager.OnPersistFailure = m.TranscriptPersistFails.Inc
		return manager, nil
	})
}
