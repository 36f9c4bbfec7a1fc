package radio

import (
	"github.com/samber/do/v2"

	"github.com/foxseedlab/namahousou/internal/audio"
	"github.com/foxseedlab/namahousou/internal/config"
	"github.com/foxseedlab/namahousou/internal/discord"
	"github.com/foxseedlab/namahousou/internal/encoder"
	"github.com/foxseedlab/namahousou/internal/presence"
	"github.com/foxseedlab/namahousou/internal/transcribe"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Manager, error) {
		cfg := do.MustInvoke[*config.Config](i)
		client := do.MustInvoke[discord.Client](i)
		mixer := do.MustInvoke[audio.Mixer](i)
		supervisor := do.MustInvoke[*encoder.Supervisor](i)
		tracker := do.MustInvoke[*presence.Tracker](i)
		transcribeManager := do.MustInvoke[*transcribe.Manager](i)

		return NewManager(client, mixer, supervisor, tracker, transcribeManager, Config{
			GuildID:        cfg.DiscordGuildID,
			VoiceChannelID: cfg.DiscordVoiceChannelID,
		}), nil
	})
}
