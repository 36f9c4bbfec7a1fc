package presence

import (
	"github.com/samber/do/v2"

	"github.com/foxseedlab/namahousou/internal/discord"
	"github.com/foxseedlab/namahousou/internal/pubsub"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Tracker, error) {
		client := do.MustInvoke[discord.Client](i)
		events := do.MustInvoke[*pubsub.Broadcaster](i)
		return NewTracker(client, events), nil
	})
}
