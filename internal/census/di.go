package census

import (
	"time"

	"github.com/samber/do/v2"

	"github.com/foxseedlab/namahousou/internal/config"
	"github.com/foxseedlab/namahousou/internal/pubsub"
)

const snapshotInterval = time.Minute

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Census, error) {
		cfg := do.MustInvoke[*config.Config](i)
		events := do.MustInvoke[*pubsub.Broadcaster](i)
		retention := time.Duration(cfg.ListenerHistoryRetentionMin) * time.Minute
		return New(retention, snapshotInterval, events), nil
	})
}
