package httpserver

import (
	"github.com/samber/do/v2"

	"github.com/foxseedlab/namahousou/internal/anonmic"
	"github.com/foxseedlab/namahousou/internal/census"
	"github.com/foxseedlab/namahousou/internal/config"
	"github.com/foxseedlab/namahousou/internal/encoder"
	"github.com/foxseedlab/namahousou/internal/metrics"
	"github.com/foxseedlab/namahousou/internal/presence"
	"github.com/foxseedlab/namahousou/internal/pubsub"
	"github.com/foxseedlab/namahousou/internal/repository"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Server, error) {
		return NewServer(
			do.MustInvoke[*config.Config](i),
			do.MustInvoke[*encoder.Supervisor](i),
			do.MustInvoke[*pubsub.Broadcaster](i),
			do.MustInvoke[*census.Census](i),
			do.MustInvoke[*presence.Tracker](i),
			do.MustInvoke[*anonmic.Manager](i),
			do.MustInvoke[repository.Repository](i),
			do.MustInvoke[*metrics.Metrics](i),
		), nil
	})
}
