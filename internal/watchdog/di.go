package watchdog

import (
	"time"

	"github.com/samber/do/v2"

	"github.com/foxseedlab/namahousou/internal/config"
	"github.com/foxseedlab/namahousou/internal/encoder"
	"github.com/foxseedlab/namahousou/internal/metrics"
	"github.com/foxseedlab/namahousou/internal/radio"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Watchdog, error) {
		cfg := do.MustInvoke[*config.Config](i)
		supervisor := do.MustInvoke[*encoder.Supervisor](i)
		manager := do.MustInvoke[*radio.Manager](i)
		m := do.MustInvoke[*metrics.Metrics](i)

		w := NewWatchdog(supervisor, manager, Config{
			SilenceThreshold: time.Duration(cfg.WatchdogSilenceSec) * time.Second,
			Rejoin:           cfg.WatchdogRejoin,
		})
		w.OnRestart = m.WatchdogRestarts.Inc
		w.OnRejoin = m.WatchdogRejoins.Inc
		return w, nil
	})
}
