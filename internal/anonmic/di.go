package anonmic

import (
	"time"

	"github.com/samber/do/v2"

	"github.com/foxseedlab/namahousou/internal/audio"
	"github.com/foxseedlab/namahousou/internal/config"
	"github.com/foxseedlab/namahousou/internal/metrics"
	"github.com/foxseedlab/namahousou/internal/pubsub"
	"github.com/foxseedlab/namahousou/internal/radio"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Manager, error) {
		cfg := do.MustInvoke[*config.Config](i)
		voice := do.MustInvoke[*radio.Manager](i)
		mixer := do.MustInvoke[audio.Mixer](i)
		events := do.MustInvoke[*pubsub.Broadcaster](i)
		m := do.MustInvoke[*metrics.Metrics](i)

		manager := NewManager(voice, mixer, events, Config{
			MaxDuration:  time.Duration(cfg.AnonSlotMaxDurationSec) * time.Second,
			ConnectGrace: time.Duration(cfg.AnonSlotConnectGraceSec) * time.Second,
			Inactivity:   time.Duration(cfg.AnonSlotInactivitySec) * time.Second,
		})
		manager.OnClaim = m.SlotClaims.Inc
		manager.OnRelease = func(reason ReleaseReason) {
			m.SlotReleases.WithLabelValues(string(reason)).Inc()
		}
		voice.OnVoiceLost = manager.NotifyVoiceLost
		return manager, nil
	})
}
