package encoder

import (
	"github.com/samber/do/v2"

	"github.com/foxseedlab/namahousou/internal/config"
	"github.com/foxseedlab/namahousou/internal/encoder"
	"github.com/foxseedlab/namahousou/internal/metrics"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*encoder.Supervisor, error) {
		cfg := do.MustInvoke[*config.Config](i)
		m := do.MustInvoke[*metrics.Metrics](i)

		supCfg := encoder.Config{
			HeaderLimit: cfg.EncoderHeaderLimit,
		}
		if cfg.StreamFormat == config.StreamFormatOggOpus {
			supCfg.HeaderMarker = []byte("OggS")
			supCfg.HeaderMarkerCount = 3
		}

		factory := NewFFmpegFactory(cfg.StreamFormat, cfg.EncoderBitrate)
		sup := encoder.NewSupervisor(factory, supCfg)
		sup.OnRestart = func(class encoder.FailureClass) {
			m.EncoderRestarts.WithLabelValues(string(class)).Inc()
		}
		return sup, nil
	})
}
