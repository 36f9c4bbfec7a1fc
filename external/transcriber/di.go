package transcriber

import (
	"fmt"

	"github.com/foxseedlab/namahousou/internal/config"
	"github.com/foxseedlab/namahousou/internal/transcriber"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (transcriber.Backend, error) {
		c := do.MustInvoke[*config.Config](i)
		switch c.TranscriberBackend {
		case config.TranscriberBackendVosk:
			return NewVoskTranscriber(c.VoskURL), nil
		case config.TranscriberBackendGoogle:
			return NewCloudSpeechTranscriber(CloudSpeechConfig{
				ProjectID:       c.GoogleCloudProjectID,
				CredentialsJSON: c.GoogleCloudCredentialsJSON,
				Language:        c.DefaultTranscribeLanguage,
				Location:        c.GoogleCloudSpeechLocation,
				Model:           c.GoogleCloudSpeechModel,
			}), nil
		default:
			return nil, fmt.Errorf("unknown transcriber backend %q", c.TranscriberBackend)
		}
	})
}
