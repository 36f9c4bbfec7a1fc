package pubsub

import (
	"time"

	"github.com/samber/do/v2"
)

const keepAliveInterval = 15 * time.Second

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Broadcaster, error) {
		return NewBroadcaster(keepAliveInterval), nil
	})
}
