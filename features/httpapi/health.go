package httpapi

import (
	"context"
	"net/http"

	"goa.design/clue/health"
)

type pingerFunc struct {
	name string
	ping func(context.Context) error
}

func (p pingerFunc) Name() string                   { return p.name }
func (p pingerFunc) Ping(ctx context.Context) error { return p.ping(ctx) }

// PingerFunc adapts a name and a ping function to the health checker's
// dependency interface.
func PingerFunc(name string, ping func(context.Context) error) health.Pinger {
	return pingerFunc{name: name, ping: ping}
}

// HealthRoutes mounts GET /healthz reporting the status of each dependency.
func HealthRoutes(mux *http.ServeMux, pingers ...health.Pinger) {
	mux.Handle("GET /healthz", health.Handler(health.NewChecker(pingers...)))
}
