// Package connectivity detecta la red sondeando el endpoint de salud del backend.
package connectivity

import (
	"context"
	"errors"
	"net/http"
	"time"

	"pet-health-sync/internal/platform/httpclient"
	"pet-health-sync/internal/platform/logger"
)

// Sink recibe las transiciones (coordinator.SetOnline).
type Sink interface {
	SetOnline(online bool)
}

type Prober struct {
	client   *httpclient.Client
	path     string
	interval time.Duration
	sink     Sink
	log      logger.Logger
}

func NewProber(client *httpclient.Client, path string, interval time.Duration, sink Sink, log logger.Logger) *Prober {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if path == "" {
		path = "/health"
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Prober{
		client:   client,
		path:     path,
		interval: interval,
		sink:     sink,
		log:      log.With(map[string]any{"component": "prober"}),
	}
}

// Probe devuelve true si el backend respondió, aunque sea con error HTTP:
// cualquier respuesta prueba que hay red. El timeout es el del client.
func (p *Prober) Probe(ctx context.Context) bool {
	_, err := p.client.Do(ctx, httpclient.Request{Method: http.MethodGet, Endpoint: p.path})
	if err == nil {
		return true
	}
	var he *httpclient.HTTPError
	return errors.As(err, &he)
}

// Run sondea hasta que ctx termine. Sólo informa cambios de estado.
func (p *Prober) Run(ctx context.Context) {
	t := time.NewTicker(p.interval)
	defer t.Stop()

	var last *bool
	for {
		online := p.Probe(ctx)
		if ctx.Err() != nil {
			return
		}
		if last == nil || *last != online {
			p.log.Debug("probe_result_changed", map[string]any{"online": online})
			p.sink.SetOnline(online)
			last = &online
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
