package router

import (
	"net/http"

	"pet-health-sync/internal/domain/coordinator"
	"pet-health-sync/internal/domain/health"
	"pet-health-sync/internal/domain/history"
	"pet-health-sync/internal/domain/pets"
	"pet-health-sync/internal/domain/session"
	"pet-health-sync/internal/domain/syncqueue"
	"pet-health-sync/internal/middleware"
	"pet-health-sync/internal/platform/logger"

	_ "pet-health-sync/internal/docs"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
)

// Options agrupa los módulos ya construidos. Los nil no registran rutas.
type Options struct {
	Auth   middleware.AuthOptions
	Logger logger.Logger

	Session     *session.Manager
	Pets        *pets.Service
	Health      *health.Service
	History     *history.Service
	Queue       *syncqueue.Queue
	Coordinator *coordinator.Coordinator

	Events         coordinator.EventSource
	OriginPatterns []string
}

func NewRouter(opts Options) http.Handler {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLog(log))

	// mutaciones desde otro origin no usan la sesión del daemon
	r.Use(middleware.OriginGuard(opts.OriginPatterns, log))
	r.Use(middleware.AuthContext(opts.Auth))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))

	// Rutas por módulo
	if opts.Session != nil {
		session.RegisterRoutes(r, opts.Session)
	}
	if opts.Pets != nil {
		pets.RegisterRoutes(r, opts.Pets)
	}
	if opts.Health != nil {
		health.RegisterRoutes(r, opts.Health)
	}
	if opts.History != nil {
		history.RegisterRoutes(r, opts.History)
	}
	if opts.Queue != nil {
		syncqueue.RegisterRoutes(r, opts.Queue)
	}
	if opts.Coordinator != nil {
		coordinator.RegisterRoutes(r, opts.Coordinator, coordinator.RouteOptions{
			Events:         opts.Events,
			OriginPatterns: opts.OriginPatterns,
		})
	}

	return r
}
