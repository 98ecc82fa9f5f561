package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"pet-health-sync/internal/domain/syncqueue"
	"pet-health-sync/internal/platform/eventbus"
)

// EventSource es el bus de eventos de sync (eventbus.Bus[syncqueue.Event]).
type EventSource interface {
	Subscribe(buffer int) *eventbus.Subscription[syncqueue.Event]
}

type RouteOptions struct {
	Events EventSource
	// OriginPatterns para el handshake websocket; vacío => sólo mismo origen.
	OriginPatterns []string
}

func RegisterRoutes(r chi.Router, c *Coordinator, opts RouteOptions) {
	r.Route("/sync", func(sr chi.Router) {
		sr.Get("/status", statusHandler(c))
		sr.Post("/run", runHandler(c))
		sr.Post("/connectivity", connectivityHandler(c))
		if opts.Events != nil {
			sr.Get("/events", eventsHandler(opts))
		}
	})
}

func statusHandler(c *Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, c.Status())
	}
}

func runHandler(c *Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !c.Online() {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "offline"})
			return
		}
		c.Trigger()
		writeJSON(w, http.StatusAccepted, c.Status())
	}
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

// connectivityHandler recibe los eventos online/offline del navegador.
func connectivityHandler(c *Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req connectivityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
			http.Error(w, "invalid json: online required", http.StatusBadRequest)
			return
		}
		c.SetOnline(*req.Online)
		writeJSON(w, http.StatusOK, c.Status())
	}
}

// eventsHandler empuja cada evento de sync como un frame de texto JSON.
func eventsHandler(opts RouteOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: opts.OriginPatterns})
		if err != nil {
			return
		}
		defer conn.CloseNow()

		sub := opts.Events.Subscribe(0)
		defer sub.Close()

		// el cliente no manda nada; CloseRead detecta el cierre
		ctx := conn.CloseRead(r.Context())

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				b, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
				err = conn.Write(wctx, websocket.MessageText, b)
				cancel()
				if err != nil {
					return
				}
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
