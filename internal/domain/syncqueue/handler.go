package syncqueue

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

func RegisterRoutes(r chi.Router, q *Queue) {
	r.Route("/sync/actions", func(ar chi.Router) {
		ar.Get("/", listActionsHandler(q))
		ar.Delete("/{actionID}", discardActionHandler(q))
	})
}

func listActionsHandler(q *Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := q.Pending(r.Context())
		if err != nil {
			// lectura degradada: la UI muestra la lista vacía
			items = []Action{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func discardActionHandler(q *Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "actionID"), 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, "invalid action id", http.StatusBadRequest)
			return
		}

		switch err := q.Remove(r.Context(), id); {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, ErrNotFound):
			http.Error(w, "action not found", http.StatusNotFound)
		case errors.Is(err, ErrInvalidInput):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
