package history

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func RegisterRoutes(r chi.Router, svc *Service) {
	r.Route("/chat/{threadID}/messages", func(cr chi.Router) {
		cr.Get("/", threadHandler(svc))
		cr.Post("/", sendHandler(svc))
	})
}

type sendRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func threadHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := svc.Thread(r.Context(), chi.URLParam(r, "threadID"))
		if errors.Is(err, ErrInvalidInput) {
			http.Error(w, "invalid thread id", http.StatusBadRequest)
			return
		}
		if err != nil {
			// nunca 5xx en lecturas: vista vacía
			view = ThreadView{ThreadID: chi.URLParam(r, "threadID"), Messages: []Message{}, Source: "local"}
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func sendHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}

		m, err := svc.Send(r.Context(), chi.URLParam(r, "threadID"), SendInput{Role: Role(req.Role), Content: req.Content})
		if errors.Is(err, ErrInvalidInput) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusAccepted, m)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
