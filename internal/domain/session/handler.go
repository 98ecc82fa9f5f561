package session

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

func RegisterRoutes(r chi.Router, m *Manager) {
	r.Route("/session", func(sr chi.Router) {
		sr.Get("/", getSessionHandler(m))
		sr.Put("/", putSessionHandler(m))
		sr.Delete("/", deleteSessionHandler(m))
	})
}

type putSessionRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Token  string `json:"token"`
}

// sessionResponse nunca incluye el token.
type sessionResponse struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// getSessionHandler godoc
// @Summary Sesión activa
// @Tags session
// @Produce json
// @Success 200 {object} sessionResponse
// @Failure 404 {string} string "no active session"
// @Router /session [get]
func getSessionHandler(m *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := m.Get(r.Context())
		if err != nil {
			http.Error(w, "no active session", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, toResponse(s))
	}
}

// putSessionHandler godoc
// @Summary Iniciar o renovar sesión
// @Description Guarda usuario y bearer. Un usuario distinto al anterior borra los datos locales; un token nuevo reanuda la cola.
// @Tags session
// @Accept json
// @Produce json
// @Param payload body putSessionRequest true "Usuario y token"
// @Success 200 {object} sessionResponse
// @Failure 400 {string} string "invalid json / invalid input"
// @Failure 503 {string} string "storage unavailable"
// @Router /session [put]
func putSessionHandler(m *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req putSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		s, err := m.Login(r.Context(), LoginInput{UserID: req.UserID, Email: req.Email, Token: req.Token})
		if errors.Is(err, ErrInvalidInput) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, toResponse(s))
	}
}

// deleteSessionHandler godoc
// @Summary Cerrar sesión
// @Description Borra la sesión y todas las colecciones del usuario, incluida la cola pendiente.
// @Tags session
// @Success 204
// @Failure 503 {string} string "storage unavailable"
// @Router /session [delete]
func deleteSessionHandler(m *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := m.Logout(r.Context()); err != nil {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func toResponse(s Session) sessionResponse {
	return sessionResponse{UserID: s.UserID, Email: s.Email, UpdatedAt: s.UpdatedAt}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
