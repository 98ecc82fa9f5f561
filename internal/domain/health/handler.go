package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pet-health-sync/internal/middleware"

	"github.com/go-chi/chi/v5"
)

func RegisterRoutes(r chi.Router, svc *Service) {
	r.Route("/pets/{petID}", func(pr chi.Router) {
		pr.Get("/metrics", listHandler(svc.ListMetrics))
		pr.Post("/metrics", addMetricHandler(svc))

		pr.Get("/vaccinations", listHandler(svc.ListVaccinations))
		pr.Post("/vaccinations", addVaccinationHandler(svc))

		pr.Get("/dewormings", listHandler(svc.ListDewormings))
		pr.Post("/dewormings", addDewormingHandler(svc))

		pr.Get("/diseases", listHandler(svc.ListDiseases))
		pr.Post("/diseases", addDiseaseHandler(svc))

		pr.Get("/care-plans", listHandler(svc.ListCarePlans))
		pr.Post("/care-plans", addCarePlanHandler(svc))
	})
}

type addMetricRequest struct {
	Kind       string  `json:"kind" enums:"weight,temperature,heart_rate,body_condition"`
	Value      float64 `json:"value"`
	Unit       string  `json:"unit"`
	MeasuredAt string  `json:"measured_at"` // RFC3339 opcional, por defecto ahora
	Notes      string  `json:"notes"`
}

type addVaccinationRequest struct {
	Vaccine   string `json:"vaccine"`
	Batch     string `json:"batch"`
	AppliedAt string `json:"applied_at"`
	NextDue   string `json:"next_due"`
	Vet       string `json:"vet"`
	Notes     string `json:"notes"`
}

type addDewormingRequest struct {
	Kind      string `json:"kind" enums:"internal,external,both"`
	Product   string `json:"product"`
	Dose      string `json:"dose"`
	AppliedAt string `json:"applied_at"`
	NextDue   string `json:"next_due"`
	Notes     string `json:"notes"`
}

type addDiseaseRequest struct {
	Name        string `json:"name"`
	Status      string `json:"status" enums:"active,chronic,resolved"`
	DiagnosedAt string `json:"diagnosed_at"`
	ResolvedAt  string `json:"resolved_at"`
	Notes       string `json:"notes"`
}

type addCarePlanRequest struct {
	Title     string `json:"title"`
	Kind      string `json:"kind"`
	Dosage    string `json:"dosage"`
	DoseUnit  string `json:"dose_unit"`
	Frequency string `json:"frequency"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Notes     string `json:"notes"`
}

// listHandler godoc
// @Summary Listar registros de salud de una mascota
// @Description Lee del store local. Nunca devuelve 5xx: si el store falla, lista vacía.
// @Tags health
// @Produce json
// @Param petID path string true "ID de la mascota"
// @Param kinds query string false "CSV de tipos (kind de métrica, vacuna, status de enfermedad...)"
// @Param from query string false "Fecha mínima (RFC3339)"
// @Param to query string false "Fecha máxima (RFC3339)"
// @Param limit query int false "1-200, por defecto 50"
// @Success 200 {array} Metric
// @Failure 400 {string} string "Parámetros de filtro inválidos"
// @Failure 401 {string} string "unauthorized"
// @Router /pets/{petID}/metrics [get]
func listHandler[T any](fn func(ctx context.Context, petID string, f ListFilter) ([]T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		filter, err := parseListFilter(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		items, err := fn(r.Context(), chi.URLParam(r, "petID"), filter)
		if err != nil {
			items = []T{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

// addMetricHandler godoc
// @Summary Registrar métrica de salud
// @Description Escritura optimista (sync_state=pending) + add_metric encolado.
// @Tags health
// @Accept json
// @Produce json
// @Param petID path string true "ID de la mascota"
// @Param payload body addMetricRequest true "Métrica"
// @Success 201 {object} Metric
// @Failure 400 {string} string "invalid json / reglas de negocio"
// @Failure 401 {string} string "unauthorized"
// @Failure 404 {string} string "pet not found"
// @Failure 503 {string} string "storage unavailable"
// @Router /pets/{petID}/metrics [post]
func addMetricHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addMetricRequest
		if !decode(w, r, &req) {
			return
		}
		at, ok := parseTime(w, "measured_at", req.MeasuredAt)
		if !ok {
			return
		}
		m, err := svc.AddMetric(r.Context(), chi.URLParam(r, "petID"), MetricInput{
			Kind: req.Kind, Value: req.Value, Unit: req.Unit, MeasuredAt: deref(at), Notes: req.Notes,
		})
		respond(w, m, err)
	}
}

func addVaccinationHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addVaccinationRequest
		if !decode(w, r, &req) {
			return
		}
		applied, ok := parseTime(w, "applied_at", req.AppliedAt)
		if !ok {
			return
		}
		next, ok := parseTime(w, "next_due", req.NextDue)
		if !ok {
			return
		}
		v, err := svc.AddVaccination(r.Context(), chi.URLParam(r, "petID"), VaccinationInput{
			Vaccine: req.Vaccine, Batch: req.Batch, AppliedAt: deref(applied), NextDue: next, Vet: req.Vet, Notes: req.Notes,
		})
		respond(w, v, err)
	}
}

func addDewormingHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addDewormingRequest
		if !decode(w, r, &req) {
			return
		}
		applied, ok := parseTime(w, "applied_at", req.AppliedAt)
		if !ok {
			return
		}
		next, ok := parseTime(w, "next_due", req.NextDue)
		if !ok {
			return
		}
		d, err := svc.AddDeworming(r.Context(), chi.URLParam(r, "petID"), DewormingInput{
			Kind: req.Kind, Product: req.Product, Dose: req.Dose, AppliedAt: deref(applied), NextDue: next, Notes: req.Notes,
		})
		respond(w, d, err)
	}
}

func addDiseaseHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addDiseaseRequest
		if !decode(w, r, &req) {
			return
		}
		diagnosed, ok := parseTime(w, "diagnosed_at", req.DiagnosedAt)
		if !ok {
			return
		}
		resolved, ok := parseTime(w, "resolved_at", req.ResolvedAt)
		if !ok {
			return
		}
		d, err := svc.AddDisease(r.Context(), chi.URLParam(r, "petID"), DiseaseInput{
			Name: req.Name, Status: req.Status, DiagnosedAt: deref(diagnosed), ResolvedAt: resolved, Notes: req.Notes,
		})
		respond(w, d, err)
	}
}

func addCarePlanHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addCarePlanRequest
		if !decode(w, r, &req) {
			return
		}
		start, ok := parseTime(w, "start_date", req.StartDate)
		if !ok {
			return
		}
		end, ok := parseTime(w, "end_date", req.EndDate)
		if !ok {
			return
		}
		c, err := svc.AddCarePlan(r.Context(), chi.URLParam(r, "petID"), CarePlanInput{
			Title: req.Title, Kind: req.Kind, Dosage: req.Dosage, DoseUnit: req.DoseUnit,
			Frequency: req.Frequency, StartDate: deref(start), EndDate: end, Notes: req.Notes,
		})
		respond(w, c, err)
	}
}

func authorized(w http.ResponseWriter, r *http.Request) bool {
	claims, ok := middleware.GetClaims(r.Context())
	if !ok || strings.TrimSpace(claims.UserID) == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if !authorized(w, r) {
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

// parseTime acepta RFC3339 o YYYY-MM-DD; vacío => nil.
func parseTime(w http.ResponseWriter, field, v string) (*time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, true
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, true
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return &t, true
	}
	http.Error(w, field+" must be RFC3339 or YYYY-MM-DD", http.StatusBadRequest)
	return nil, false
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func respond(w http.ResponseWriter, v any, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, v)
	case errors.Is(err, ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrPetNotFound):
		http.Error(w, "pet not found", http.StatusNotFound)
	default:
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
	}
}

func parseListFilter(r *http.Request) (ListFilter, error) {
	filter := ListFilter{Limit: defaultLimit}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxLimit {
			filter.Limit = n
		}
	}

	// kinds=weight,temperature
	if v := strings.TrimSpace(r.URL.Query().Get("kinds")); v != "" {
		for _, p := range strings.Split(v, ",") {
			if k := strings.TrimSpace(p); k != "" {
				filter.Kinds = append(filter.Kinds, k)
			}
		}
	}

	if v := strings.TrimSpace(r.URL.Query().Get("from")); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return ListFilter{}, errors.New("from must be RFC3339")
		}
		filter.From = &t
	}
	if v := strings.TrimSpace(r.URL.Query().Get("to")); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return ListFilter{}, errors.New("to must be RFC3339")
		}
		filter.To = &t
	}
	return filter, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
