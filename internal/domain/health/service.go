package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"pet-health-sync/internal/domain/pets"
	"pet-health-sync/internal/domain/syncqueue"
	"pet-health-sync/internal/platform/logger"
	"pet-health-sync/internal/ports/storage"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrPetNotFound  = errors.New("pet not found")
)

type Enqueuer interface {
	Enqueue(ctx context.Context, in syncqueue.EnqueueInput) (int64, error)
}

// kindSpec une colección local, tipo de acción y segmento de la ruta remota.
type kindSpec struct {
	collection string
	action     string
	segment    string
}

var (
	metricsSpec      = kindSpec{storage.CollectionMetrics, "add_metric", "metrics"}
	vaccinationsSpec = kindSpec{storage.CollectionVaccinations, "add_vaccination", "vaccinations"}
	dewormingsSpec   = kindSpec{storage.CollectionDewormings, "add_deworming", "dewormings"}
	diseasesSpec     = kindSpec{storage.CollectionDiseases, "add_disease", "diseases"}
	carePlansSpec    = kindSpec{storage.CollectionCarePlans, "add_care_plan", "care-plans"}
)

type Service struct {
	store storage.Store
	queue Enqueuer
	log   logger.Logger

	now   func() time.Time
	newID func() string
}

func NewService(store storage.Store, queue Enqueuer, log logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		store: store,
		queue: queue,
		log:   log,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

type MetricInput struct {
	Kind       string
	Value      float64
	Unit       string
	MeasuredAt time.Time
	Notes      string
}

func (s *Service) AddMetric(ctx context.Context, petID string, in MetricInput) (Metric, error) {
	kind := MetricKind(strings.ToLower(strings.TrimSpace(in.Kind)))
	unit, known := defaultUnits[kind]
	if !known || in.Value <= 0 {
		return Metric{}, ErrInvalidInput
	}
	if u := strings.TrimSpace(in.Unit); u != "" {
		unit = u
	}

	base, err := s.newBase(ctx, petID)
	if err != nil {
		return Metric{}, err
	}
	m := Metric{
		Base:       base,
		Kind:       kind,
		Value:      in.Value,
		Unit:       unit,
		MeasuredAt: s.orNow(in.MeasuredAt),
		Notes:      strings.TrimSpace(in.Notes),
	}
	return m, record(ctx, s, metricsSpec, m.Base, m)
}

type VaccinationInput struct {
	Vaccine   string
	Batch     string
	AppliedAt time.Time
	NextDue   *time.Time
	Vet       string
	Notes     string
}

func (s *Service) AddVaccination(ctx context.Context, petID string, in VaccinationInput) (Vaccination, error) {
	if strings.TrimSpace(in.Vaccine) == "" {
		return Vaccination{}, ErrInvalidInput
	}
	applied := s.orNow(in.AppliedAt)
	if in.NextDue != nil && in.NextDue.Before(applied) {
		return Vaccination{}, ErrInvalidInput
	}

	base, err := s.newBase(ctx, petID)
	if err != nil {
		return Vaccination{}, err
	}
	v := Vaccination{
		Base:      base,
		Vaccine:   strings.TrimSpace(in.Vaccine),
		Batch:     strings.TrimSpace(in.Batch),
		AppliedAt: applied,
		NextDue:   in.NextDue,
		Vet:       strings.TrimSpace(in.Vet),
		Notes:     strings.TrimSpace(in.Notes),
	}
	return v, record(ctx, s, vaccinationsSpec, v.Base, v)
}

type DewormingInput struct {
	Kind      string
	Product   string
	Dose      string
	AppliedAt time.Time
	NextDue   *time.Time
	Notes     string
}

func (s *Service) AddDeworming(ctx context.Context, petID string, in DewormingInput) (Deworming, error) {
	kind := DewormingKind(strings.ToLower(strings.TrimSpace(in.Kind)))
	if kind == "" {
		kind = DewormingInternal
	}
	switch kind {
	case DewormingInternal, DewormingExternal, DewormingBoth:
	default:
		return Deworming{}, ErrInvalidInput
	}
	if strings.TrimSpace(in.Product) == "" {
		return Deworming{}, ErrInvalidInput
	}
	applied := s.orNow(in.AppliedAt)
	if in.NextDue != nil && in.NextDue.Before(applied) {
		return Deworming{}, ErrInvalidInput
	}

	base, err := s.newBase(ctx, petID)
	if err != nil {
		return Deworming{}, err
	}
	d := Deworming{
		Base:      base,
		Kind:      kind,
		Product:   strings.TrimSpace(in.Product),
		Dose:      strings.TrimSpace(in.Dose),
		AppliedAt: applied,
		NextDue:   in.NextDue,
		Notes:     strings.TrimSpace(in.Notes),
	}
	return d, record(ctx, s, dewormingsSpec, d.Base, d)
}

type DiseaseInput struct {
	Name        string
	Status      string
	DiagnosedAt time.Time
	ResolvedAt  *time.Time
	Notes       string
}

func (s *Service) AddDisease(ctx context.Context, petID string, in DiseaseInput) (Disease, error) {
	if strings.TrimSpace(in.Name) == "" {
		return Disease{}, ErrInvalidInput
	}
	status := DiseaseStatus(strings.ToLower(strings.TrimSpace(in.Status)))
	if status == "" {
		status = DiseaseActive
		if in.ResolvedAt != nil {
			status = DiseaseResolved
		}
	}
	switch status {
	case DiseaseActive, DiseaseChronic, DiseaseResolved:
	default:
		return Disease{}, ErrInvalidInput
	}
	diagnosed := s.orNow(in.DiagnosedAt)
	if in.ResolvedAt != nil && in.ResolvedAt.Before(diagnosed) {
		return Disease{}, ErrInvalidInput
	}

	base, err := s.newBase(ctx, petID)
	if err != nil {
		return Disease{}, err
	}
	d := Disease{
		Base:        base,
		Name:        strings.TrimSpace(in.Name),
		Status:      status,
		DiagnosedAt: diagnosed,
		ResolvedAt:  in.ResolvedAt,
		Notes:       strings.TrimSpace(in.Notes),
	}
	return d, record(ctx, s, diseasesSpec, d.Base, d)
}

type CarePlanInput struct {
	Title     string
	Kind      string
	Dosage    string
	DoseUnit  string
	Frequency string
	StartDate time.Time
	EndDate   *time.Time
	Notes     string
}

func (s *Service) AddCarePlan(ctx context.Context, petID string, in CarePlanInput) (CarePlan, error) {
	if strings.TrimSpace(in.Title) == "" {
		return CarePlan{}, ErrInvalidInput
	}
	start := s.orNow(in.StartDate)
	if in.EndDate != nil && in.EndDate.Before(start) {
		return CarePlan{}, ErrInvalidInput
	}

	base, err := s.newBase(ctx, petID)
	if err != nil {
		return CarePlan{}, err
	}
	c := CarePlan{
		Base:      base,
		Title:     strings.TrimSpace(in.Title),
		Kind:      strings.ToLower(strings.TrimSpace(in.Kind)),
		Dosage:    strings.TrimSpace(in.Dosage),
		DoseUnit:  strings.TrimSpace(in.DoseUnit),
		Frequency: strings.TrimSpace(in.Frequency),
		StartDate: start,
		EndDate:   in.EndDate,
		Notes:     strings.TrimSpace(in.Notes),
	}
	return c, record(ctx, s, carePlansSpec, c.Base, c)
}

func (s *Service) ListMetrics(ctx context.Context, petID string, f ListFilter) ([]Metric, error) {
	return list[Metric](ctx, s, metricsSpec, petID, f)
}

func (s *Service) ListVaccinations(ctx context.Context, petID string, f ListFilter) ([]Vaccination, error) {
	return list[Vaccination](ctx, s, vaccinationsSpec, petID, f)
}

func (s *Service) ListDewormings(ctx context.Context, petID string, f ListFilter) ([]Deworming, error) {
	return list[Deworming](ctx, s, dewormingsSpec, petID, f)
}

func (s *Service) ListDiseases(ctx context.Context, petID string, f ListFilter) ([]Disease, error) {
	return list[Disease](ctx, s, diseasesSpec, petID, f)
}

func (s *Service) ListCarePlans(ctx context.Context, petID string, f ListFilter) ([]CarePlan, error) {
	return list[CarePlan](ctx, s, carePlansSpec, petID, f)
}

func (s *Service) newBase(ctx context.Context, petID string) (Base, error) {
	petID = strings.TrimSpace(petID)
	if petID == "" {
		return Base{}, ErrInvalidInput
	}
	if _, err := s.store.Get(ctx, storage.CollectionPets, petID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Base{}, ErrPetNotFound
		}
		return Base{}, err
	}
	return Base{
		ID:        s.newID(),
		PetID:     petID,
		CreatedAt: s.now().UTC(),
		SyncState: SyncPending,
	}, nil
}

func (s *Service) orNow(t time.Time) time.Time {
	if t.IsZero() {
		return s.now().UTC()
	}
	return t.UTC()
}

// record escribe el registro optimista y encola su creación remota.
func record(ctx context.Context, s *Service, spec kindSpec, base Base, v any) error {
	rec, err := storage.Marshal(base.ID, map[string]string{storage.IndexPetID: base.PetID}, v)
	if err != nil {
		return err
	}
	if err := s.store.Put(ctx, spec.collection, rec); err != nil {
		return err
	}

	payload, err := remotePayload(rec.Value)
	if err != nil {
		return err
	}
	_, err = s.queue.Enqueue(ctx, syncqueue.EnqueueInput{
		Type:      spec.action,
		Endpoint:  "/pets/" + url.PathEscape(base.PetID) + "/" + spec.segment,
		Method:    http.MethodPost,
		Payload:   payload,
		EntityKey: pets.EntityKey(base.PetID),
		Record:    &syncqueue.RecordRef{Collection: spec.collection, Key: base.ID},
	})
	return err
}

// remotePayload quita los campos que sólo existen localmente.
func remotePayload(doc json.RawMessage) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, err
	}
	delete(out, "sync_state")
	delete(out, "server_id")
	return out, nil
}

func list[T entry](ctx context.Context, s *Service, spec kindSpec, petID string, f ListFilter) ([]T, error) {
	recs, err := s.store.GetAll(ctx, spec.collection, storage.Query{Index: storage.IndexPetID, Value: petID})
	if err != nil {
		return nil, err
	}
	items := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := rec.Unmarshal(&v); err != nil {
			s.log.Warn("health_record_corrupt", map[string]any{"collection": spec.collection, "key": rec.Key, "error": err})
			continue
		}
		items = append(items, v)
	}
	return apply(items, f), nil
}
