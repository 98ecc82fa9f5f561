package pets

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"pet-health-sync/internal/domain/syncqueue"
	"pet-health-sync/internal/platform/logger"
	"pet-health-sync/internal/ports/storage"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("pet not found")
)

type Enqueuer interface {
	Enqueue(ctx context.Context, in syncqueue.EnqueueInput) (int64, error)
}

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

type CreateInput struct {
	Name      string
	Species   string
	Breed     string
	Sex       string
	BirthDate *time.Time
	Microchip string
	Notes     string
}

// Create guarda la mascota de forma optimista y encola create_pet.
func (s *Service) Create(ctx context.Context, ownerUserID string, in CreateInput) (Pet, error) {
	if strings.TrimSpace(ownerUserID) == "" {
		return Pet{}, ErrInvalidInput
	}
	if strings.TrimSpace(in.Name) == "" {
		return Pet{}, ErrInvalidInput
	}
	species := Species(strings.ToLower(strings.TrimSpace(in.Species)))
	if !species.Valid() {
		return Pet{}, ErrInvalidInput
	}
	sex := Sex(strings.ToLower(strings.TrimSpace(in.Sex)))
	if sex == "" {
		sex = SexUnknown
	}
	if !sex.Valid() {
		return Pet{}, ErrInvalidInput
	}

	now := s.now().UTC()
	p := Pet{
		ID:          s.newID(),
		OwnerUserID: ownerUserID,
		Name:        strings.TrimSpace(in.Name),
		Species:     species,
		Breed:       strings.TrimSpace(in.Breed),
		Sex:         sex,
		BirthDate:   in.BirthDate,
		Microchip:   strings.TrimSpace(in.Microchip),
		Notes:       strings.TrimSpace(in.Notes),
		CreatedAt:   now,
		UpdatedAt:   now,
		SyncState:   SyncPending,
	}

	if err := s.put(ctx, p); err != nil {
		return Pet{}, err
	}

	_, err := s.queue.Enqueue(ctx, syncqueue.EnqueueInput{
		Type:      "create_pet",
		Endpoint:  "/pets",
		Method:    http.MethodPost,
		Payload:   createPayload(p),
		EntityKey: EntityKey(p.ID),
		Record:    &syncqueue.RecordRef{Collection: storage.CollectionPets, Key: p.ID},
	})
	if err != nil {
		return Pet{}, err
	}
	return p, nil
}

// BirthDatePatch distingue "no enviado" de null (limpiar).
type BirthDatePatch struct {
	Present bool
	Value   *time.Time
}

// UpdateProfileInput: nil = no tocar.
type UpdateProfileInput struct {
	Name      *string
	Species   *string
	Breed     *string
	Sex       *string
	BirthDate BirthDatePatch
	Microchip *string
	Notes     *string
}

// UpdateProfile aplica el patch local y encola update_pet con sólo los campos cambiados.
func (s *Service) UpdateProfile(ctx context.Context, petID string, in UpdateProfileInput) (Pet, error) {
	p, err := s.GetByID(ctx, petID)
	if err != nil {
		return Pet{}, err
	}

	changes := map[string]any{}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return Pet{}, ErrInvalidInput
		}
		p.Name = name
		changes["name"] = name
	}
	if in.Species != nil {
		sp := Species(strings.ToLower(strings.TrimSpace(*in.Species)))
		if !sp.Valid() {
			return Pet{}, ErrInvalidInput
		}
		p.Species = sp
		changes["species"] = sp
	}
	if in.Breed != nil {
		p.Breed = strings.TrimSpace(*in.Breed)
		changes["breed"] = p.Breed
	}
	if in.Sex != nil {
		sx := Sex(strings.ToLower(strings.TrimSpace(*in.Sex)))
		if !sx.Valid() {
			return Pet{}, ErrInvalidInput
		}
		p.Sex = sx
		changes["sex"] = sx
	}
	if in.BirthDate.Present {
		p.BirthDate = in.BirthDate.Value
		changes["birth_date"] = in.BirthDate.Value
	}
	if in.Microchip != nil {
		p.Microchip = strings.TrimSpace(*in.Microchip)
		changes["microchip"] = p.Microchip
	}
	if in.Notes != nil {
		p.Notes = strings.TrimSpace(*in.Notes)
		changes["notes"] = p.Notes
	}
	if len(changes) == 0 {
		return p, nil
	}

	p.UpdatedAt = s.now().UTC()
	p.SyncState = SyncPending
	changes["updated_at"] = p.UpdatedAt

	if err := s.put(ctx, p); err != nil {
		return Pet{}, err
	}

	_, err = s.queue.Enqueue(ctx, syncqueue.EnqueueInput{
		Type:      "update_pet",
		Endpoint:  "/pets/" + url.PathEscape(p.ID),
		Method:    http.MethodPatch,
		Payload:   changes,
		EntityKey: EntityKey(p.ID),
		Record:    &syncqueue.RecordRef{Collection: storage.CollectionPets, Key: p.ID},
	})
	if err != nil {
		return Pet{}, err
	}
	return p, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (Pet, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Pet{}, ErrInvalidInput
	}
	rec, err := s.store.Get(ctx, storage.CollectionPets, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Pet{}, ErrNotFound
	}
	if err != nil {
		return Pet{}, err
	}
	var p Pet
	if err := rec.Unmarshal(&p); err != nil {
		return Pet{}, err
	}
	return p, nil
}

// ListByOwner devuelve las mascotas del usuario ordenadas por fecha de alta.
func (s *Service) ListByOwner(ctx context.Context, ownerUserID string) ([]Pet, error) {
	recs, err := s.store.GetAll(ctx, storage.CollectionPets, storage.Query{})
	if err != nil {
		return nil, err
	}
	out := make([]Pet, 0, len(recs))
	for _, rec := range recs {
		var p Pet
		if err := rec.Unmarshal(&p); err != nil {
			s.log.Warn("pet_record_corrupt", map[string]any{"key": rec.Key, "error": err})
			continue
		}
		if p.OwnerUserID != ownerUserID {
			continue
		}
		out = append(out, p)
	}
	sortByCreated(out)
	return out, nil
}

// EntityKey agrupa en la cola todas las mutaciones de una mascota (incluidas las de salud).
func EntityKey(petID string) string {
	return "pet:" + petID
}

func (s *Service) put(ctx context.Context, p Pet) error {
	rec, err := storage.Marshal(p.ID, nil, p)
	if err != nil {
		return err
	}
	return s.store.Put(ctx, storage.CollectionPets, rec)
}

func createPayload(p Pet) map[string]any {
	out := map[string]any{
		"id":         p.ID,
		"name":       p.Name,
		"species":    p.Species,
		"breed":      p.Breed,
		"sex":        p.Sex,
		"microchip":  p.Microchip,
		"notes":      p.Notes,
		"created_at": p.CreatedAt,
	}
	if p.BirthDate != nil {
		out["birth_date"] = p.BirthDate.Format("2006-01-02")
	}
	return out
}

func sortByCreated(items []Pet) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
}
