package pets

import (
	"context"
	"errors"
	"testing"
	"time"

	"pet-health-sync/internal/adapters/storage/memory"
	"pet-health-sync/internal/domain/syncqueue"
	"pet-health-sync/internal/ports/storage"
)

type fakeQueue struct {
	inputs []syncqueue.EnqueueInput
	err    error
}

func (q *fakeQueue) Enqueue(ctx context.Context, in syncqueue.EnqueueInput) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	q.inputs = append(q.inputs, in)
	return int64(len(q.inputs)), nil
}

func newTestService(t *testing.T) (*Service, *fakeQueue) {
	t.Helper()
	st := memory.NewStore(storage.DefaultSchema())
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	q := &fakeQueue{}
	svc := NewService(st, q, nil)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	svc.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Minute) }
	return svc, q
}

func TestCreate_OptimisticAndEnqueued(t *testing.T) {
	svc, q := newTestService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, "u1", CreateInput{Name: " Luna ", Species: "Cat"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.Name != "Luna" || p.Species != SpeciesCat || p.Sex != SexUnknown || p.SyncState != SyncPending {
		t.Fatalf("unexpected pet %+v", p)
	}

	got, err := svc.GetByID(ctx, p.ID)
	if err != nil || got.Name != "Luna" {
		t.Fatalf("expected stored pet, got %+v err=%v", got, err)
	}

	if len(q.inputs) != 1 {
		t.Fatalf("expected 1 enqueue, got %d", len(q.inputs))
	}
	in := q.inputs[0]
	if in.Type != "create_pet" || in.Endpoint != "/pets" || in.Method != "POST" || in.EntityKey != "pet:"+p.ID {
		t.Fatalf("unexpected enqueue %+v", in)
	}
	payload := in.Payload.(map[string]any)
	if payload["id"] != p.ID {
		t.Fatalf("payload must carry the client id, got %+v", payload)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, q := newTestService(t)
	ctx := context.Background()

	cases := []CreateInput{
		{Name: "", Species: "dog"},
		{Name: "Rex", Species: "parrot"},
		{Name: "Rex", Species: "dog", Sex: "x"},
	}
	for _, in := range cases {
		if _, err := svc.Create(ctx, "u1", in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput for %+v, got %v", in, err)
		}
	}
	if _, err := svc.Create(ctx, "", CreateInput{Name: "Rex", Species: "dog"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without owner")
	}
	if len(q.inputs) != 0 {
		t.Fatalf("invalid input must not enqueue")
	}
}

func TestUpdateProfile_OnlyChangedFields(t *testing.T) {
	svc, q := newTestService(t)
	ctx := context.Background()

	p, _ := svc.Create(ctx, "u1", CreateInput{Name: "Rex", Species: "dog", Notes: "n"})
	name := "Rex II"
	updated, err := svc.UpdateProfile(ctx, p.ID, UpdateProfileInput{Name: &name, BirthDate: BirthDatePatch{Present: true}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "Rex II" || updated.Notes != "n" || !updated.UpdatedAt.After(p.UpdatedAt) {
		t.Fatalf("unexpected updated pet %+v", updated)
	}

	if len(q.inputs) != 2 {
		t.Fatalf("expected create + update enqueued, got %d", len(q.inputs))
	}
	in := q.inputs[1]
	if in.Type != "update_pet" || in.Method != "PATCH" || in.Endpoint != "/pets/"+p.ID {
		t.Fatalf("unexpected update enqueue %+v", in)
	}
	changes := in.Payload.(map[string]any)
	if _, ok := changes["notes"]; ok {
		t.Fatalf("untouched fields must not be sent: %+v", changes)
	}
	if changes["name"] != "Rex II" {
		t.Fatalf("expected name change, got %+v", changes)
	}
	if v, ok := changes["birth_date"]; !ok || v.(*time.Time) != nil {
		t.Fatalf("expected explicit null birth_date, got %+v", changes)
	}

	// sin cambios no encola
	if _, err := svc.UpdateProfile(ctx, p.ID, UpdateProfileInput{}); err != nil {
		t.Fatalf("empty update: %v", err)
	}
	if len(q.inputs) != 2 {
		t.Fatalf("empty patch must not enqueue")
	}

	if _, err := svc.UpdateProfile(ctx, "missing", UpdateProfileInput{Name: &name}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListByOwner(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, _ := svc.Create(ctx, "u1", CreateInput{Name: "A", Species: "dog"})
	_, _ = svc.Create(ctx, "u2", CreateInput{Name: "B", Species: "cat"})
	c, _ := svc.Create(ctx, "u1", CreateInput{Name: "C", Species: "cat"})

	items, err := svc.ListByOwner(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 || items[0].ID != a.ID || items[1].ID != c.ID {
		t.Fatalf("expected A,C in creation order, got %+v", items)
	}
}
