// Package storagetest contiene la batería de contrato que debe pasar todo adapter de storage.Store.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"pet-health-sync/internal/ports/storage"
)

// Factory devuelve un store SIN inicializar y limpio.
type Factory func(t *testing.T) storage.Store

func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("init is idempotent and concurrent", func(t *testing.T) { testInit(t, newStore) })
	t.Run("get put delete", func(t *testing.T) { testCRUD(t, newStore) })
	t.Run("index queries", func(t *testing.T) { testIndexes(t, newStore) })
	t.Run("clear", func(t *testing.T) { testClear(t, newStore) })
	t.Run("next id", func(t *testing.T) { testNextID(t, newStore) })
	t.Run("compare and swap", func(t *testing.T) { testCAS(t, newStore) })
	t.Run("unknown collection", func(t *testing.T) { testUnknown(t, newStore) })
}

func ready(t *testing.T, newStore Factory) storage.Store {
	t.Helper()
	s := newStore(t)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testInit(t *testing.T, newStore Factory) {
	s := newStore(t)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	if _, err := s.Get(ctx, storage.CollectionPets, "x"); !errors.Is(err, storage.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable before init, got %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Init(ctx)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent init: %v", err)
		}
	}

	if err := s.Init(ctx); err != nil {
		t.Fatalf("second init: %v", err)
	}
}

func testCRUD(t *testing.T, newStore Factory) {
	s := ready(t, newStore)
	ctx := context.Background()

	if _, err := s.Get(ctx, storage.CollectionPets, "p1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	rec := storage.Record{Key: "p1", Value: []byte(`{"name":"Milo"}`)}
	if err := s.Put(ctx, storage.CollectionPets, rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Get(ctx, storage.CollectionPets, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Value) != `{"name":"Milo"}` {
		t.Fatalf("unexpected value %s", string(got.Value))
	}

	// replace
	rec.Value = []byte(`{"name":"Milo II"}`)
	if err := s.Put(ctx, storage.CollectionPets, rec); err != nil {
		t.Fatalf("put replace: %v", err)
	}
	all, err := s.GetAll(ctx, storage.CollectionPets, storage.Query{})
	if err != nil {
		t.Fatalf("getall: %v", err)
	}
	if len(all) != 1 || string(all[0].Value) != `{"name":"Milo II"}` {
		t.Fatalf("expected 1 replaced record, got %+v", all)
	}

	if err := s.Delete(ctx, storage.CollectionPets, "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, storage.CollectionPets, "p1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	// borrar algo inexistente no es error
	if err := s.Delete(ctx, storage.CollectionPets, "p1"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
}

func testIndexes(t *testing.T, newStore Factory) {
	s := ready(t, newStore)
	ctx := context.Background()

	put := func(key, pet string) {
		t.Helper()
		rec := storage.Record{Key: key, Indexes: map[string]string{storage.IndexPetID: pet}, Value: []byte(`{}`)}
		if err := s.Put(ctx, storage.CollectionMetrics, rec); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	put("m1", "pet-a")
	put("m2", "pet-b")
	put("m3", "pet-a")

	got, err := s.GetAll(ctx, storage.CollectionMetrics, storage.Query{Index: storage.IndexPetID, Value: "pet-a"})
	if err != nil {
		t.Fatalf("getall by index: %v", err)
	}
	if len(got) != 2 || got[0].Key != "m1" || got[1].Key != "m3" {
		t.Fatalf("expected m1,m3 for pet-a, got %+v", got)
	}

	// re-indexar m3 bajo pet-b
	put("m3", "pet-b")
	got, _ = s.GetAll(ctx, storage.CollectionMetrics, storage.Query{Index: storage.IndexPetID, Value: "pet-a"})
	if len(got) != 1 || got[0].Key != "m1" {
		t.Fatalf("expected only m1 after reindex, got %+v", got)
	}
	got, _ = s.GetAll(ctx, storage.CollectionMetrics, storage.Query{Index: storage.IndexPetID, Value: "pet-b"})
	if len(got) != 2 {
		t.Fatalf("expected 2 for pet-b, got %+v", got)
	}

	if err := s.Delete(ctx, storage.CollectionMetrics, "m2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ = s.GetAll(ctx, storage.CollectionMetrics, storage.Query{Index: storage.IndexPetID, Value: "pet-b"})
	if len(got) != 1 || got[0].Key != "m3" {
		t.Fatalf("expected only m3 after delete, got %+v", got)
	}
}

func testClear(t *testing.T, newStore Factory) {
	s := ready(t, newStore)
	ctx := context.Background()

	for _, k := range []string{"a", "b"} {
		rec := storage.Record{Key: k, Indexes: map[string]string{storage.IndexPetID: "p"}, Value: []byte(`1`)}
		if err := s.Put(ctx, storage.CollectionDiseases, rec); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := s.Put(ctx, storage.CollectionPets, storage.Record{Key: "keep", Value: []byte(`1`)}); err != nil {
		t.Fatalf("put pets: %v", err)
	}

	if err := s.Clear(ctx, storage.CollectionDiseases); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ := s.GetAll(ctx, storage.CollectionDiseases, storage.Query{})
	if len(got) != 0 {
		t.Fatalf("expected empty collection, got %d", len(got))
	}
	got, _ = s.GetAll(ctx, storage.CollectionDiseases, storage.Query{Index: storage.IndexPetID, Value: "p"})
	if len(got) != 0 {
		t.Fatalf("expected empty index, got %d", len(got))
	}
	if _, err := s.Get(ctx, storage.CollectionPets, "keep"); err != nil {
		t.Fatalf("other collections must survive clear: %v", err)
	}
}

func testNextID(t *testing.T, newStore Factory) {
	s := ready(t, newStore)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		id, err := s.NextID(ctx, storage.CollectionPendingSync)
		if err != nil {
			t.Fatalf("next id: %v", err)
		}
		if id <= last {
			t.Fatalf("ids must increase: %d after %d", id, last)
		}
		last = id
	}

	// la secuencia no se reinicia al vaciar la colección
	if err := s.Clear(ctx, storage.CollectionPendingSync); err != nil {
		t.Fatalf("clear: %v", err)
	}
	id, err := s.NextID(ctx, storage.CollectionPendingSync)
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	if id <= last {
		t.Fatalf("sequence must survive clear: %d after %d", id, last)
	}
}

func testCAS(t *testing.T, newStore Factory) {
	s := ready(t, newStore)
	ctx := context.Background()

	first := &storage.Record{Value: []byte(`{"owner":"a"}`)}
	ok, err := s.CompareAndSwap(ctx, storage.CollectionMeta, "lease", nil, first)
	if err != nil || !ok {
		t.Fatalf("expected create via CAS, ok=%v err=%v", ok, err)
	}

	ok, err = s.CompareAndSwap(ctx, storage.CollectionMeta, "lease", nil, first)
	if err != nil || ok {
		t.Fatalf("expected CAS on existing key to fail, ok=%v err=%v", ok, err)
	}

	ok, err = s.CompareAndSwap(ctx, storage.CollectionMeta, "lease", []byte(`{"owner":"z"}`), &storage.Record{Value: []byte(`{}`)})
	if err != nil || ok {
		t.Fatalf("expected CAS with wrong expected to fail, ok=%v err=%v", ok, err)
	}

	second := &storage.Record{Value: []byte(`{"owner":"b"}`)}
	ok, err = s.CompareAndSwap(ctx, storage.CollectionMeta, "lease", []byte(`{"owner":"a"}`), second)
	if err != nil || !ok {
		t.Fatalf("expected CAS swap, ok=%v err=%v", ok, err)
	}
	got, _ := s.Get(ctx, storage.CollectionMeta, "lease")
	if string(got.Value) != `{"owner":"b"}` {
		t.Fatalf("unexpected value after CAS: %s", string(got.Value))
	}

	ok, err = s.CompareAndSwap(ctx, storage.CollectionMeta, "lease", []byte(`{"owner":"b"}`), nil)
	if err != nil || !ok {
		t.Fatalf("expected CAS delete, ok=%v err=%v", ok, err)
	}
	if _, err := s.Get(ctx, storage.CollectionMeta, "lease"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected lease deleted, got %v", err)
	}
}

func testUnknown(t *testing.T, newStore Factory) {
	s := ready(t, newStore)
	ctx := context.Background()

	if _, err := s.GetAll(ctx, "nope", storage.Query{}); !errors.Is(err, storage.ErrUnknownCollection) {
		t.Fatalf("expected ErrUnknownCollection, got %v", err)
	}
	if err := s.Put(ctx, "nope", storage.Record{Key: "k"}); !errors.Is(err, storage.ErrUnknownCollection) {
		t.Fatalf("expected ErrUnknownCollection on put, got %v", err)
	}
}
