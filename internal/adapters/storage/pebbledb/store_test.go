package pebbledb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"pet-health-sync/internal/ports/storage"
	"pet-health-sync/internal/ports/storage/storagetest"
)

func TestStore_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return NewStore(filepath.Join(t.TempDir(), "db"), storage.DefaultSchema())
	})
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	ctx := context.Background()

	s := NewStore(dir, storage.DefaultSchema())
	if err := s.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	rec := storage.Record{Key: "00000000000000000001", Indexes: map[string]string{storage.IndexStatus: "pending"}, Value: []byte(`{"type":"add_metric"}`)}
	if err := s.Put(ctx, storage.CollectionPendingSync, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.NextID(ctx, storage.CollectionPendingSync); err != nil {
		t.Fatalf("next id: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2 := NewStore(dir, storage.DefaultSchema())
	if err := s2.Init(ctx); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetAll(ctx, storage.CollectionPendingSync, storage.Query{Index: storage.IndexStatus, Value: "pending"})
	if err != nil {
		t.Fatalf("getall: %v", err)
	}
	if len(got) != 1 || string(got[0].Value) != `{"type":"add_metric"}` {
		t.Fatalf("expected persisted action, got %+v", got)
	}

	id, err := s2.NextID(ctx, storage.CollectionPendingSync)
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	if id != 2 {
		t.Fatalf("expected sequence to continue at 2, got %d", id)
	}
}

func TestStore_RefusesNewerSchema(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	ctx := context.Background()

	newer := storage.DefaultSchema()
	newer.Version = storage.SchemaVersion + 1
	s := NewStore(dir, newer)
	if err := s.Init(ctx); err != nil {
		t.Fatalf("init newer: %v", err)
	}
	_ = s.Close()

	old := NewStore(dir, storage.DefaultSchema())
	err := old.Init(ctx)
	if !errors.Is(err, storage.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable opening newer schema, got %v", err)
	}
}

func TestStore_RejectsReservedBytes(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "db"), storage.DefaultSchema())
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer s.Close()

	if err := s.Put(ctx, storage.CollectionPets, storage.Record{Key: "a\x00b", Value: []byte(`1`)}); err == nil {
		t.Fatalf("expected error for key with NUL")
	}
}

func TestPrefixEnd(t *testing.T) {
	got := prefixEnd([]byte{'a', 0xff})
	if string(got) != "b" {
		t.Fatalf("expected \"b\", got %q", got)
	}
	if prefixEnd([]byte{0xff, 0xff}) != nil {
		t.Fatalf("expected nil for all-0xff prefix")
	}
}
