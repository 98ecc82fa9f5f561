package postgres

import (
	"context"
	"os"
	"testing"

	"pet-health-sync/internal/ports/storage"
	"pet-health-sync/internal/ports/storage/storagetest"
)

// Requiere un Postgres descartable: PETSYNC_TEST_DB_DSN=postgres://...
func TestStore_Contract(t *testing.T) {
	dsn := os.Getenv("PETSYNC_TEST_DB_DSN")
	if dsn == "" {
		t.Skip("PETSYNC_TEST_DB_DSN not set")
	}

	storagetest.Run(t, func(t *testing.T) storage.Store {
		db, err := Open(context.Background(), dsn)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		// cada subtest arranca con tablas vacías
		_, _ = db.Exec(`DROP TABLE IF EXISTS local_records, local_sequences, local_schema`)
		return NewStoreWithDB(db, storage.DefaultSchema())
	})
}
