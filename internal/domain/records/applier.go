// Package records aplica las respuestas del servidor sobre los registros optimistas.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"pet-health-sync/internal/domain/syncqueue"
	"pet-health-sync/internal/platform/logger"
	"pet-health-sync/internal/ports/storage"
)

// Campos que el servidor nunca sobreescribe.
var reserved = map[string]struct{}{
	"id":         {},
	"key":        {},
	"pet_id":     {},
	"thread_id":  {},
	"server_id":  {},
	"sync_state": {},
}

// PendingLister lista la cola para saber si el registro tiene más mutaciones en vuelo.
type PendingLister interface {
	Pending(ctx context.Context) ([]syncqueue.Action, error)
}

type Applier struct {
	store   storage.Store
	pending PendingLister
	log     logger.Logger

	// serializa read-modify-write sobre el mismo store
	mu sync.Mutex
}

func NewApplier(store storage.Store, pending PendingLister, log logger.Logger) *Applier {
	if log == nil {
		log = logger.Nop()
	}
	return &Applier{store: store, pending: pending, log: log}
}

// Apply pliega response en el registro referenciado por la acción.
// El "id" del servidor va a server_id; el resto de campos se superpone salvo los reservados.
// Si quedan otras acciones pendientes sobre el mismo registro sólo se guarda server_id.
func (a *Applier) Apply(ctx context.Context, action syncqueue.Action, response json.RawMessage) error {
	ref := action.Record
	if ref == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	rec, err := a.store.Get(ctx, ref.Collection, ref.Key)
	if errors.Is(err, storage.ErrNotFound) {
		// borrado localmente (logout o eliminación): nada que aplicar
		return nil
	}
	if err != nil {
		return err
	}

	var doc map[string]any
	if err := json.Unmarshal(rec.Value, &doc); err != nil {
		return fmt.Errorf("decode %s/%s: %w", ref.Collection, ref.Key, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	var server map[string]any
	if len(response) > 0 {
		// respuestas que no son objeto (vacías, arrays) sólo confirman
		_ = json.Unmarshal(response, &server)
	}

	if id, ok := server["id"]; ok && id != nil {
		doc["server_id"] = fmt.Sprint(id)
	}

	inFlight, err := a.inFlight(ctx, action)
	if err != nil {
		return err
	}
	if !inFlight {
		for k, v := range server {
			if _, skip := reserved[k]; skip {
				continue
			}
			doc[k] = v
		}
		doc["sync_state"] = "synced"
	}

	value, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	rec.Value = value
	return a.store.Put(ctx, ref.Collection, rec)
}

func (a *Applier) inFlight(ctx context.Context, done syncqueue.Action) (bool, error) {
	if a.pending == nil {
		return false, nil
	}
	actions, err := a.pending.Pending(ctx)
	if err != nil {
		return false, err
	}
	for _, other := range actions {
		if other.ID == done.ID || other.Record == nil {
			continue
		}
		if *other.Record == *done.Record {
			return true, nil
		}
	}
	return false, nil
}
