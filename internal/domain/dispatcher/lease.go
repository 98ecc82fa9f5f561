package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"pet-health-sync/internal/ports/storage"
)

const leaseKey = "sync_lease"

// lease garantiza un único drenador por perfil aunque haya varias instancias/pestañas.
type lease struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

type heldLease struct {
	raw      []byte
	acquired time.Time
}

// acquireLease toma el lease si está libre, vencido o ya es nuestro.
func (d *Dispatcher) acquireLease(ctx context.Context) (*heldLease, bool, error) {
	now := d.now()
	next, err := json.Marshal(lease{Owner: d.owner, ExpiresAt: now.Add(d.cfg.LeaseTTL).UTC()})
	if err != nil {
		return nil, false, err
	}

	var expected []byte
	rec, err := d.store.Get(ctx, storage.CollectionMeta, leaseKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, false, err
	default:
		var cur lease
		if jerr := json.Unmarshal(rec.Value, &cur); jerr == nil && cur.Owner != d.owner && now.Before(cur.ExpiresAt) {
			return nil, false, nil
		}
		expected = rec.Value
	}

	ok, err := d.store.CompareAndSwap(ctx, storage.CollectionMeta, leaseKey, expected, &storage.Record{Value: next})
	if err != nil || !ok {
		return nil, false, err
	}
	return &heldLease{raw: next, acquired: now}, true, nil
}

// renew extiende el lease pasada la mitad del TTL. Si otro lo robó, devuelve false.
func (d *Dispatcher) renewLease(ctx context.Context, h *heldLease) bool {
	now := d.now()
	if now.Sub(h.acquired) < d.cfg.LeaseTTL/2 {
		return true
	}
	next, err := json.Marshal(lease{Owner: d.owner, ExpiresAt: now.Add(d.cfg.LeaseTTL).UTC()})
	if err != nil {
		return false
	}
	ok, err := d.store.CompareAndSwap(ctx, storage.CollectionMeta, leaseKey, h.raw, &storage.Record{Value: next})
	if err != nil || !ok {
		return false
	}
	h.raw = next
	h.acquired = now
	return true
}

func (d *Dispatcher) releaseLease(ctx context.Context, h *heldLease) {
	if _, err := d.store.CompareAndSwap(ctx, storage.CollectionMeta, leaseKey, h.raw, nil); err != nil {
		d.logger.Warn("lease_release_failed", map[string]any{"error": err})
	}
}
