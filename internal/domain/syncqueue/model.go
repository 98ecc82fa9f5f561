package syncqueue

import (
	"encoding/json"
	"time"
)

type Status string

// No existe "done": una acción exitosa se borra del log.
const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusFailed  Status = "failed"
)

// DefaultMaxRetries es el techo de reintentos antes de descartar una acción.
const DefaultMaxRetries = 5

// RecordRef apunta al registro optimista donde se pliega la respuesta del servidor.
type RecordRef struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
}

// Action es una mutación pendiente de replay contra la API remota.
type Action struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Endpoint   string          `json:"endpoint"`
	Method     string          `json:"method"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Status     Status          `json:"status"`
	RetryCount int             `json:"retry_count"`

	IdempotencyKey string     `json:"idempotency_key"`
	EntityKey      string     `json:"entity_key,omitempty"`
	Record         *RecordRef `json:"record,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
}

// EnqueueInput describe la mutación. Payload se serializa una sola vez al encolar.
type EnqueueInput struct {
	Type     string
	Endpoint string
	Method   string
	Payload  any

	// EntityKey agrupa acciones sobre la misma entidad (p.ej. "pet:<id>").
	EntityKey string
	Record    *RecordRef
}
