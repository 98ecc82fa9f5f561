package syncqueue

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventQueued         EventType = "queued"
	EventSyncSuccess    EventType = "sync-success"
	EventSyncError      EventType = "sync-error"
	EventSyncPaused     EventType = "sync-paused"
	EventStateChanged   EventType = "state-changed"
	EventStorageWarning EventType = "storage-warning"
	// EventDiscarded sale del log por decisión del usuario; siempre es terminal.
	EventDiscarded      EventType = "sync-discarded"
)

// Event es lo que ve la UI (toasts, contador de pendientes).
type Event struct {
	Type EventType `json:"type"`
	At   time.Time `json:"at"`

	Action   *Action         `json:"action,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
	Terminal bool            `json:"terminal,omitempty"`

	Pending int    `json:"pending"`
	State   string `json:"state,omitempty"`
}

// Publisher es implementado por eventbus.Bus[Event].
type Publisher interface {
	Publish(Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}
