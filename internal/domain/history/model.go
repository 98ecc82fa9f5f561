package history

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

const (
	SyncPending = "pending"
	SyncSynced  = "synced"
)

// Message es una entrada del hilo de chat (asistente de salud).
// Key es local; ServerID sólo existe una vez que el servidor la confirmó.
type Message struct {
	Key       string    `json:"key,omitempty"`
	ThreadID  string    `json:"thread_id,omitempty"`
	ServerID  string    `json:"server_id,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	SyncState string    `json:"sync_state,omitempty"`
}
