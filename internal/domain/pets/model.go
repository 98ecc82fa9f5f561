package pets

import "time"

// Species define las especies soportadas.
// @Enum dog, cat
type Species string

const (
	SpeciesDog Species = "dog"
	SpeciesCat Species = "cat"
)

func (s Species) Valid() bool {
	return s == SpeciesDog || s == SpeciesCat
}

// Sex define el sexo de la mascota.
// @Enum male, female, unknown
type Sex string

const (
	SexMale    Sex = "male"
	SexFemale  Sex = "female"
	SexUnknown Sex = "unknown"
)

func (s Sex) Valid() bool {
	switch s {
	case SexMale, SexFemale, SexUnknown:
		return true
	}
	return false
}

const (
	SyncPending = "pending"
	SyncSynced  = "synced"
)

// Pet es el perfil local de una mascota. ID lo genera el cliente y el servidor lo adopta;
// ServerID y SyncState los completa el applier cuando el servidor confirma.
type Pet struct {
	ID          string `json:"id"`
	OwnerUserID string `json:"owner_user_id"`

	Name    string  `json:"name"`
	Species Species `json:"species"`
	Breed   string  `json:"breed,omitempty"`
	Sex     Sex     `json:"sex"`

	BirthDate *time.Time `json:"birth_date,omitempty"`
	Microchip string     `json:"microchip,omitempty"`

	Notes string `json:"notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ServerID  string `json:"server_id,omitempty"`
	SyncState string `json:"sync_state"`
}
