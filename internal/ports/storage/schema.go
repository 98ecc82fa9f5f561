package storage

import (
	"fmt"
	"strings"
)

// Colecciones persistidas por perfil.
const (
	CollectionPets         = "pets"
	CollectionMetrics      = "metrics"
	CollectionVaccinations = "vaccinations"
	CollectionDewormings   = "dewormings"
	CollectionDiseases     = "diseases"
	CollectionCarePlans    = "care_plans"
	CollectionChatHistory  = "chat_history"
	CollectionPendingSync  = "pending_sync"
	CollectionSession      = "session"
	CollectionMeta         = "meta"
)

// Índices secundarios.
const (
	IndexPetID    = "pet_id"
	IndexThreadID = "thread_id"
	IndexStatus   = "status"
)

// SchemaVersion sube cada vez que se agrega una colección o índice.
const SchemaVersion = 3

type CollectionSpec struct {
	Name    string
	Indexes []string
}

type Schema struct {
	Version     int
	Collections []CollectionSpec
}

// DefaultSchema es el layout de la base local del cliente.
func DefaultSchema() Schema {
	return Schema{
		Version: SchemaVersion,
		Collections: []CollectionSpec{
			{Name: CollectionPets},
			{Name: CollectionMetrics, Indexes: []string{IndexPetID}},
			{Name: CollectionVaccinations, Indexes: []string{IndexPetID}},
			{Name: CollectionDewormings, Indexes: []string{IndexPetID}},
			{Name: CollectionDiseases, Indexes: []string{IndexPetID}},
			{Name: CollectionCarePlans, Indexes: []string{IndexPetID}},
			{Name: CollectionChatHistory, Indexes: []string{IndexThreadID}},
			{Name: CollectionPendingSync, Indexes: []string{IndexStatus}},
			{Name: CollectionSession},
			{Name: CollectionMeta},
		},
	}
}

func (s Schema) Lookup(name string) (CollectionSpec, bool) {
	for _, c := range s.Collections {
		if c.Name == name {
			return c, true
		}
	}
	return CollectionSpec{}, false
}

// HasIndex valida que la colección declare el índice pedido.
func (s Schema) HasIndex(collection, index string) bool {
	c, ok := s.Lookup(collection)
	if !ok {
		return false
	}
	for _, ix := range c.Indexes {
		if ix == index {
			return true
		}
	}
	return false
}

// Validate revisa nombres vacíos o duplicados y separadores reservados.
func (s Schema) Validate() error {
	if s.Version <= 0 {
		return fmt.Errorf("schema: invalid version %d", s.Version)
	}
	seen := map[string]struct{}{}
	for _, c := range s.Collections {
		name := strings.TrimSpace(c.Name)
		if name == "" || strings.ContainsRune(name, 0) {
			return fmt.Errorf("schema: invalid collection name %q", c.Name)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("schema: duplicate collection %q", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// UserCollections son las colecciones que se borran al cerrar sesión.
func (s Schema) UserCollections() []string {
	out := make([]string, 0, len(s.Collections))
	for _, c := range s.Collections {
		if c.Name == CollectionMeta {
			continue
		}
		out = append(out, c.Name)
	}
	return out
}
