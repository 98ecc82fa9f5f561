package health

import "time"

const (
	SyncPending = "pending"
	SyncSynced  = "synced"
)

// Base son los campos de sincronización comunes a todo registro de salud.
type Base struct {
	ID        string    `json:"id"`
	PetID     string    `json:"pet_id"`
	CreatedAt time.Time `json:"created_at"`
	ServerID  string    `json:"server_id,omitempty"`
	SyncState string    `json:"sync_state"`
}

// MetricKind: métricas soportadas.
// @Enum weight, temperature, heart_rate, body_condition
type MetricKind string

const (
	MetricWeight        MetricKind = "weight"
	MetricTemperature   MetricKind = "temperature"
	MetricHeartRate     MetricKind = "heart_rate"
	MetricBodyCondition MetricKind = "body_condition"
)

// defaultUnits se usa cuando el cliente no manda unidad.
var defaultUnits = map[MetricKind]string{
	MetricWeight:        "kg",
	MetricTemperature:   "celsius",
	MetricHeartRate:     "bpm",
	MetricBodyCondition: "score",
}

type Metric struct {
	Base
	Kind       MetricKind `json:"kind"`
	Value      float64    `json:"value"`
	Unit       string     `json:"unit"`
	MeasuredAt time.Time  `json:"measured_at"`
	Notes      string     `json:"notes,omitempty"`
}

type Vaccination struct {
	Base
	Vaccine   string     `json:"vaccine"`
	Batch     string     `json:"batch,omitempty"`
	AppliedAt time.Time  `json:"applied_at"`
	NextDue   *time.Time `json:"next_due,omitempty"`
	Vet       string     `json:"vet,omitempty"`
	Notes     string     `json:"notes,omitempty"`
}

// DewormingKind distingue desparasitación interna, externa (pulgas/garrapatas) o ambas.
type DewormingKind string

const (
	DewormingInternal DewormingKind = "internal"
	DewormingExternal DewormingKind = "external"
	DewormingBoth     DewormingKind = "both"
)

type Deworming struct {
	Base
	Kind      DewormingKind `json:"kind"`
	Product   string        `json:"product"`
	Dose      string        `json:"dose,omitempty"`
	AppliedAt time.Time     `json:"applied_at"`
	NextDue   *time.Time    `json:"next_due,omitempty"`
	Notes     string        `json:"notes,omitempty"`
}

type DiseaseStatus string

const (
	DiseaseActive   DiseaseStatus = "active"
	DiseaseChronic  DiseaseStatus = "chronic"
	DiseaseResolved DiseaseStatus = "resolved"
)

type Disease struct {
	Base
	Name        string        `json:"name"`
	Status      DiseaseStatus `json:"status"`
	DiagnosedAt time.Time     `json:"diagnosed_at"`
	ResolvedAt  *time.Time    `json:"resolved_at,omitempty"`
	Notes       string        `json:"notes,omitempty"`
}

// CarePlan es un tratamiento o rutina con vigencia (medicación, dieta, fisioterapia).
type CarePlan struct {
	Base
	Title     string     `json:"title"`
	Kind      string     `json:"kind,omitempty"`
	Dosage    string     `json:"dosage,omitempty"`
	DoseUnit  string     `json:"dose_unit,omitempty"`
	Frequency string     `json:"frequency,omitempty"` // texto libre: "cada 12h"
	StartDate time.Time  `json:"start_date"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	Notes     string     `json:"notes,omitempty"`
}

// Los getters alimentan el filtro común de listados.
func (m Metric) occurredAt() time.Time      { return m.MeasuredAt }
func (m Metric) kind() string               { return string(m.Kind) }
func (v Vaccination) occurredAt() time.Time { return v.AppliedAt }
func (v Vaccination) kind() string          { return v.Vaccine }
func (d Deworming) occurredAt() time.Time   { return d.AppliedAt }
func (d Deworming) kind() string            { return string(d.Kind) }
func (d Disease) occurredAt() time.Time     { return d.DiagnosedAt }
func (d Disease) kind() string              { return string(d.Status) }
func (c CarePlan) occurredAt() time.Time    { return c.StartDate }
func (c CarePlan) kind() string             { return c.Kind }
