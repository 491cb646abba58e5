package model

import (
	"sort"
	"time"
)

// EntityType names one of the canonical entity kinds.
type EntityType string

const (
	EntityOrganization      EntityType = "organization"
	EntityLocation          EntityType = "location"
	EntityService           EntityType = "service"
	EntityServiceAtLocation EntityType = "service_at_location"
)

// EntityTypes lists entity kinds in reconciliation order. Parents come first
// so children can reference their ids.
var EntityTypes = []EntityType{
	EntityOrganization,
	EntityLocation,
	EntityService,
	EntityServiceAtLocation,
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityOrganization, EntityLocation, EntityService, EntityServiceAtLocation:
		return true
	}
	return false
}

// Field names shared across entity types.
const (
	FieldName           = "name"
	FieldAlternateName  = "alternate_name"
	FieldDescription    = "description"
	FieldEmail          = "email"
	FieldWebsite        = "website"
	FieldPhone          = "phone"
	FieldSchedule       = "schedule"
	FieldStatus         = "status"
	FieldActive         = "active"
	FieldAddress        = "address_1"
	FieldCity           = "city"
	FieldStateProvince  = "state_province"
	FieldPostalCode     = "postal_code"
	FieldLatitude       = "latitude"
	FieldLongitude      = "longitude"
	FieldOrganizationID = "organization_id"
	FieldServiceID      = "service_id"
	FieldLocationID     = "location_id"
)

// KnownFields lists the fields each entity type accepts from enrichment.
// Anything else goes to the extra bag at the validation boundary.
var KnownFields = map[EntityType][]string{
	EntityOrganization: {FieldName, FieldAlternateName, FieldDescription, FieldEmail, FieldWebsite, FieldPhone},
	EntityLocation: {
		FieldName, FieldDescription, FieldAddress, FieldCity, FieldStateProvince, FieldPostalCode,
		FieldLatitude, FieldLongitude, FieldPhone, FieldSchedule, FieldStatus,
	},
	EntityService: {FieldName, FieldDescription, FieldStatus, FieldPhone, FieldSchedule, FieldEmail},
}

// IsKnownField reports whether field is accepted for entity type t.
func IsKnownField(t EntityType, field string) bool {
	for _, f := range KnownFields[t] {
		if f == field {
			return true
		}
	}
	return false
}

// FieldState is the current value of one field on a canonical entity along
// with the attribution of the event that last set it. A nil Value is an
// explicit retraction; a field that was never set has no FieldState at all.
type FieldState struct {
	Value      *string   `json:"value"`
	JobID      string    `json:"job_id"`
	Confidence float64   `json:"confidence"`
	EventSeq   int64     `json:"event_seq"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Entity is the current-state projection of one canonical entity.
type Entity struct {
	ID        string                `json:"id"`
	Type      EntityType            `json:"type"`
	Version   int64                 `json:"version"`
	Fields    map[string]FieldState `json:"fields"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// Value returns the field's current value. ok is false when the field was
// never set or has been retracted.
func (e *Entity) Value(field string) (string, bool) {
	if e == nil {
		return "", false
	}
	fs, ok := e.Fields[field]
	if !ok || fs.Value == nil {
		return "", false
	}
	return *fs.Value, true
}

// Active reports whether the entity has not been marked inactive.
func (e *Entity) Active() bool {
	v, ok := e.Value(FieldActive)
	return !ok || v != "false"
}

// ParentID returns the organization id for locations and services.
func (e *Entity) ParentID() string {
	v, _ := e.Value(FieldOrganizationID)
	return v
}

// Sources returns the distinct job ids that supplied the entity's current
// field values, sorted.
func (e *Entity) Sources() []string {
	seen := make(map[string]bool, len(e.Fields))
	var out []string
	for _, fs := range e.Fields {
		if fs.JobID != "" && !seen[fs.JobID] {
			seen[fs.JobID] = true
			out = append(out, fs.JobID)
		}
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy safe to mutate.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Fields = make(map[string]FieldState, len(e.Fields))
	for k, v := range e.Fields {
		if v.Value != nil {
			s := *v.Value
			v.Value = &s
		}
		c.Fields[k] = v
	}
	return &c
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

// EqualValues compares two optional values; nil only equals nil.
func EqualValues(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
