package model

import "sort"

// FieldSet maps field names to values. A present key with a nil value is an
// explicit null; an absent key means the source said nothing.
type FieldSet map[string]*string

// Get returns the non-null value of key.
func (fs FieldSet) Get(key string) (string, bool) {
	v, ok := fs[key]
	if !ok || v == nil {
		return "", false
	}
	return *v, true
}

// Set stores a non-null value.
func (fs FieldSet) Set(key, value string) { fs[key] = &value }

// Keys returns the field names in sorted order.
func (fs FieldSet) Keys() []string {
	keys := make([]string, 0, len(fs))
	for k := range fs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy.
func (fs FieldSet) Clone() FieldSet {
	if fs == nil {
		return nil
	}
	out := make(FieldSet, len(fs))
	for k, v := range fs {
		if v != nil {
			s := *v
			v = &s
		}
		out[k] = v
	}
	return out
}

// Enrichment is the structured record extracted from a candidate's source
// text. Organization and Location are required for reconciliation; Service
// is optional.
type Enrichment struct {
	Organization FieldSet          `json:"organization,omitempty"`
	Location     FieldSet          `json:"location,omitempty"`
	Service      FieldSet          `json:"service,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
	Confidence   *float64          `json:"confidence,omitempty"`
	Provider     string            `json:"provider,omitempty"`
	Model        string            `json:"model,omitempty"`
}

// Fields returns the field set for entity type t.
func (e *Enrichment) Fields(t EntityType) FieldSet {
	switch t {
	case EntityOrganization:
		return e.Organization
	case EntityLocation:
		return e.Location
	case EntityService:
		return e.Service
	}
	return nil
}

// SetFields replaces the field set for entity type t.
func (e *Enrichment) SetFields(t EntityType, fs FieldSet) {
	switch t {
	case EntityOrganization:
		e.Organization = fs
	case EntityLocation:
		e.Location = fs
	case EntityService:
		e.Service = fs
	}
}

// Clone returns a deep copy.
func (e *Enrichment) Clone() *Enrichment {
	if e == nil {
		return nil
	}
	c := *e
	c.Organization = e.Organization.Clone()
	c.Location = e.Location.Clone()
	c.Service = e.Service.Clone()
	if e.Extra != nil {
		c.Extra = make(map[string]string, len(e.Extra))
		for k, v := range e.Extra {
			c.Extra[k] = v
		}
	}
	if e.Confidence != nil {
		v := *e.Confidence
		c.Confidence = &v
	}
	return &c
}

// Sanitize moves unrecognized fields into the extra bag, keyed as
// "<entity_type>.<field>", so they are preserved but never reconciled.
func (e *Enrichment) Sanitize() {
	for _, t := range []EntityType{EntityOrganization, EntityLocation, EntityService} {
		fs := e.Fields(t)
		for k, v := range fs {
			if IsKnownField(t, k) {
				continue
			}
			if v != nil {
				if e.Extra == nil {
					e.Extra = make(map[string]string)
				}
				e.Extra[string(t)+"."+k] = *v
			}
			delete(fs, k)
		}
	}
}
