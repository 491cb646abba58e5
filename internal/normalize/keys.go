package normalize

import (
	"strconv"

	"github.com/sells-group/locsync/internal/model"
)

// Keys are the derived index values of a canonical entity. They are computed
// from field values only, so a rebuilt projection has the same keys. Match
// is empty when the entity carries nothing to identify it by.
type Keys struct {
	Name     string
	Address  string
	Match    string
	ParentID string
	Lat      *float64
	Lon      *float64
}

// EntityKeys derives the index keys for an entity of type t from its fields.
func EntityKeys(t model.EntityType, value func(field string) (string, bool)) Keys {
	get := func(f string) string {
		v, _ := value(f)
		return v
	}

	var k Keys
	switch t {
	case model.EntityOrganization:
		k.Name = Name(get(model.FieldName))
		if k.Name != "" {
			k.Match = string(t) + "|" + k.Name
		}
	case model.EntityLocation:
		k.Name = Name(get(model.FieldName))
		k.Address = Address(get(model.FieldAddress), get(model.FieldCity), get(model.FieldStateProvince), get(model.FieldPostalCode))
		k.ParentID = get(model.FieldOrganizationID)
		if k.Name != "" || k.Address != "" {
			k.Match = string(t) + "|" + k.Name + "|" + k.Address
		}
		k.Lat = parseCoord(get(model.FieldLatitude), 90)
		k.Lon = parseCoord(get(model.FieldLongitude), 180)
	case model.EntityService:
		k.Name = Name(get(model.FieldName))
		k.ParentID = get(model.FieldOrganizationID)
		if k.Name != "" {
			k.Match = string(t) + "|" + k.ParentID + "|" + k.Name
		}
	case model.EntityServiceAtLocation:
		k.ParentID = get(model.FieldServiceID)
		k.Match = string(t) + "|" + k.ParentID + "|" + get(model.FieldLocationID)
	}
	return k
}

// FieldSetKeys derives keys from an incoming field set.
func FieldSetKeys(t model.EntityType, fs model.FieldSet) Keys {
	return EntityKeys(t, fs.Get)
}

// ForEntity derives keys from a projected entity.
func ForEntity(e *model.Entity) Keys {
	return EntityKeys(e.Type, e.Value)
}

func parseCoord(s string, limit float64) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < -limit || v > limit {
		return nil
	}
	return &v
}
