package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/locsync/internal/model"
)

func TestName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"   ", ""},
		{"Example Pantry", "EXAMPLE PANTRY"},
		{"The Example Pantry", "EXAMPLE PANTRY"},
		{"Acme Services, Inc.", "ACME SERVICES"},
		{"Acme Services LLC", "ACME SERVICES"},
		{"Bread & Roses", "BREAD AND ROSES"},
		{"St. Mary's Food-Bank", "ST MARYS FOOD BANK"},
		{"Café Esperanza", "CAFE ESPERANZA"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Name(tt.in))
		})
	}
}

func TestStreet(t *testing.T) {
	assert.Equal(t, "12 OAK ST", Street("12 Oak Street"))
	assert.Equal(t, "12 OAK ST", Street("12 Oak St."))
	assert.Equal(t, "400 N MAIN AVE STE 2", Street("400 North Main Avenue, Suite #2"))
}

func TestAddress(t *testing.T) {
	assert.Equal(t, "12 OAK ST|SPRINGFIELD|IL|62701", Address("12 Oak Street", "Springfield", "IL", "62701-1234"))
	assert.Equal(t, "12 OAK ST", Address("12 Oak St", "", "", ""))
	assert.Equal(t, "", Address("", "Springfield", "IL", "62701"))
}

func TestPostalCode(t *testing.T) {
	assert.Equal(t, "62701", PostalCode("62701"))
	assert.Equal(t, "62701", PostalCode("627011234"))
	assert.Equal(t, "K1A 0B1", PostalCode("k1a 0b1"))
}

func TestPhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"555-123-4567", "(555) 123-4567", true},
		{"+1 (555) 123 4567", "(555) 123-4567", true},
		{"5551234567", "(555) 123-4567", true},
		{"123-4567", "", false},
		{"055-123-4567", "", false},
		{"call us", "", false},
	}
	for _, tt := range tests {
		got, ok := Phone(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	assert.Equal(t, "5551234567", PhoneDigits("+1 555.123.4567"))
}

func TestIsPlaceholderAddress(t *testing.T) {
	for _, s := range []string{"", "N/A", "unknown", "123 Main Street", "TBD", "00000"} {
		assert.True(t, IsPlaceholderAddress(s), s)
	}
	for _, s := range []string{"12 Oak St", "400 N Main Ave"} {
		assert.False(t, IsPlaceholderAddress(s), s)
	}
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("EXAMPLE PANTRY", "EXAMPLE PANTRY"))
	assert.Equal(t, 0.0, Similarity("", "EXAMPLE"))
	s := Similarity(Name("Example Pantry"), Name("Example Food Pantry"))
	assert.Greater(t, s, 0.6)
	assert.Less(t, s, 1.0)
	assert.Less(t, Similarity("EXAMPLE PANTRY", "RIVERSIDE CLINIC"), 0.5)
}

func TestEntityKeys(t *testing.T) {
	loc := model.FieldSet{
		model.FieldName:           model.StringPtr("Example Pantry"),
		model.FieldAddress:        model.StringPtr("12 Oak Street"),
		model.FieldCity:           model.StringPtr("Springfield"),
		model.FieldLatitude:       model.StringPtr("39.78"),
		model.FieldLongitude:      model.StringPtr("bogus"),
		model.FieldOrganizationID: model.StringPtr("org-1"),
	}
	k := FieldSetKeys(model.EntityLocation, loc)
	assert.Equal(t, "EXAMPLE PANTRY", k.Name)
	assert.Equal(t, "12 OAK ST|SPRINGFIELD", k.Address)
	assert.Equal(t, "location|EXAMPLE PANTRY|12 OAK ST|SPRINGFIELD", k.Match)
	assert.Equal(t, "org-1", k.ParentID)
	if assert.NotNil(t, k.Lat) {
		assert.Equal(t, 39.78, *k.Lat)
	}
	assert.Nil(t, k.Lon)

	sal := FieldSetKeys(model.EntityServiceAtLocation, model.FieldSet{
		model.FieldServiceID:  model.StringPtr("svc-1"),
		model.FieldLocationID: model.StringPtr("loc-1"),
	})
	assert.Equal(t, "service_at_location|svc-1|loc-1", sal.Match)
}

func TestEntityKeys_MatchNeedsIdentity(t *testing.T) {
	nameless := FieldSetKeys(model.EntityLocation, model.FieldSet{
		model.FieldAddress: model.StringPtr("12 Oak Street"),
		model.FieldCity:    model.StringPtr("Springfield"),
	})
	assert.Equal(t, "location||12 OAK ST|SPRINGFIELD", nameless.Match)

	bare := FieldSetKeys(model.EntityLocation, model.FieldSet{model.FieldPhone: model.StringPtr("217-555-0101")})
	assert.Empty(t, bare.Match)
	assert.Empty(t, FieldSetKeys(model.EntityOrganization, model.FieldSet{}).Match)
	assert.Empty(t, FieldSetKeys(model.EntityService, model.FieldSet{model.FieldOrganizationID: model.StringPtr("org-1")}).Match)
}
