package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/locsync/internal/model"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Example Pantry", "example pantry"},
		{"  EXAMPLE\tpantry\n", "example pantry"},
		{"Café  Olé!", "cafe ole"},
		{"12 Oak St., Suite #4", "12 oak st suite 4"},
		{"Ｆｕｌｌ　Ｗｉｄｔｈ", "full width"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestCompute_IgnoresSourceAndFormatting(t *testing.T) {
	a := model.CandidateRecord{SourceID: "adapter-a", RawContent: "Example Pantry\n12 Oak St"}
	b := model.CandidateRecord{SourceID: "adapter-b", RawContent: "example   PANTRY, 12 Oak St."}
	c := model.CandidateRecord{SourceID: "adapter-a", RawContent: "Example Pantry\n14 Oak St"}

	assert.Equal(t, Compute(a), Compute(b))
	assert.NotEqual(t, Compute(a), Compute(c))
	assert.Len(t, Compute(a), 64)
}

func TestCompute_StructuredFieldsWhenNoRawContent(t *testing.T) {
	a := model.CandidateRecord{SourceID: "s1", Name: "Example Pantry", AddressText: "12 Oak St"}
	b := model.CandidateRecord{SourceID: "s2", RawContent: "Example Pantry\n12 Oak St"}
	assert.Equal(t, Compute(a), Compute(b))
}

func TestShort(t *testing.T) {
	assert.Equal(t, "abcdefabcdef", Short("abcdefabcdef0123"))
	assert.Equal(t, "abc", Short("abc"))
}
