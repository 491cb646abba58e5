package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/locsync/internal/model"
)

func state(v string, conf float64) *model.FieldState {
	return &model.FieldState{Value: model.StringPtr(v), Confidence: conf}
}

func TestDecide(t *testing.T) {
	plain := FieldPolicy{QuorumMin: 2, TieBreak: TieKeepExisting}
	enum := FieldPolicy{Enumerable: true, QuorumMin: 2, TieBreak: TieKeepExisting}
	prefer := FieldPolicy{QuorumMin: 2, TieBreak: TiePreferIncoming}

	tests := []struct {
		name     string
		fp       FieldPolicy
		cur      *model.FieldState
		incoming *string
		conf     float64
		votes    votes
		want     bool
		reason   string
	}{
		{"never set", plain, nil, model.StringPtr("x"), 10, nil, true, "existing empty"},
		{"empty string", plain, state("", 99), model.StringPtr("x"), 10, nil, true, "existing empty"},
		{"retracted", plain, &model.FieldState{Confidence: 99}, model.StringPtr("x"), 10, nil, true, "existing empty"},
		{"same value", plain, state("x", 10), model.StringPtr("x"), 90, nil, false, "unchanged"},
		{"null onto never set", plain, nil, nil, 90, nil, false, "unchanged"},
		{"higher confidence", plain, state("x", 80), model.StringPtr("y"), 81, nil, true, "higher confidence"},
		{"lower confidence", plain, state("x", 80), model.StringPtr("y"), 79, nil, false, "existing kept"},
		{"retraction with higher confidence", plain, state("x", 80), nil, 90, nil, true, "higher confidence"},
		{"retraction with lower confidence", plain, state("x", 80), nil, 70, nil, false, "existing kept"},
		{"tie keeps existing", plain, state("x", 80), model.StringPtr("y"), 80, nil, false, "existing kept"},
		{"tie prefers incoming", prefer, state("x", 80), model.StringPtr("y"), 80, nil, true, "tie prefers incoming"},
		{"quorum reached", enum, state("open", 90), model.StringPtr("closed"), 50, votes{"open": 1, "closed": 2}, true, "quorum"},
		{"quorum below minimum", enum, state("open", 90), model.StringPtr("closed"), 50, votes{"closed": 1}, false, "existing kept"},
		{"quorum not a majority", enum, state("open", 90), model.StringPtr("closed"), 50, votes{"open": 2, "closed": 2}, false, "existing kept"},
		{"quorum ignored for plain fields", plain, state("open", 90), model.StringPtr("closed"), 50, votes{"closed": 5}, false, "existing kept"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := decide(tt.fp, tt.cur, tt.incoming, tt.conf, tt.votes)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestTally(t *testing.T) {
	obs := []model.Observation{
		{Value: model.StringPtr("open"), SourceID: "a", JobID: "1"},
		{Value: model.StringPtr("open"), SourceID: "a", JobID: "2"},
		{Value: model.StringPtr("closed"), SourceID: "b", JobID: "3"},
		{Value: model.StringPtr("closed"), JobID: "4"},
		{Value: nil, SourceID: "c", JobID: "5"},
	}
	v := tally(obs, model.StringPtr("closed"), "d")
	assert.Equal(t, votes{"open": 1, "closed": 3}, v)
}
