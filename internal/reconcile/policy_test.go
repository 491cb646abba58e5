package reconcile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/locsync/internal/model"
)

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadPolicy_Empty(t *testing.T) {
	p, err := LoadPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), p)
}

func TestLoadPolicy_Overrides(t *testing.T) {
	path := writePolicy(t, `
reconcile:
  defaults:
    tie_break: prefer_incoming
  fields:
    status:
      enumerable: true
      quorum_min: 3
    schedule:
      enumerable: true
  match:
    location_radius_m: 250
`)
	p, err := LoadPolicy(path)
	require.NoError(t, err)

	assert.Equal(t, TiePreferIncoming, p.Defaults.TieBreak)
	assert.Equal(t, 2, p.Defaults.QuorumMin)

	status := p.Field(model.FieldStatus)
	assert.True(t, status.Enumerable)
	assert.Equal(t, 3, status.QuorumMin)
	assert.Equal(t, TiePreferIncoming, status.TieBreak, "unset field values inherit file defaults")

	sched := p.Field(model.FieldSchedule)
	assert.True(t, sched.Enumerable)
	assert.Equal(t, 2, sched.QuorumMin)

	phone := p.Field(model.FieldPhone)
	assert.False(t, phone.Enumerable)

	assert.Equal(t, 250.0, p.Match.LocationRadiusM)
	assert.Equal(t, 0.6, p.Match.LocationNameSimilarity)
	assert.Equal(t, 0.85, p.Match.OrgNameSimilarity)
}

func TestLoadPolicy_Errors(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = LoadPolicy(writePolicy(t, "reconcile: [not, a, map"))
	require.Error(t, err)

	_, err = LoadPolicy(writePolicy(t, "reconcile:\n  defaults:\n    tie_break: coin_flip\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "coin_flip")
}

func TestNew_InvalidPolicyFallsBack(t *testing.T) {
	p := DefaultPolicy()
	p.Defaults.TieBreak = "coin_flip"
	eng := New(nil, p)
	assert.Equal(t, TieKeepExisting, eng.policy.Defaults.TieBreak)
}
