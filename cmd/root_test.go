package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/locsync/internal/config"
	"github.com/sells-group/locsync/internal/model"
	"github.com/sells-group/locsync/internal/queue"
	"github.com/sells-group/locsync/internal/store"
	"github.com/sells-group/locsync/pkg/geocode"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"serve", "work", "submit", "replay", "rebuild", "status", "parked", "migrate"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "locsync", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestParkedCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range parkedCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["list"])
	assert.True(t, names["resolve"])
}

func TestCommandFlags(t *testing.T) {
	require.NotNil(t, serveCmd.Flags().Lookup("port"))
	assert.Equal(t, "0", serveCmd.Flags().Lookup("port").DefValue)
	require.NotNil(t, serveCmd.Flags().Lookup("workers"))
	require.NotNil(t, workCmd.Flags().Lookup("concurrency"))
	require.NotNil(t, workCmd.Flags().Lookup("drain"))
	require.NotNil(t, replayCmd.Flags().Lookup("bypass-validation"))
	require.NotNil(t, rebuildCmd.Flags().Lookup("verify"))
	require.NotNil(t, parkedResolveCmd.Flags().Lookup("entity"))
	require.NotNil(t, parkedResolveCmd.Flags().Lookup("new"))
	assert.Equal(t, "open", parkedListCmd.Flags().Lookup("status").DefValue)
}

func TestResolveChoice(t *testing.T) {
	got, err := resolveChoice("loc-1", false)
	require.NoError(t, err)
	assert.Equal(t, "loc-1", got)

	got, err = resolveChoice("", true)
	require.NoError(t, err)
	assert.Equal(t, "new", got)

	_, err = resolveChoice("loc-1", true)
	assert.Error(t, err)
	_, err = resolveChoice("", false)
	assert.Error(t, err)
}

func TestParseCandidates(t *testing.T) {
	one, err := parseCandidates([]byte(` {"source_id":"src-a","name":"Example Pantry"} `))
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "src-a", one[0].SourceID)

	many, err := parseCandidates([]byte(`[{"source_id":"a","name":"A"},{"source_id":"b","name":"B"}]`))
	require.NoError(t, err)
	assert.Len(t, many, 2)

	_, err = parseCandidates([]byte("  "))
	assert.Error(t, err)
	_, err = parseCandidates([]byte(`{"source_id":`))
	assert.Error(t, err)
}

func TestQueueConfig(t *testing.T) {
	qc := queueConfig(config.QueueConfig{
		MaxAttempts:        7,
		LeaseDuration:      time.Minute,
		TransientInitial:   time.Second,
		TransientMax:       30 * time.Second,
		QuotaInitial:       time.Hour,
		QuotaMax:           4 * time.Hour,
		QuotaMultiplier:    1.5,
		QuotaEscalateAfter: 3,
	})
	assert.Equal(t, 7, qc.MaxAttempts)
	assert.Equal(t, time.Minute, qc.LeaseDuration)
	assert.Equal(t, time.Second, qc.Transient.Initial)
	assert.Equal(t, 2*time.Second, qc.Transient.Delay(1))
	assert.Equal(t, 90*time.Minute, qc.Quota.Delay(1))
	assert.Equal(t, 4*time.Hour, qc.Quota.Delay(10))
	assert.Equal(t, 3, qc.QuotaEscalateAfter)
}

func TestBuildStrategies(t *testing.T) {
	gc := config.GeocodeConfig{
		Strategies:    []string{"census", "google", "tiger", "default", "bogus"},
		DefaultLat:    39.8,
		DefaultLon:    -98.5,
		DefaultRadius: 1000,
	}
	// No google key and no postgres store: both are skipped.
	names := strategyNames(buildStrategies(gc, nil))
	assert.Equal(t, []string{"census", "default"}, names)

	gc.GoogleKey = "key"
	names = strategyNames(buildStrategies(gc, &store.SQLiteStore{}))
	assert.Equal(t, []string{"census", "google", "default"}, names)
}

func strategyNames(ss []geocode.Strategy) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = s.Name()
	}
	return out
}

func TestFormatDepth(t *testing.T) {
	var buf bytes.Buffer
	formatDepth(&buf, []queue.DepthRow{
		{Stage: model.StageEnrichment, State: queue.StateQueued, Count: 4, Attempts: 1},
		{Stage: model.StageReconciliation, State: queue.StateParked, Count: 2},
	})
	out := buf.String()
	assert.Contains(t, out, "STAGE")
	assert.Contains(t, out, "enrichment")
	assert.Contains(t, out, "parked")
}

func TestFormatCounts(t *testing.T) {
	var buf bytes.Buffer
	formatCounts(&buf, map[model.EntityType]int{
		model.EntityOrganization: 3,
		model.EntityLocation:     5,
	}, 2, 7)
	out := buf.String()
	assert.Contains(t, out, "organization")
	assert.Contains(t, out, "parked (open)")
	assert.Contains(t, out, "rejected (24h)")
}

func TestFormatParked(t *testing.T) {
	var buf bytes.Buffer
	formatParked(&buf, []model.ParkedMatch{{
		ID:         "pm-1",
		JobID:      "job-1",
		EntityType: model.EntityLocation,
		Status:     model.ParkedOpen,
		Candidates: []model.MatchCandidate{{EntityID: "loc-a", Score: 0.91}, {EntityID: "loc-b", Score: 0.9}},
		CreatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}})
	out := buf.String()
	assert.Contains(t, out, "pm-1")
	assert.Contains(t, out, "loc-a(0.910) loc-b(0.900)")
}

func TestFormatDrift(t *testing.T) {
	var buf bytes.Buffer
	formatDrift(&buf, []store.Drift{
		{EntityID: "loc-1", Field: "name", Detail: "projection has \"A\", log folds to \"B\""},
		{EntityID: "loc-2", Detail: "missing from projection"},
	})
	out := buf.String()
	assert.Contains(t, out, "loc-1")
	assert.Contains(t, out, "missing from projection")
}
