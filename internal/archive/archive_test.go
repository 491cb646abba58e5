package archive

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/locsync/internal/model"
	"github.com/sells-group/locsync/internal/resilience"
)

var archivedAt = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

func samplePayload() model.JobPayload {
	conf := 0.9
	return model.JobPayload{
		Candidate: model.CandidateRecord{
			SourceID:    "county-pantries",
			Name:        "Example Pantry",
			AddressText: "12 Oak St, Springfield, IL 62701",
			Description: "Tuesday\t\"hot meals\"\nand groceries",
		},
		Fingerprint: "ab12cd34",
		Enrichment: &model.Enrichment{
			Organization: model.FieldSet{model.FieldName: model.StringPtr("Example Pantry")},
			Location:     model.FieldSet{model.FieldAddress: model.StringPtr("12 Oak St")},
			Confidence:   &conf,
		},
		Validation: &model.ValidationResult{Confidence: 90, Threshold: 30},
		Result: &model.ReconcileResult{
			JobID: "job-1",
			EntityIDs: map[model.EntityType]string{
				model.EntityOrganization: "org-1",
				model.EntityLocation:     "loc-1",
			},
		},
		SubmittedAt: archivedAt.Add(-time.Hour),
	}
}

func newTestWriter(t *testing.T) *Writer {
	t.Helper()
	w := NewWriter(t.TempDir(), 0)
	w.now = func() time.Time { return archivedAt }
	return w
}

func readAll(t *testing.T, path string) ([]Record, ReadStats) {
	t.Helper()
	var recs []Record
	stats, err := ReadFile(context.Background(), path, 0, func(r Record) error {
		recs = append(recs, r)
		return nil
	})
	require.NoError(t, err)
	return recs, stats
}

func TestAppendAndRead(t *testing.T) {
	w := newTestWriter(t)
	p := samplePayload()

	rec, err := NewRecord("job-1", p, OutcomeApplied, archivedAt)
	require.NoError(t, err)
	assert.Equal(t, "location=loc-1;organization=org-1", rec.EntityIDs)
	assert.Equal(t, 90.0, rec.Confidence)

	path, err := w.Append(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(w.Dir(), "2026-03-14", "county-pantries.tsv"), path)

	rec2, err := NewRecord("job-2", p, OutcomeRejected, archivedAt)
	require.NoError(t, err)
	_, err = w.Append(context.Background(), rec2)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(raw), "job_id\tsource_id"), "header written once")

	recs, stats := readAll(t, path)
	assert.Equal(t, ReadStats{Rows: 2}, stats)
	require.Len(t, recs, 2)
	assert.Equal(t, OutcomeRejected, recs[1].Outcome)

	got, err := recs[0].Payload()
	require.NoError(t, err)
	assert.Equal(t, p.Candidate, got.Candidate)
	assert.Equal(t, "Example Pantry", *got.Enrichment.Organization[model.FieldName])
	assert.Equal(t, 90.0, got.Validation.Confidence)
	assert.True(t, p.SubmittedAt.Equal(got.SubmittedAt))
	assert.Equal(t, "ab12cd34", got.Fingerprint)
	assert.Equal(t, p.Result.EntityIDs, SplitEntityIDs(recs[0].EntityIDs))
}

func TestReadFile_SkipsMalformedRows(t *testing.T) {
	w := newTestWriter(t)
	rec, err := NewRecord("job-1", samplePayload(), OutcomeApplied, archivedAt)
	require.NoError(t, err)
	path, err := w.Append(context.Background(), rec)
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o640)
	require.NoError(t, err)
	_, err = f.WriteString("only\tthree\tfields\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rec.JobID = "job-3"
	_, err = w.Append(context.Background(), rec)
	require.NoError(t, err)

	recs, stats := readAll(t, path)
	assert.Equal(t, 3, stats.Rows)
	assert.Equal(t, 1, stats.Malformed)
	require.Len(t, recs, 2)
	assert.Equal(t, "job-3", recs[1].JobID)
}

func TestReadFile_TooLarge(t *testing.T) {
	w := newTestWriter(t)
	rec, err := NewRecord("job-1", samplePayload(), OutcomeApplied, archivedAt)
	require.NoError(t, err)
	path, err := w.Append(context.Background(), rec)
	require.NoError(t, err)

	_, err = ReadFile(context.Background(), path, 16, func(Record) error { return nil })
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestReadFile_DamagedHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "damaged.tsv")
	require.NoError(t, os.WriteFile(path, []byte("job_id\tx\"y\nrow\n"), 0o640))

	calls := 0
	_, err := ReadFile(context.Background(), path, 0, func(Record) error { calls++; return nil })
	assert.ErrorIs(t, err, ErrMalformedFile)
	assert.Zero(t, calls)
}

func TestReadFile_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.tsv")
	require.NoError(t, os.WriteFile(path, nil, 0o640))
	recs, stats := readAll(t, path)
	assert.Empty(t, recs)
	assert.Zero(t, stats.Rows)
}

func TestAppend_RecordTooLarge(t *testing.T) {
	w := NewWriter(t.TempDir(), 64)
	rec, err := NewRecord("job-1", samplePayload(), OutcomeApplied, archivedAt)
	require.NoError(t, err)
	_, err = w.Append(context.Background(), rec)
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
}

func TestPayload_Malformed(t *testing.T) {
	_, err := Record{JobID: "job-1", Candidate: "{not json"}.Payload()
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))

	_, err = Record{Candidate: "{}"}.Payload()
	assert.Error(t, err)

	_, err = Record{JobID: "job-1", Candidate: "{}", SubmittedAt: "yesterday"}.Payload()
	assert.Error(t, err)
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "county-pantries.tsv", fileName("county-pantries"))
	assert.Equal(t, "_.._etc_passwd.tsv", fileName("/../etc/passwd"))
	assert.Equal(t, "unknown.tsv", fileName(""))
	assert.Equal(t, "unknown.tsv", fileName(".."))
	assert.Equal(t, "food_bank_2.tsv", fileName("food bank/2"))
}
