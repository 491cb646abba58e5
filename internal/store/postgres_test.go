package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"

	"github.com/sells-group/locsync/internal/model"
	"github.com/sells-group/locsync/internal/normalize"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &PostgresStore{pool: mock, now: func() time.Time { return now }}
	return s, mock
}

// anyArgs matches n arguments of any value.
func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestPostgresStore_Apply_CreatesEntity(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`).
		WithArgs("job:job-1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`SELECT result FROM reconciled_jobs WHERE job_id = \$1`).
		WithArgs("job-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT id, type, version, created_at, updated_at FROM entities WHERE id = \$1 FOR UPDATE`).
		WithArgs("org-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO version_events .* RETURNING seq`).
		WithArgs(append([]any{pgxmock.AnyArg(), "org-1", "organization", model.FieldName}, anyArgs(8)...)...).
		WillReturnRows(pgxmock.NewRows([]string{"seq"}).AddRow(int64(41)))
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("key:organization|FOOD BANK").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("organization", "organization|FOOD BANK", "org-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`INSERT INTO entities`).
		WithArgs(append([]any{"org-1", "organization"}, anyArgs(11)...)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO entity_fields`).
		WithArgs(append([]any{"org-1", model.FieldName}, anyArgs(5)...)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO reconciled_jobs`).
		WithArgs("job-1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := s.Apply(context.Background(), &ChangeSet{
		JobID: "job-1",
		Actor: model.ActorReconcile,
		Changes: []EntityChange{{
			EntityID:   "org-1",
			EntityType: model.EntityOrganization,
			Create:     true,
			Events:     fieldEvents(0.9, model.FieldName, "Food Bank"),
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Events)
	assert.False(t, res.AlreadyApplied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Apply_AlreadyApplied(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("job:job-1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`SELECT result FROM reconciled_jobs`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"result"}).AddRow([]byte(`{"JobID":"job-1","Events":3}`)))
	mock.ExpectRollback()

	res, err := s.Apply(context.Background(), &ChangeSet{JobID: "job-1"})
	require.NoError(t, err)
	assert.True(t, res.AlreadyApplied)
	assert.Equal(t, 3, res.Events)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Apply_CreateGuardConflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("job:job-2").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`SELECT result FROM reconciled_jobs`).
		WithArgs("job-2").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`FROM entities WHERE id = \$1 FOR UPDATE`).
		WithArgs("org-2").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO version_events`).
		WithArgs(anyArgs(12)...).
		WillReturnRows(pgxmock.NewRows([]string{"seq"}).AddRow(int64(7)))
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("key:organization|FOOD BANK").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("organization", "organization|FOOD BANK", "org-2").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := s.Apply(context.Background(), &ChangeSet{
		JobID: "job-2",
		Changes: []EntityChange{{
			EntityID:   "org-2",
			EntityType: model.EntityOrganization,
			Create:     true,
			Events:     fieldEvents(0.9, model.FieldName, "Food Bank"),
		}},
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindCandidates_UsesPostGIS(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id FROM entities WHERE type = \$1 AND active AND \(match_key = \$2 OR ST_DWithin\(geom::geography, ST_SetSRID\(ST_MakePoint\(\$3, \$4\), 4326\)::geography, \$5\)\) ORDER BY id LIMIT \$6`).
		WithArgs("location", "location|PANTRY|12 MAIN ST", -89.65, 39.78, 100.0, 50).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	got, err := s.FindCandidates(context.Background(), MatchQuery{
		Type:     model.EntityLocation,
		MatchKey: "location|PANTRY|12 MAIN ST",
		Near:     &Point{Lat: 39.78, Lon: -89.65},
		RadiusM:  100,
	})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetEntity(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, type, version, created_at, updated_at FROM entities WHERE id = \$1$`).
		WithArgs("org-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "type", "version", "created_at", "updated_at"}).
			AddRow("org-1", "organization", int64(3), ts, ts))
	name := "Food Bank"
	mock.ExpectQuery(`SELECT field, value, job_id, confidence, event_seq, updated_at FROM entity_fields`).
		WithArgs("org-1").
		WillReturnRows(pgxmock.NewRows([]string{"field", "value", "job_id", "confidence", "event_seq", "updated_at"}).
			AddRow("name", &name, "job-1", 0.9, int64(3), ts))

	e, err := s.GetEntity(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, model.EntityOrganization, e.Type)
	assert.Equal(t, int64(3), e.Version)
	v, ok := e.Value(model.FieldName)
	assert.True(t, ok)
	assert.Equal(t, "Food Bank", v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetEntity_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM entities WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetEntity(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCachedEnrichment_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT enrichment FROM fingerprint_cache`).
		WithArgs("fp-unknown").
		WillReturnError(pgx.ErrNoRows)

	result, err := s.GetCachedEnrichment(context.Background(), "fp-unknown")
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutCachedEnrichment(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO fingerprint_cache .* ON CONFLICT \(fingerprint\) DO UPDATE`).
		WithArgs("fp-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.PutCachedEnrichment(context.Background(), "fp-1", &model.Enrichment{Provider: "anthropic"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveParked_NotOpen(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE parked_matches SET status = \$1`).
		WithArgs("resolved", "create", "p-1", "open").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.ResolveParked(context.Background(), "p-1", "create")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountRejections(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM rejections WHERE created_at >= \$1`).
		WithArgs(since).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(4))

	n, err := s.CountRejections(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`CREATE EXTENSION IF NOT EXISTS postgis`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMapPgError(t *testing.T) {
	assert.ErrorIs(t, mapPgError(&pgconn.PgError{Code: "23505", Message: "duplicate key"}), ErrConflict)
	assert.ErrorIs(t, mapPgError(&pgconn.PgError{Code: "40001"}), ErrConflict)

	other := &pgconn.PgError{Code: "42P01"}
	assert.Equal(t, error(other), mapPgError(other))
}

func TestEncodePoint(t *testing.T) {
	lat, lon := 39.78, -89.65
	data, err := encodePoint(normalize.Keys{Lat: &lat, Lon: &lon})
	require.NoError(t, err)

	g, err := ewkb.Unmarshal(data)
	require.NoError(t, err)
	p, ok := g.(*geom.Point)
	require.True(t, ok)
	assert.Equal(t, 4326, p.SRID())
	assert.InDelta(t, lon, p.X(), 1e-9)
	assert.InDelta(t, lat, p.Y(), 1e-9)

	none, err := encodePoint(normalize.Keys{Lat: &lat})
	require.NoError(t, err)
	assert.Nil(t, none)
}
