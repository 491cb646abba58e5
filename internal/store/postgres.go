package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"

	"github.com/sells-group/locsync/internal/db"
	"github.com/sells-group/locsync/internal/model"
	"github.com/sells-group/locsync/internal/normalize"
)

// PostgresStore implements Store using pgxpool and PostGIS.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists the hot-path queries prepared on each new
// connection.
var preparedStatements = map[string]string{
	"get_reconciled":   `SELECT result FROM reconciled_jobs WHERE job_id = $1`,
	"get_entity":       `SELECT id, type, version, created_at, updated_at FROM entities WHERE id = $1`,
	"get_fields":       `SELECT field, value, job_id, confidence, event_seq, updated_at FROM entity_fields WHERE entity_id = $1`,
	"get_cached":       `SELECT enrichment FROM fingerprint_cache WHERE fingerprint = $1`,
	"get_observations": `SELECT entity_id, field, job_id, source_id, value, confidence, observed_at FROM field_observations WHERE entity_id = $1 AND field = $2 ORDER BY observed_at, job_id`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresStore(pool), nil
}

func newPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{
		pool:    pool,
		closeFn: pool.Close,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS postgis;

CREATE TABLE IF NOT EXISTS version_events (
	seq         BIGSERIAL PRIMARY KEY,
	id          TEXT NOT NULL UNIQUE,
	entity_id   TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	field       TEXT NOT NULL,
	prev_value  TEXT,
	prev_set    BOOLEAN NOT NULL DEFAULT false,
	new_value   TEXT,
	action      TEXT NOT NULL,
	job_id      TEXT NOT NULL,
	confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
	actor       TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
);

CREATE OR REPLACE FUNCTION version_events_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'version_events is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS version_events_append_only ON version_events;
CREATE TRIGGER version_events_append_only BEFORE UPDATE OR DELETE ON version_events
	FOR EACH ROW EXECUTE FUNCTION version_events_append_only();

CREATE TABLE IF NOT EXISTS entities (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	version     BIGINT NOT NULL,
	active      BOOLEAN NOT NULL DEFAULT true,
	match_key   TEXT NOT NULL,
	name_key    TEXT NOT NULL DEFAULT '',
	address_key TEXT NOT NULL DEFAULT '',
	parent_id   TEXT NOT NULL DEFAULT '',
	lat         DOUBLE PRECISION,
	lon         DOUBLE PRECISION,
	geom        geometry(Point, 4326),
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS entity_fields (
	entity_id  TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
	field      TEXT NOT NULL,
	value      TEXT,
	job_id     TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	event_seq  BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (entity_id, field)
);

CREATE TABLE IF NOT EXISTS field_observations (
	entity_id   TEXT NOT NULL,
	field       TEXT NOT NULL,
	job_id      TEXT NOT NULL,
	source_id   TEXT NOT NULL DEFAULT '',
	value       TEXT,
	confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
	observed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (entity_id, field, job_id)
);

CREATE TABLE IF NOT EXISTS reconciled_jobs (
	job_id     TEXT PRIMARY KEY,
	result     JSONB NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS fingerprint_cache (
	fingerprint TEXT PRIMARY KEY,
	enrichment  JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rejections (
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL,
	source_id  TEXT NOT NULL DEFAULT '',
	confidence DOUBLE PRECISION NOT NULL,
	reasons    JSONB NOT NULL,
	result     JSONB,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS parked_matches (
	id          TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	candidates  JSONB NOT NULL,
	payload     JSONB NOT NULL,
	status      TEXT NOT NULL DEFAULT 'open',
	resolution  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_version_events_entity ON version_events(entity_id, occurred_at, seq);
CREATE INDEX IF NOT EXISTS idx_version_events_job ON version_events(job_id);
CREATE INDEX IF NOT EXISTS idx_entities_match ON entities(type, match_key);
CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(type, name_key text_pattern_ops);
CREATE INDEX IF NOT EXISTS idx_entities_address ON entities(type, address_key);
CREATE INDEX IF NOT EXISTS idx_entities_parent ON entities(parent_id);
CREATE INDEX IF NOT EXISTS idx_entities_geom ON entities USING GIST (geom);
CREATE INDEX IF NOT EXISTS idx_rejections_created ON rejections(created_at);
CREATE INDEX IF NOT EXISTS idx_parked_status ON parked_matches(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_parked_open_job ON parked_matches(job_id) WHERE status = 'open';
`

// Pool exposes the connection pool to components sharing the database,
// such as the TIGER geocoder.
func (s *PostgresStore) Pool() db.Pool { return s.pool }

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Apply writes a change set in one transaction. Row locks on the touched
// entities and advisory locks on new match keys serialize concurrent jobs.
func (s *PostgresStore) Apply(ctx context.Context, cs *ChangeSet) (*model.ReconcileResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin apply")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	res, err := applyChangeSet(ctx, &pgTx{tx: tx}, cs, s.now())
	if err != nil {
		return nil, mapPgError(err)
	}
	if res.AlreadyApplied {
		return res, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapPgError(eris.Wrap(err, "postgres: commit apply"))
	}
	return res, nil
}

// mapPgError turns unique and serialization violations into ErrConflict so
// callers retry against fresh state.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01":
			return eris.Wrap(ErrConflict, pgErr.Message)
		}
	}
	return err
}

func (s *PostgresStore) ReconciledJob(ctx context.Context, jobID string) (*model.ReconcileResult, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT result FROM reconciled_jobs WHERE job_id = $1`, jobID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: reconciled job")
	}
	var res model.ReconcileResult
	if err := decodeJSON(string(raw), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *PostgresStore) FindCandidates(ctx context.Context, q MatchQuery) ([]model.Entity, error) {
	args := []any{string(q.Type)}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var ors []string
	if q.MatchKey != "" {
		ors = append(ors, "match_key = "+arg(q.MatchKey))
	}
	if q.NameKey != "" {
		ors = append(ors, "name_key = "+arg(q.NameKey))
	}
	if q.NamePrefix != "" {
		ors = append(ors, "name_key LIKE "+arg(q.NamePrefix+"%"))
	}
	if q.AddressKey != "" {
		ors = append(ors, "address_key = "+arg(q.AddressKey))
	}
	if q.Near != nil && q.RadiusM > 0 {
		lon, lat, radius := arg(q.Near.Lon), arg(q.Near.Lat), arg(q.RadiusM)
		ors = append(ors, fmt.Sprintf(
			"ST_DWithin(geom::geography, ST_SetSRID(ST_MakePoint(%s, %s), 4326)::geography, %s)", lon, lat, radius))
	}
	if len(ors) == 0 {
		return nil, nil
	}

	query := `SELECT id FROM entities WHERE type = $1 AND active`
	if q.ParentID != "" {
		query += ` AND parent_id = ` + arg(q.ParentID)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` AND (` + strings.Join(ors, " OR ") + `) ORDER BY id LIMIT ` + arg(limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find candidates")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan candidates")
	}
	return s.loadEntities(ctx, ids)
}

func (s *PostgresStore) Observations(ctx context.Context, entityID, field string) ([]model.Observation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity_id, field, job_id, source_id, value, confidence, observed_at
		 FROM field_observations WHERE entity_id = $1 AND field = $2 ORDER BY observed_at, job_id`,
		entityID, field,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: observations")
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		var o model.Observation
		if err := rows.Scan(&o.EntityID, &o.Field, &o.JobID, &o.SourceID, &o.Value, &o.Confidence, &o.ObservedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan observation")
		}
		o.ObservedAt = o.ObservedAt.UTC()
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate observations")
}

func (s *PostgresStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	e, err := loadPgEntity(ctx, s.pool, id, false)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, eris.Wrapf(ErrNotFound, "entity %s", id)
	}
	return e, nil
}

func (s *PostgresStore) ListEntities(ctx context.Context, f EntityFilter) ([]model.Entity, error) {
	query := `SELECT id FROM entities WHERE true`
	var args []any
	if f.Type != "" {
		args = append(args, string(f.Type))
		query += fmt.Sprintf(` AND type = $%d`, len(args))
	}
	if f.ActiveOnly {
		query += ` AND active`
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit, f.Offset)
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list entities")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan entity ids")
	}
	return s.loadEntities(ctx, ids)
}

func (s *PostgresStore) CountEntities(ctx context.Context) (map[model.EntityType]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT type, COUNT(*) FROM entities GROUP BY type`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count entities")
	}
	defer rows.Close()
	out := make(map[model.EntityType]int)
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity count")
		}
		out[model.EntityType(t)] = n
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate entity counts")
}

const pgEventColumns = `seq, id, entity_id, entity_type, field, prev_value, prev_set, new_value, action, job_id, confidence, actor, occurred_at`

func (s *PostgresStore) EventsForEntity(ctx context.Context, entityID string) ([]model.VersionEvent, error) {
	return pgEvents(ctx, s.pool,
		`SELECT `+pgEventColumns+` FROM version_events WHERE entity_id = $1 ORDER BY occurred_at, seq`, entityID)
}

func (s *PostgresStore) EventsForJob(ctx context.Context, jobID string) ([]model.VersionEvent, error) {
	return pgEvents(ctx, s.pool,
		`SELECT `+pgEventColumns+` FROM version_events WHERE job_id = $1 ORDER BY seq`, jobID)
}

func (s *PostgresStore) Events(ctx context.Context, afterSeq int64, limit int) ([]model.VersionEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	return pgEvents(ctx, s.pool,
		`SELECT `+pgEventColumns+` FROM version_events WHERE seq > $1 ORDER BY seq LIMIT $2`, afterSeq, limit)
}

// pgQuerier is satisfied by db.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgEvents(ctx context.Context, q pgQuerier, query string, args ...any) ([]model.VersionEvent, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query events")
	}
	defer rows.Close()

	var out []model.VersionEvent
	for rows.Next() {
		var ev model.VersionEvent
		var entityType, action string
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.EntityID, &entityType, &ev.Field, &ev.PrevValue, &ev.PrevSet,
			&ev.NewValue, &action, &ev.JobID, &ev.Confidence, &ev.Actor, &ev.OccurredAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		ev.EntityType = model.EntityType(entityType)
		ev.Action = model.Action(action)
		ev.OccurredAt = ev.OccurredAt.UTC()
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate events")
}

// RebuildProjection refolds the version log into fresh projection tables.
// The log is locked against writers for the duration, and the projection is
// bulk-loaded with COPY.
func (s *PostgresStore) RebuildProjection(ctx context.Context) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin rebuild")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `LOCK TABLE version_events, entities, entity_fields IN EXCLUSIVE MODE`); err != nil {
		return 0, eris.Wrap(err, "postgres: lock for rebuild")
	}
	events, err := pgEvents(ctx, tx, `SELECT `+pgEventColumns+` FROM version_events ORDER BY seq`)
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `TRUNCATE entity_fields, entities`); err != nil {
		return 0, eris.Wrap(err, "postgres: truncate projection")
	}

	entities := sortedEntities(Fold(events))
	var entityRows, fieldRows [][]any
	for _, e := range entities {
		k := normalize.ForEntity(e)
		entityRows = append(entityRows, []any{
			e.ID, string(e.Type), e.Version, e.Active(), k.Match, k.Name, k.Address, k.ParentID, k.Lat, k.Lon, e.CreatedAt, e.UpdatedAt,
		})
		for name, fs := range e.Fields {
			fieldRows = append(fieldRows, []any{e.ID, name, fs.Value, fs.JobID, fs.Confidence, fs.EventSeq, fs.UpdatedAt})
		}
	}
	if _, err := db.CopyFrom(ctx, tx, "entities", pgEntityColumns, entityRows, 5000); err != nil {
		return 0, err
	}
	if _, err := db.CopyFrom(ctx, tx, "entity_fields", pgFieldColumns, fieldRows, 5000); err != nil {
		return 0, err
	}
	// COPY cannot encode geometry; derive it from the copied coordinates.
	if _, err := tx.Exec(ctx,
		`UPDATE entities SET geom = ST_SetSRID(ST_MakePoint(lon, lat), 4326) WHERE lat IS NOT NULL AND lon IS NOT NULL`); err != nil {
		return 0, eris.Wrap(err, "postgres: rebuild geometry")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit rebuild")
	}
	return len(entities), nil
}

var (
	pgEntityColumns = []string{"id", "type", "version", "active", "match_key", "name_key", "address_key", "parent_id", "lat", "lon", "created_at", "updated_at"}
	pgFieldColumns  = []string{"entity_id", "field", "value", "job_id", "confidence", "event_seq", "updated_at"}
)

// VerifyProjection folds the version log inside a repeatable-read snapshot
// and compares it with the stored projection.
func (s *PostgresStore) VerifyProjection(ctx context.Context) ([]Drift, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin verify")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SET TRANSACTION ISOLATION LEVEL REPEATABLE READ READ ONLY`); err != nil {
		return nil, eris.Wrap(err, "postgres: set snapshot")
	}
	events, err := pgEvents(ctx, tx, `SELECT `+pgEventColumns+` FROM version_events ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `SELECT id FROM entities`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list projection")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan projection ids")
	}
	stored := make(map[string]*model.Entity, len(ids))
	for _, id := range ids {
		e, err := loadPgEntity(ctx, tx, id, false)
		if err != nil {
			return nil, err
		}
		if e != nil {
			stored[id] = e
		}
	}
	return diffEntities(stored, Fold(events)), nil
}

func (s *PostgresStore) GetCachedEnrichment(ctx context.Context, fp string) (*model.Enrichment, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT enrichment FROM fingerprint_cache WHERE fingerprint = $1`, fp).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get cached enrichment")
	}
	var e model.Enrichment
	if err := decodeJSON(string(raw), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) PutCachedEnrichment(ctx context.Context, fp string, e *model.Enrichment) error {
	raw, err := encodeJSON(e)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO fingerprint_cache (fingerprint, enrichment, created_at, updated_at) VALUES ($1, $2, now(), now())
		 ON CONFLICT (fingerprint) DO UPDATE SET enrichment = EXCLUDED.enrichment, updated_at = now()`,
		fp, raw,
	)
	return eris.Wrap(err, "postgres: put cached enrichment")
}

func (s *PostgresStore) SaveRejection(ctx context.Context, r *model.Rejection) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	reasons, err := encodeJSON(r.Reasons)
	if err != nil {
		return err
	}
	result, err := encodeJSON(r.Result)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO rejections (id, job_id, source_id, confidence, reasons, result, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`,
		r.ID, r.JobID, r.SourceID, r.Confidence, reasons, result, r.CreatedAt,
	)
	return eris.Wrap(err, "postgres: save rejection")
}

func (s *PostgresStore) ListRejections(ctx context.Context, limit int) ([]model.Rejection, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, source_id, confidence, reasons, result, created_at
		 FROM rejections ORDER BY created_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list rejections")
	}
	defer rows.Close()

	var out []model.Rejection
	for rows.Next() {
		var r model.Rejection
		var reasons, result []byte
		if err := rows.Scan(&r.ID, &r.JobID, &r.SourceID, &r.Confidence, &reasons, &result, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan rejection")
		}
		if err := decodeJSON(string(reasons), &r.Reasons); err != nil {
			return nil, err
		}
		if len(result) > 0 && string(result) != "null" {
			r.Result = &model.ValidationResult{}
			if err := decodeJSON(string(result), r.Result); err != nil {
				return nil, err
			}
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate rejections")
}

func (s *PostgresStore) CountRejections(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM rejections WHERE created_at >= $1`, since).Scan(&n)
	return n, eris.Wrap(err, "postgres: count rejections")
}

func (s *PostgresStore) SaveParked(ctx context.Context, p *model.ParkedMatch) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	if p.Status == "" {
		p.Status = model.ParkedOpen
	}
	cands, err := encodeJSON(p.Candidates)
	if err != nil {
		return err
	}
	payload, err := encodeJSON(p.Payload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO parked_matches (id, job_id, entity_type, candidates, payload, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT DO NOTHING`,
		p.ID, p.JobID, string(p.EntityType), cands, payload, string(p.Status), p.CreatedAt,
	)
	return eris.Wrap(err, "postgres: save parked match")
}

const pgParkedColumns = `id, job_id, entity_type, candidates, payload, status, resolution, created_at, resolved_at`

func scanPgParked(row pgx.Row) (*model.ParkedMatch, error) {
	var p model.ParkedMatch
	var entityType, status string
	var cands, payload []byte
	if err := row.Scan(&p.ID, &p.JobID, &entityType, &cands, &payload, &status, &p.Resolution, &p.CreatedAt, &p.ResolvedAt); err != nil {
		return nil, err
	}
	p.EntityType = model.EntityType(entityType)
	p.Status = model.ParkedStatus(status)
	if err := decodeJSON(string(cands), &p.Candidates); err != nil {
		return nil, err
	}
	if err := decodeJSON(string(payload), &p.Payload); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetParked(ctx context.Context, id string) (*model.ParkedMatch, error) {
	p, err := scanPgParked(s.pool.QueryRow(ctx, `SELECT `+pgParkedColumns+` FROM parked_matches WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "parked match %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get parked match")
	}
	return p, nil
}

func (s *PostgresStore) ListParked(ctx context.Context, status model.ParkedStatus, limit int) ([]model.ParkedMatch, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + pgParkedColumns + ` FROM parked_matches`
	args := []any{}
	if status != "" {
		args = append(args, string(status))
		query += ` WHERE status = $1`
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list parked matches")
	}
	defer rows.Close()
	var out []model.ParkedMatch
	for rows.Next() {
		p, err := scanPgParked(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan parked match")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate parked matches")
}

func (s *PostgresStore) ResolveParked(ctx context.Context, id, resolution string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE parked_matches SET status = $1, resolution = $2, resolved_at = now() WHERE id = $3 AND status = $4`,
		string(model.ParkedResolved), resolution, id, string(model.ParkedOpen),
	)
	if err != nil {
		return eris.Wrap(err, "postgres: resolve parked match")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "open parked match %s", id)
	}
	return nil
}

func (s *PostgresStore) loadEntities(ctx context.Context, ids []string) ([]model.Entity, error) {
	out := make([]model.Entity, 0, len(ids))
	for _, id := range ids {
		e, err := loadPgEntity(ctx, s.pool, id, false)
		if err != nil {
			return nil, err
		}
		if e != nil {
			out = append(out, *e)
		}
	}
	return out, nil
}

func loadPgEntity(ctx context.Context, q pgQuerier, id string, lock bool) (*model.Entity, error) {
	query := `SELECT id, type, version, created_at, updated_at FROM entities WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	var e model.Entity
	var entityType string
	err := q.QueryRow(ctx, query, id).Scan(&e.ID, &entityType, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load entity %s", id)
	}
	e.Type = model.EntityType(entityType)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()

	rows, err := q.Query(ctx,
		`SELECT field, value, job_id, confidence, event_seq, updated_at FROM entity_fields WHERE entity_id = $1`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load fields %s", id)
	}
	defer rows.Close()
	e.Fields = make(map[string]model.FieldState)
	for rows.Next() {
		var name string
		var fs model.FieldState
		if err := rows.Scan(&name, &fs.Value, &fs.JobID, &fs.Confidence, &fs.EventSeq, &fs.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan field")
		}
		fs.UpdatedAt = fs.UpdatedAt.UTC()
		e.Fields[name] = fs
	}
	return &e, eris.Wrap(rows.Err(), "postgres: iterate fields")
}

// encodePoint returns the entity's coordinates as EWKB, or nil when it has
// none.
func encodePoint(k normalize.Keys) ([]byte, error) {
	if k.Lat == nil || k.Lon == nil {
		return nil, nil
	}
	g := geom.NewPointFlat(geom.XY, []float64{*k.Lon, *k.Lat}).SetSRID(4326)
	data, err := ewkb.Marshal(g, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: encode point")
	}
	return data, nil
}

// pgTx implements ledgerTx on a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) reconciled(ctx context.Context, jobID string) (*model.ReconcileResult, error) {
	// Two workers holding the same job id apply it one after the other.
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "job:"+jobID); err != nil {
		return nil, eris.Wrap(err, "postgres: lock job")
	}
	var raw []byte
	err := t.tx.QueryRow(ctx, `SELECT result FROM reconciled_jobs WHERE job_id = $1`, jobID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: reconciled job")
	}
	var res model.ReconcileResult
	if err := decodeJSON(string(raw), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (t *pgTx) loadEntity(ctx context.Context, id string) (*model.Entity, error) {
	return loadPgEntity(ctx, t.tx, id, true)
}

func (t *pgTx) matchKeyTaken(ctx context.Context, et model.EntityType, key, exceptID string) (bool, error) {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "key:"+key); err != nil {
		return false, eris.Wrap(err, "postgres: lock match key")
	}
	var taken bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM entities WHERE type = $1 AND match_key = $2 AND active AND id <> $3)`,
		string(et), key, exceptID,
	).Scan(&taken)
	return taken, eris.Wrap(err, "postgres: match key check")
}

func (t *pgTx) insertEvent(ctx context.Context, ev *model.VersionEvent) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO version_events (id, entity_id, entity_type, field, prev_value, prev_set, new_value, action, job_id, confidence, actor, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING seq`,
		ev.ID, ev.EntityID, string(ev.EntityType), ev.Field, ev.PrevValue, ev.PrevSet, ev.NewValue,
		string(ev.Action), ev.JobID, ev.Confidence, ev.Actor, ev.OccurredAt,
	).Scan(&ev.Seq)
	return eris.Wrap(err, "postgres: insert event")
}

func (t *pgTx) saveEntity(ctx context.Context, e *model.Entity, k normalize.Keys) error {
	g, err := encodePoint(k)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO entities (id, type, version, active, match_key, name_key, address_key, parent_id, lat, lon, geom, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, ST_GeomFromEWKB($11), $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
			version = EXCLUDED.version, active = EXCLUDED.active, match_key = EXCLUDED.match_key,
			name_key = EXCLUDED.name_key, address_key = EXCLUDED.address_key, parent_id = EXCLUDED.parent_id,
			lat = EXCLUDED.lat, lon = EXCLUDED.lon, geom = EXCLUDED.geom, updated_at = EXCLUDED.updated_at`,
		e.ID, string(e.Type), e.Version, e.Active(), k.Match, k.Name, k.Address, k.ParentID, k.Lat, k.Lon, g, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save entity %s", e.ID)
	}
	for name, fs := range e.Fields {
		_, err := t.tx.Exec(ctx,
			`INSERT INTO entity_fields (entity_id, field, value, job_id, confidence, event_seq, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (entity_id, field) DO UPDATE SET
				value = EXCLUDED.value, job_id = EXCLUDED.job_id, confidence = EXCLUDED.confidence,
				event_seq = EXCLUDED.event_seq, updated_at = EXCLUDED.updated_at`,
			e.ID, name, fs.Value, fs.JobID, fs.Confidence, fs.EventSeq, fs.UpdatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: save field %s.%s", e.ID, name)
		}
	}
	return nil
}

func (t *pgTx) insertObservation(ctx context.Context, o model.Observation) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO field_observations (entity_id, field, job_id, source_id, value, confidence, observed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (entity_id, field, job_id) DO UPDATE SET
			value = EXCLUDED.value, confidence = EXCLUDED.confidence, observed_at = EXCLUDED.observed_at`,
		o.EntityID, o.Field, o.JobID, o.SourceID, o.Value, o.Confidence, o.ObservedAt,
	)
	return eris.Wrap(err, "postgres: insert observation")
}

func (t *pgTx) markReconciled(ctx context.Context, jobID string, res *model.ReconcileResult, at time.Time) error {
	raw, err := encodeJSON(res)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO reconciled_jobs (job_id, result, applied_at) VALUES ($1, $2, $3)`, jobID, raw, at)
	return eris.Wrap(err, "postgres: mark reconciled")
}
