package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/locsync/internal/model"
	"github.com/sells-group/locsync/internal/normalize"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path. Every transaction
// starts with BEGIN IMMEDIATE, which makes writers take the database lock up
// front and serializes change sets.
func NewSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_txlock=immediate&_time_format=sqlite" +
		"&_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS version_events (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	entity_id   TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	field       TEXT NOT NULL,
	prev_value  TEXT,
	prev_set    INTEGER NOT NULL DEFAULT 0,
	new_value   TEXT,
	action      TEXT NOT NULL,
	job_id      TEXT NOT NULL,
	confidence  REAL NOT NULL DEFAULT 0,
	actor       TEXT NOT NULL,
	occurred_at DATETIME NOT NULL
);

CREATE TRIGGER IF NOT EXISTS version_events_no_update BEFORE UPDATE ON version_events
BEGIN SELECT RAISE(ABORT, 'version_events is append-only'); END;
CREATE TRIGGER IF NOT EXISTS version_events_no_delete BEFORE DELETE ON version_events
BEGIN SELECT RAISE(ABORT, 'version_events is append-only'); END;

CREATE TABLE IF NOT EXISTS entities (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	version     INTEGER NOT NULL,
	active      INTEGER NOT NULL DEFAULT 1,
	match_key   TEXT NOT NULL,
	name_key    TEXT NOT NULL DEFAULT '',
	address_key TEXT NOT NULL DEFAULT '',
	parent_id   TEXT NOT NULL DEFAULT '',
	lat         REAL,
	lon         REAL,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS entity_fields (
	entity_id  TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
	field      TEXT NOT NULL,
	value      TEXT,
	job_id     TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0,
	event_seq  INTEGER NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (entity_id, field)
);

CREATE TABLE IF NOT EXISTS field_observations (
	entity_id   TEXT NOT NULL,
	field       TEXT NOT NULL,
	job_id      TEXT NOT NULL,
	source_id   TEXT NOT NULL DEFAULT '',
	value       TEXT,
	confidence  REAL NOT NULL DEFAULT 0,
	observed_at DATETIME NOT NULL,
	PRIMARY KEY (entity_id, field, job_id)
);

CREATE TABLE IF NOT EXISTS reconciled_jobs (
	job_id     TEXT PRIMARY KEY,
	result     TEXT NOT NULL,
	applied_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS fingerprint_cache (
	fingerprint TEXT PRIMARY KEY,
	enrichment  TEXT NOT NULL,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS rejections (
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL,
	source_id  TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL,
	reasons    TEXT NOT NULL,
	result     TEXT,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS parked_matches (
	id          TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	candidates  TEXT NOT NULL,
	payload     TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'open',
	resolution  TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL,
	resolved_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_version_events_entity ON version_events(entity_id, occurred_at, seq);
CREATE INDEX IF NOT EXISTS idx_version_events_job ON version_events(job_id);
CREATE INDEX IF NOT EXISTS idx_entities_match ON entities(type, match_key);
CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(type, name_key);
CREATE INDEX IF NOT EXISTS idx_entities_address ON entities(type, address_key);
CREATE INDEX IF NOT EXISTS idx_entities_latlon ON entities(type, lat, lon);
CREATE INDEX IF NOT EXISTS idx_entities_parent ON entities(parent_id);
CREATE INDEX IF NOT EXISTS idx_rejections_created ON rejections(created_at);
CREATE INDEX IF NOT EXISTS idx_parked_status ON parked_matches(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_parked_open_job ON parked_matches(job_id) WHERE status = 'open';
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Apply writes a change set in one immediate transaction.
func (s *SQLiteStore) Apply(ctx context.Context, cs *ChangeSet) (*model.ReconcileResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin apply")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := applyChangeSet(ctx, &sqliteTx{q: tx}, cs, s.now())
	if err != nil {
		return nil, err
	}
	if res.AlreadyApplied {
		return res, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit apply")
	}
	return res, nil
}

func (s *SQLiteStore) ReconciledJob(ctx context.Context, jobID string) (*model.ReconcileResult, error) {
	return (&sqliteTx{q: s.db}).reconciled(ctx, jobID)
}

func (s *SQLiteStore) FindCandidates(ctx context.Context, q MatchQuery) ([]model.Entity, error) {
	var ors []string
	var orArgs []any
	if q.MatchKey != "" {
		ors = append(ors, "match_key = ?")
		orArgs = append(orArgs, q.MatchKey)
	}
	if q.NameKey != "" {
		ors = append(ors, "name_key = ?")
		orArgs = append(orArgs, q.NameKey)
	}
	if q.NamePrefix != "" {
		ors = append(ors, "name_key LIKE ?")
		orArgs = append(orArgs, q.NamePrefix+"%")
	}
	if q.AddressKey != "" {
		ors = append(ors, "address_key = ?")
		orArgs = append(orArgs, q.AddressKey)
	}
	if q.Near != nil && q.RadiusM > 0 {
		minLat, maxLat, minLon, maxLon := boundingBox(*q.Near, q.RadiusM)
		ors = append(ors, "(lat BETWEEN ? AND ? AND lon BETWEEN ? AND ?)")
		orArgs = append(orArgs, minLat, maxLat, minLon, maxLon)
	}
	if len(ors) == 0 {
		return nil, nil
	}

	query := `SELECT id FROM entities WHERE type = ? AND active = 1`
	args := []any{string(q.Type)}
	if q.ParentID != "" {
		query += ` AND parent_id = ?`
		args = append(args, q.ParentID)
	}
	query += ` AND (` + strings.Join(ors, " OR ") + `) ORDER BY id LIMIT ?`
	args = append(args, orArgs...)
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find candidates")
	}
	ids, err := scanIDs(rows)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan candidates")
	}
	return s.loadEntities(ctx, ids)
}

func (s *SQLiteStore) Observations(ctx context.Context, entityID, field string) ([]model.Observation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, field, job_id, source_id, value, confidence, observed_at
		 FROM field_observations WHERE entity_id = ? AND field = ? ORDER BY observed_at, job_id`,
		entityID, field,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: observations")
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		var o model.Observation
		var v sql.NullString
		if err := rows.Scan(&o.EntityID, &o.Field, &o.JobID, &o.SourceID, &v, &o.Confidence, &o.ObservedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan observation")
		}
		o.Value = nullToPtr(v)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	e, err := (&sqliteTx{q: s.db}).loadEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, eris.Wrapf(ErrNotFound, "entity %s", id)
	}
	return e, nil
}

func (s *SQLiteStore) ListEntities(ctx context.Context, f EntityFilter) ([]model.Entity, error) {
	query := `SELECT id FROM entities WHERE 1=1`
	var args []any
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	if f.ActiveOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list entities")
	}
	ids, err := scanIDs(rows)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan entity ids")
	}
	return s.loadEntities(ctx, ids)
}

func (s *SQLiteStore) CountEntities(ctx context.Context) (map[model.EntityType]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM entities GROUP BY type`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count entities")
	}
	defer rows.Close()
	out := make(map[model.EntityType]int)
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity count")
		}
		out[model.EntityType(t)] = n
	}
	return out, rows.Err()
}

const sqliteEventColumns = `seq, id, entity_id, entity_type, field, prev_value, prev_set, new_value, action, job_id, confidence, actor, occurred_at`

func (s *SQLiteStore) EventsForEntity(ctx context.Context, entityID string) ([]model.VersionEvent, error) {
	return sqliteEvents(ctx, s.db,
		`SELECT `+sqliteEventColumns+` FROM version_events WHERE entity_id = ? ORDER BY occurred_at, seq`, entityID)
}

func (s *SQLiteStore) EventsForJob(ctx context.Context, jobID string) ([]model.VersionEvent, error) {
	return sqliteEvents(ctx, s.db,
		`SELECT `+sqliteEventColumns+` FROM version_events WHERE job_id = ? ORDER BY seq`, jobID)
}

func (s *SQLiteStore) Events(ctx context.Context, afterSeq int64, limit int) ([]model.VersionEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	return sqliteEvents(ctx, s.db,
		`SELECT `+sqliteEventColumns+` FROM version_events WHERE seq > ? ORDER BY seq LIMIT ?`, afterSeq, limit)
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteEvents(ctx context.Context, q sqlQuerier, query string, args ...any) ([]model.VersionEvent, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query events")
	}
	defer rows.Close()

	var out []model.VersionEvent
	for rows.Next() {
		var ev model.VersionEvent
		var prev, next sql.NullString
		var prevSet int
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.EntityID, &ev.EntityType, &ev.Field, &prev, &prevSet, &next,
			&ev.Action, &ev.JobID, &ev.Confidence, &ev.Actor, &ev.OccurredAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		ev.PrevValue = nullToPtr(prev)
		ev.PrevSet = prevSet == 1
		ev.NewValue = nullToPtr(next)
		ev.OccurredAt = ev.OccurredAt.UTC()
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate events")
}

// RebuildProjection discards the projection tables and refolds the whole
// version log. It returns the number of entities written.
func (s *SQLiteStore) RebuildProjection(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin rebuild")
	}
	defer tx.Rollback() //nolint:errcheck

	// The immediate transaction holds the write lock, so no change set
	// lands between the read and the rewrite.
	events, err := sqliteEvents(ctx, tx, `SELECT `+sqliteEventColumns+` FROM version_events ORDER BY seq`)
	if err != nil {
		return 0, err
	}
	for _, stmt := range []string{`DELETE FROM entity_fields`, `DELETE FROM entities`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, eris.Wrapf(err, "sqlite: %s", stmt)
		}
	}
	entities := sortedEntities(Fold(events))
	ltx := &sqliteTx{q: tx}
	for _, e := range entities {
		if err := ltx.saveEntity(ctx, e, normalize.ForEntity(e)); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit rebuild")
	}
	return len(entities), nil
}

// VerifyProjection folds the version log and compares it with the stored
// projection without modifying anything.
func (s *SQLiteStore) VerifyProjection(ctx context.Context) ([]Drift, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin verify")
	}
	defer tx.Rollback() //nolint:errcheck

	events, err := sqliteEvents(ctx, tx, `SELECT `+sqliteEventColumns+` FROM version_events ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx, `SELECT id FROM entities`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list projection")
	}
	ids, err := scanIDs(rows)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan projection ids")
	}
	ltx := &sqliteTx{q: tx}
	stored := make(map[string]*model.Entity, len(ids))
	for _, id := range ids {
		e, err := ltx.loadEntity(ctx, id)
		if err != nil {
			return nil, err
		}
		if e != nil {
			stored[id] = e
		}
	}
	return diffEntities(stored, Fold(events)), nil
}

func (s *SQLiteStore) GetCachedEnrichment(ctx context.Context, fp string) (*model.Enrichment, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT enrichment FROM fingerprint_cache WHERE fingerprint = ?`, fp).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cached enrichment")
	}
	var e model.Enrichment
	if err := decodeJSON(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLiteStore) PutCachedEnrichment(ctx context.Context, fp string, e *model.Enrichment) error {
	raw, err := encodeJSON(e)
	if err != nil {
		return err
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO fingerprint_cache (fingerprint, enrichment, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET enrichment = excluded.enrichment, updated_at = excluded.updated_at`,
		fp, raw, now, now,
	)
	return eris.Wrap(err, "sqlite: put cached enrichment")
}

func (s *SQLiteStore) SaveRejection(ctx context.Context, r *model.Rejection) error {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rejections (id, job_id, source_id, confidence, reasons, result, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		r.ID, r.JobID, r.SourceID, r.Confidence, reasons, result, r.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: save rejection")
}

func (s *SQLiteStore) ListRejections(ctx context.Context, limit int) ([]model.Rejection, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, source_id, confidence, reasons, result, created_at
		 FROM rejections ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list rejections")
	}
	defer rows.Close()

	var out []model.Rejection
	for rows.Next() {
		var r model.Rejection
		var reasons string
		var result sql.NullString
		if err := rows.Scan(&r.ID, &r.JobID, &r.SourceID, &r.Confidence, &reasons, &result, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan rejection")
		}
		if err := decodeJSON(reasons, &r.Reasons); err != nil {
			return nil, err
		}
		if result.Valid && result.String != "null" {
			r.Result = &model.ValidationResult{}
			if err := decodeJSON(result.String, r.Result); err != nil {
				return nil, err
			}
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate rejections")
}

func (s *SQLiteStore) CountRejections(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rejections WHERE created_at >= ?`, since.UTC()).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count rejections")
}

func (s *SQLiteStore) SaveParked(ctx context.Context, p *model.ParkedMatch) error {
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
	// A job parked twice (after a retry) keeps its first open row.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO parked_matches (id, job_id, entity_type, candidates, payload, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		p.ID, p.JobID, string(p.EntityType), cands, payload, string(p.Status), p.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: save parked match")
}

const sqliteParkedColumns = `id, job_id, entity_type, candidates, payload, status, resolution, created_at, resolved_at`

func scanParked(row scannable) (*model.ParkedMatch, error) {
	var p model.ParkedMatch
	var cands, payload string
	var resolved sql.NullTime
	if err := row.Scan(&p.ID, &p.JobID, &p.EntityType, &cands, &payload, &p.Status, &p.Resolution, &p.CreatedAt, &resolved); err != nil {
		return nil, err
	}
	if err := decodeJSON(cands, &p.Candidates); err != nil {
		return nil, err
	}
	if err := decodeJSON(payload, &p.Payload); err != nil {
		return nil, err
	}
	if resolved.Valid {
		t := resolved.Time.UTC()
		p.ResolvedAt = &t
	}
	return &p, nil
}

func (s *SQLiteStore) GetParked(ctx context.Context, id string) (*model.ParkedMatch, error) {
	p, err := scanParked(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteParkedColumns+` FROM parked_matches WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "parked match %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get parked match")
	}
	return p, nil
}

func (s *SQLiteStore) ListParked(ctx context.Context, status model.ParkedStatus, limit int) ([]model.ParkedMatch, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + sqliteParkedColumns + ` FROM parked_matches`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list parked matches")
	}
	defer rows.Close()
	var out []model.ParkedMatch
	for rows.Next() {
		p, err := scanParked(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan parked match")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate parked matches")
}

func (s *SQLiteStore) ResolveParked(ctx context.Context, id, resolution string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE parked_matches SET status = ?, resolution = ?, resolved_at = ? WHERE id = ? AND status = ?`,
		string(model.ParkedResolved), resolution, s.now(), id, string(model.ParkedOpen),
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: resolve parked match")
	}
	return checkRowsAffected(res, "parked match "+id)
}

func (s *SQLiteStore) loadEntities(ctx context.Context, ids []string) ([]model.Entity, error) {
	ltx := &sqliteTx{q: s.db}
	out := make([]model.Entity, 0, len(ids))
	for _, id := range ids {
		e, err := ltx.loadEntity(ctx, id)
		if err != nil {
			return nil, err
		}
		if e != nil {
			out = append(out, *e)
		}
	}
	return out, nil
}

// sqliteTx implements ledgerTx. SQLite has no row locks; the immediate
// transaction already holds the database write lock.
type sqliteTx struct {
	q sqlQuerier
}

func (t *sqliteTx) reconciled(ctx context.Context, jobID string) (*model.ReconcileResult, error) {
	var raw string
	err := t.q.QueryRowContext(ctx, `SELECT result FROM reconciled_jobs WHERE job_id = ?`, jobID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: reconciled job")
	}
	var res model.ReconcileResult
	if err := decodeJSON(raw, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (t *sqliteTx) loadEntity(ctx context.Context, id string) (*model.Entity, error) {
	var e model.Entity
	err := t.q.QueryRowContext(ctx,
		`SELECT id, type, version, created_at, updated_at FROM entities WHERE id = ?`, id,
	).Scan(&e.ID, &e.Type, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load entity %s", id)
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()

	rows, err := t.q.QueryContext(ctx,
		`SELECT field, value, job_id, confidence, event_seq, updated_at FROM entity_fields WHERE entity_id = ?`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load fields %s", id)
	}
	defer rows.Close()
	e.Fields = make(map[string]model.FieldState)
	for rows.Next() {
		var name string
		var v sql.NullString
		var fs model.FieldState
		if err := rows.Scan(&name, &v, &fs.JobID, &fs.Confidence, &fs.EventSeq, &fs.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan field")
		}
		fs.Value = nullToPtr(v)
		fs.UpdatedAt = fs.UpdatedAt.UTC()
		e.Fields[name] = fs
	}
	return &e, eris.Wrap(rows.Err(), "sqlite: iterate fields")
}

func (t *sqliteTx) matchKeyTaken(ctx context.Context, et model.EntityType, key, exceptID string) (bool, error) {
	var n int
	err := t.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE type = ? AND match_key = ? AND active = 1 AND id <> ?`,
		string(et), key, exceptID,
	).Scan(&n)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: match key check")
	}
	return n > 0, nil
}

func (t *sqliteTx) insertEvent(ctx context.Context, ev *model.VersionEvent) error {
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO version_events (id, entity_id, entity_type, field, prev_value, prev_set, new_value, action, job_id, confidence, actor, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.EntityID, string(ev.EntityType), ev.Field, ptrToNull(ev.PrevValue), boolToInt(ev.PrevSet),
		ptrToNull(ev.NewValue), string(ev.Action), ev.JobID, ev.Confidence, ev.Actor, ev.OccurredAt.UTC(),
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert event")
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return eris.Wrap(err, "sqlite: event seq")
	}
	ev.Seq = seq
	return nil
}

func (t *sqliteTx) saveEntity(ctx context.Context, e *model.Entity, k normalize.Keys) error {
	var lat, lon sql.NullFloat64
	if k.Lat != nil && k.Lon != nil {
		lat = sql.NullFloat64{Float64: *k.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: *k.Lon, Valid: true}
	}
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO entities (id, type, version, active, match_key, name_key, address_key, parent_id, lat, lon, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			version = excluded.version, active = excluded.active, match_key = excluded.match_key,
			name_key = excluded.name_key, address_key = excluded.address_key, parent_id = excluded.parent_id,
			lat = excluded.lat, lon = excluded.lon, updated_at = excluded.updated_at`,
		e.ID, string(e.Type), e.Version, boolToInt(e.Active()), k.Match, k.Name, k.Address, k.ParentID,
		lat, lon, e.CreatedAt.UTC(), e.UpdatedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save entity %s", e.ID)
	}
	for name, fs := range e.Fields {
		_, err := t.q.ExecContext(ctx,
			`INSERT INTO entity_fields (entity_id, field, value, job_id, confidence, event_seq, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(entity_id, field) DO UPDATE SET
				value = excluded.value, job_id = excluded.job_id, confidence = excluded.confidence,
				event_seq = excluded.event_seq, updated_at = excluded.updated_at`,
			e.ID, name, ptrToNull(fs.Value), fs.JobID, fs.Confidence, fs.EventSeq, fs.UpdatedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: save field %s.%s", e.ID, name)
		}
	}
	return nil
}

func (t *sqliteTx) insertObservation(ctx context.Context, o model.Observation) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO field_observations (entity_id, field, job_id, source_id, value, confidence, observed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(entity_id, field, job_id) DO UPDATE SET
			value = excluded.value, confidence = excluded.confidence, observed_at = excluded.observed_at`,
		o.EntityID, o.Field, o.JobID, o.SourceID, ptrToNull(o.Value), o.Confidence, o.ObservedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: insert observation")
}

func (t *sqliteTx) markReconciled(ctx context.Context, jobID string, res *model.ReconcileResult, at time.Time) error {
	raw, err := encodeJSON(res)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx,
		`INSERT INTO reconciled_jobs (job_id, result, applied_at) VALUES (?, ?, ?)`, jobID, raw, at.UTC())
	return eris.Wrap(err, "sqlite: mark reconciled")
}

// scannable is satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func checkRowsAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrap(ErrNotFound, what)
	}
	return nil
}

func nullToPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func ptrToNull(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
