// Package archive persists completed job results as tab-delimited files
// under <dir>/<YYYY-MM-DD>/<source>.tsv, one job per row. The replay feeder
// reads them back.
package archive

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/locsync/internal/model"
	"github.com/sells-group/locsync/internal/resilience"
)

// DefaultMaxBytes bounds a single archived record and a single archive file
// read back by replay.
const DefaultMaxBytes int64 = 100 << 20

// Outcome is how a job ended.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeRejected Outcome = "rejected"
	OutcomeParked   Outcome = "parked"
)

// Record is one archived job. JSON columns hold the payload sections so a
// row is self-contained.
type Record struct {
	JobID       string  `csv:"job_id"`
	SourceID    string  `csv:"source_id"`
	Fingerprint string  `csv:"fingerprint"`
	Outcome     Outcome `csv:"outcome"`
	Confidence  float64 `csv:"confidence"`
	EntityIDs   string  `csv:"entity_ids"`
	Candidate   string  `csv:"candidate"`
	Enrichment  string  `csv:"enrichment,omitempty"`
	Validation  string  `csv:"validation,omitempty"`
	Forced      string  `csv:"forced,omitempty"`
	CacheHit    bool    `csv:"cache_hit"`
	SubmittedAt string  `csv:"submitted_at"`
	ArchivedAt  string  `csv:"archived_at"`
}

// NewRecord flattens a finished job payload into a Record.
func NewRecord(jobID string, p model.JobPayload, outcome Outcome, at time.Time) (Record, error) {
	rec := Record{
		JobID:       jobID,
		SourceID:    p.Candidate.SourceID,
		Fingerprint: p.Fingerprint,
		Outcome:     outcome,
		CacheHit:    p.CacheHit,
		ArchivedAt:  at.UTC().Format(time.RFC3339Nano),
	}
	if !p.SubmittedAt.IsZero() {
		rec.SubmittedAt = p.SubmittedAt.UTC().Format(time.RFC3339Nano)
	}
	if p.Validation != nil {
		rec.Confidence = p.Validation.Confidence
	}
	if p.Result != nil {
		rec.EntityIDs = JoinEntityIDs(p.Result.EntityIDs)
	}

	var err error
	if rec.Candidate, err = jsonColumn(p.Candidate); err != nil {
		return rec, err
	}
	if p.Enrichment != nil {
		if rec.Enrichment, err = jsonColumn(p.Enrichment); err != nil {
			return rec, err
		}
	}
	if p.Validation != nil {
		if rec.Validation, err = jsonColumn(p.Validation); err != nil {
			return rec, err
		}
	}
	if len(p.Forced) > 0 {
		if rec.Forced, err = jsonColumn(p.Forced); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

// Payload rebuilds the job payload. Any column that does not decode makes
// the record malformed.
func (r Record) Payload() (model.JobPayload, error) {
	var p model.JobPayload
	if r.JobID == "" {
		return p, resilience.NewPermanentError(eris.New("archive: record has no job id"))
	}
	if err := json.Unmarshal([]byte(r.Candidate), &p.Candidate); err != nil {
		return p, resilience.NewPermanentError(eris.Wrapf(err, "archive: job %s candidate", r.JobID))
	}
	if r.Enrichment != "" {
		p.Enrichment = &model.Enrichment{}
		if err := json.Unmarshal([]byte(r.Enrichment), p.Enrichment); err != nil {
			return p, resilience.NewPermanentError(eris.Wrapf(err, "archive: job %s enrichment", r.JobID))
		}
	}
	if r.Validation != "" {
		p.Validation = &model.ValidationResult{}
		if err := json.Unmarshal([]byte(r.Validation), p.Validation); err != nil {
			return p, resilience.NewPermanentError(eris.Wrapf(err, "archive: job %s validation", r.JobID))
		}
	}
	if r.Forced != "" {
		if err := json.Unmarshal([]byte(r.Forced), &p.Forced); err != nil {
			return p, resilience.NewPermanentError(eris.Wrapf(err, "archive: job %s forced", r.JobID))
		}
	}
	if r.SubmittedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, r.SubmittedAt)
		if err != nil {
			return p, resilience.NewPermanentError(eris.Wrapf(err, "archive: job %s submitted_at", r.JobID))
		}
		p.SubmittedAt = t
	}
	p.Fingerprint = r.Fingerprint
	p.CacheHit = r.CacheHit
	return p, nil
}

// JoinEntityIDs renders entity ids as "type=id" pairs joined by ";" in a
// fixed order.
func JoinEntityIDs(ids map[model.EntityType]string) string {
	parts := make([]string, 0, len(ids))
	for t, id := range ids {
		parts = append(parts, string(t)+"="+id)
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

// SplitEntityIDs is the inverse of JoinEntityIDs.
func SplitEntityIDs(s string) map[model.EntityType]string {
	out := make(map[model.EntityType]string)
	for _, part := range strings.Split(s, ";") {
		t, id, ok := strings.Cut(part, "=")
		if ok && t != "" && id != "" {
			out[model.EntityType(t)] = id
		}
	}
	return out
}

func jsonColumn(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", eris.Wrap(err, "archive: encode column")
	}
	return string(b), nil
}

// Writer appends records to the archive tree. It is safe for concurrent use.
type Writer struct {
	dir      string
	maxBytes int64
	now      func() time.Time
	mu       sync.Mutex
}

// NewWriter creates a Writer rooted at dir.
func NewWriter(dir string, maxBytes int64) *Writer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Writer{dir: dir, maxBytes: maxBytes, now: time.Now}
}

// Dir returns the archive root.
func (w *Writer) Dir() string { return w.dir }

// Path returns the file a record for source lands in at time t.
func (w *Writer) Path(source string, t time.Time) string {
	return filepath.Join(w.dir, t.UTC().Format("2006-01-02"), fileName(source))
}

// Append writes rec to today's file for its source, creating the file with
// a header row when needed. It returns the file path.
func (w *Writer) Append(ctx context.Context, rec Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	row, err := encodeRow(rec)
	if err != nil {
		return "", err
	}
	if int64(len(row)) > w.maxBytes {
		return "", resilience.NewPermanentError(eris.Errorf("archive: job %s record is %d bytes, limit %d", rec.JobID, len(row), w.maxBytes))
	}

	path := w.Path(rec.SourceID, w.now())

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", eris.Wrapf(err, "archive: create dir for %s", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return "", eris.Wrapf(err, "archive: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	info, err := f.Stat()
	if err != nil {
		return "", eris.Wrapf(err, "archive: stat %s", path)
	}
	if info.Size() == 0 {
		header, err := encodeHeader()
		if err != nil {
			return "", err
		}
		row = append(header, row...)
	}
	if _, err := f.Write(row); err != nil {
		return "", eris.Wrapf(err, "archive: write %s", path)
	}
	zap.L().Debug("archive: appended",
		zap.String("job_id", rec.JobID),
		zap.String("path", path),
		zap.String("outcome", string(rec.Outcome)),
	)
	return path, nil
}

func newCSVWriter(b *strings.Builder) *csv.Writer {
	cw := csv.NewWriter(b)
	cw.Comma = '\t'
	return cw
}

func encodeHeader() ([]byte, error) {
	var b strings.Builder
	cw := newCSVWriter(&b)
	enc := csvutil.NewEncoder(cw)
	if err := enc.EncodeHeader(Record{}); err != nil {
		return nil, eris.Wrap(err, "archive: encode header")
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, eris.Wrap(err, "archive: encode header")
	}
	return []byte(b.String()), nil
}

func encodeRow(rec Record) ([]byte, error) {
	var b strings.Builder
	cw := newCSVWriter(&b)
	enc := csvutil.NewEncoder(cw)
	enc.AutoHeader = false
	if err := enc.Encode(rec); err != nil {
		return nil, eris.Wrapf(err, "archive: encode job %s", rec.JobID)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, eris.Wrapf(err, "archive: encode job %s", rec.JobID)
	}
	return []byte(b.String()), nil
}

// fileName turns a source id into a safe file name.
func fileName(source string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(source) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := strings.Trim(b.String(), ".")
	if name == "" {
		name = "unknown"
	}
	return name + ".tsv"
}
