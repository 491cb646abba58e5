// Package replay re-injects archived job results into the pipeline. Replays
// are keyed on the original job id, so replaying the same archive any number
// of times writes the version events of a single first-time run.
package replay

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/locsync/internal/archive"
	"github.com/sells-group/locsync/internal/model"
	"github.com/sells-group/locsync/internal/reconcile"
	"github.com/sells-group/locsync/internal/resilience"
)

// Mode selects where archived results re-enter the pipeline.
type Mode string

const (
	// ModeValidate re-runs the validation gate on the archived enrichment.
	ModeValidate Mode = "validate"
	// ModeReconcile feeds the archived validation result straight to the
	// reconciliation engine.
	ModeReconcile Mode = "reconcile"
)

// ErrOutsideRoot is returned for paths that resolve outside the allowed
// archive tree.
var ErrOutsideRoot = eris.New("replay: path outside allowed root")

// Validator is the validation gate.
type Validator interface {
	Validate(ctx context.Context, c model.CandidateRecord, enr *model.Enrichment, seed string) (*model.ValidationResult, error)
}

// Reconciler is the reconciliation engine.
type Reconciler interface {
	Reconcile(ctx context.Context, in reconcile.Input) (*model.ReconcileResult, error)
	Park(ctx context.Context, jobID string, payload model.JobPayload, amb *reconcile.AmbiguousMatchError) (*model.ParkedMatch, error)
}

// Config bounds what the feeder may read.
type Config struct {
	AllowedRoot  string `yaml:"allowed_root" mapstructure:"allowed_root"`
	MaxFileBytes int64  `yaml:"max_file_bytes" mapstructure:"max_file_bytes"`
	Mode         Mode   `yaml:"mode" mapstructure:"mode"`
}

// Stats counts a replay run.
type Stats struct {
	Files          int `json:"files"`
	SkippedFiles   int `json:"skipped_files"`
	Read           int `json:"read"`
	Replayed       int `json:"replayed"`
	AlreadyApplied int `json:"already_applied"`
	Rejected       int `json:"rejected"`
	Parked         int `json:"parked"`
	Malformed      int `json:"malformed"`
}

// Feeder replays archive files.
type Feeder struct {
	cfg    Config
	root   string
	gate   Validator
	engine Reconciler
	log    *zap.Logger
}

// New creates a Feeder. The allowed root is resolved once, following
// symlinks.
func New(cfg Config, gate Validator, engine Reconciler) (*Feeder, error) {
	if cfg.AllowedRoot == "" {
		return nil, eris.New("replay: allowed root is required")
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = archive.DefaultMaxBytes
	}
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeValidate
	case ModeValidate, ModeReconcile:
	default:
		return nil, eris.Errorf("replay: unknown mode %q", cfg.Mode)
	}
	root, err := resolve(cfg.AllowedRoot)
	if err != nil {
		return nil, eris.Wrap(err, "replay: resolve allowed root")
	}
	return &Feeder{
		cfg:    cfg,
		root:   root,
		gate:   gate,
		engine: engine,
		log:    zap.L().With(zap.String("component", "replay"), zap.String("mode", string(cfg.Mode))),
	}, nil
}

// Mode returns the effective mode.
func (f *Feeder) Mode() Mode { return f.cfg.Mode }

// Run replays one archive file, or every .tsv file under a directory in
// lexical order. Malformed rows, damaged files and oversized files are
// counted and skipped; store failures stop the run.
func (f *Feeder) Run(ctx context.Context, path string) (Stats, error) {
	var stats Stats
	target, err := f.checkPath(path)
	if err != nil {
		return stats, err
	}

	files, err := listFiles(target)
	if err != nil {
		return stats, err
	}
	for _, file := range files {
		if err := f.runFile(ctx, file, &stats); err != nil {
			return stats, err
		}
	}
	f.log.Info("replay: finished",
		zap.String("path", target),
		zap.Int("files", stats.Files),
		zap.Int("read", stats.Read),
		zap.Int("replayed", stats.Replayed),
		zap.Int("already_applied", stats.AlreadyApplied),
		zap.Int("rejected", stats.Rejected),
		zap.Int("parked", stats.Parked),
		zap.Int("malformed", stats.Malformed),
		zap.Int("skipped_files", stats.SkippedFiles),
	)
	return stats, nil
}

func (f *Feeder) runFile(ctx context.Context, file string, stats *Stats) error {
	rs, err := archive.ReadFile(ctx, file, f.cfg.MaxFileBytes, func(rec archive.Record) error {
		return f.replayRecord(ctx, rec, stats)
	})
	stats.Read += rs.Rows
	stats.Malformed += rs.Malformed
	switch {
	case errors.Is(err, archive.ErrFileTooLarge):
		f.log.Warn("replay: skipping oversized file", zap.String("file", file), zap.Error(err))
		stats.SkippedFiles++
		return nil
	case errors.Is(err, archive.ErrMalformedFile):
		f.log.Warn("replay: skipping malformed file", zap.String("file", file), zap.Error(err))
		stats.SkippedFiles++
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "replay: %s", file)
	}
	stats.Files++
	return nil
}

// replayRecord handles one archived job. Only store and context failures
// are returned; everything attributable to the record itself is counted.
func (f *Feeder) replayRecord(ctx context.Context, rec archive.Record, stats *Stats) error {
	log := f.log.With(zap.String("job_id", rec.JobID))

	p, err := rec.Payload()
	if err != nil {
		log.Warn("replay: malformed record", zap.Error(err))
		stats.Malformed++
		return nil
	}

	switch f.cfg.Mode {
	case ModeReconcile:
		if p.Validation == nil {
			log.Warn("replay: record has no validation result")
			stats.Malformed++
			return nil
		}
	default:
		if p.Enrichment == nil {
			log.Warn("replay: record has no enrichment")
			stats.Malformed++
			return nil
		}
		vr, err := f.gate.Validate(ctx, p.Candidate, p.Enrichment, rec.JobID)
		if err != nil {
			return eris.Wrapf(err, "replay: validate job %s", rec.JobID)
		}
		p.Validation = vr
	}

	if p.Validation.Rejected {
		stats.Rejected++
		return nil
	}

	res, err := f.engine.Reconcile(ctx, reconcile.InputFromPayload(rec.JobID, p, model.ActorReplay))
	var amb *reconcile.AmbiguousMatchError
	switch {
	case errors.As(err, &amb):
		if _, err := f.engine.Park(ctx, rec.JobID, p, amb); err != nil {
			return err
		}
		stats.Parked++
		return nil
	case errors.Is(err, reconcile.ErrRejected):
		stats.Rejected++
		return nil
	case err != nil && resilience.IsPermanent(err):
		log.Warn("replay: record cannot be reconciled", zap.Error(err))
		stats.Malformed++
		return nil
	case err != nil:
		return err
	}

	if res.AlreadyApplied {
		stats.AlreadyApplied++
		return nil
	}
	stats.Replayed++
	return nil
}

// checkPath resolves path and requires it to sit inside the allowed root.
func (f *Feeder) checkPath(path string) (string, error) {
	resolved, err := resolve(path)
	if err != nil {
		return "", eris.Wrapf(err, "replay: resolve %s", path)
	}
	rel, err := filepath.Rel(f.root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", eris.Wrapf(ErrOutsideRoot, "%s is not under %s", path, f.root)
	}
	return resolved, nil
}

func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// listFiles returns path itself or the .tsv files below it. Symlinked
// directories are not followed.
func listFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, eris.Wrapf(err, "replay: stat %s", path)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && strings.HasSuffix(d.Name(), ".tsv") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "replay: walk %s", path)
	}
	sort.Strings(files)
	return files, nil
}
