package archive

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
)

var (
	// ErrFileTooLarge is returned for archive files over the size limit.
	ErrFileTooLarge = eris.New("archive: file exceeds size limit")
	// ErrMalformedFile is returned when a file cannot be read past a
	// damaged header or a damaged stream. Rows read before the damage have
	// already been passed to the callback.
	ErrMalformedFile = eris.New("archive: malformed file")
)

// ReadStats counts what ReadFile saw.
type ReadStats struct {
	Rows      int
	Malformed int
}

// ReadFile streams the records of one archive file to fn. Rows that do not
// parse are counted and skipped. A file whose header or stream is damaged
// returns ErrMalformedFile. An error from fn stops the read.
func ReadFile(ctx context.Context, path string, maxBytes int64, fn func(Record) error) (ReadStats, error) {
	var stats ReadStats
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	info, err := os.Stat(path)
	if err != nil {
		return stats, eris.Wrapf(err, "archive: stat %s", path)
	}
	if info.Size() > maxBytes {
		return stats, eris.Wrapf(ErrFileTooLarge, "%s is %d bytes, limit %d", path, info.Size(), maxBytes)
	}

	f, err := os.Open(path)
	if err != nil {
		return stats, eris.Wrapf(err, "archive: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	cr := csv.NewReader(io.LimitReader(f, maxBytes))
	cr.Comma = '\t'
	cr.ReuseRecord = true

	dec, err := csvutil.NewDecoder(cr)
	if errors.Is(err, io.EOF) {
		return stats, nil
	}
	if err != nil {
		return stats, eris.Wrapf(ErrMalformedFile, "read header of %s: %v", path, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		stats.Rows++
		if err != nil {
			if !isRowError(err) {
				return stats, eris.Wrapf(ErrMalformedFile, "read %s: %v", path, err)
			}
			stats.Malformed++
			continue
		}
		if err := fn(rec); err != nil {
			return stats, err
		}
	}
}

// isRowError reports whether err is confined to one row so reading can go
// on.
func isRowError(err error) bool {
	var parseErr *csv.ParseError
	if errors.As(err, &parseErr) {
		return true
	}
	var typeErr *csvutil.UnmarshalTypeError
	return errors.As(err, &typeErr) || errors.Is(err, csvutil.ErrFieldCount)
}
