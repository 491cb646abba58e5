package reconcile

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/locsync/internal/model"
)

var (
	// ErrAmbiguousMatch means more than one existing entity matched equally
	// well. The job must be parked for an operator.
	ErrAmbiguousMatch = eris.New("reconcile: ambiguous match")
	// ErrRejected is returned for validation results below the threshold.
	ErrRejected = eris.New("reconcile: validation rejected")
)

// AmbiguousMatchError carries the equally strong candidates.
type AmbiguousMatchError struct {
	EntityType model.EntityType
	Candidates []model.MatchCandidate
}

func (e *AmbiguousMatchError) Error() string {
	ids := make([]string, len(e.Candidates))
	for i, c := range e.Candidates {
		ids[i] = c.EntityID
	}
	return fmt.Sprintf("reconcile: ambiguous %s match between %s", e.EntityType, strings.Join(ids, ", "))
}

// Is lets errors.Is(err, ErrAmbiguousMatch) match.
func (e *AmbiguousMatchError) Is(target error) bool {
	return target == ErrAmbiguousMatch
}
