package geocode

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/locsync/internal/db"
)

// Tiger geocodes through the PostGIS TIGER geocoder extension on the
// Postgres store.
type Tiger struct {
	pool      db.Pool
	maxRating int
}

// NewTiger creates a Tiger strategy. Matches rated worse than maxRating are
// reported as unmatched.
func NewTiger(pool db.Pool, maxRating int) *Tiger {
	if maxRating <= 0 {
		maxRating = 20
	}
	return &Tiger{pool: pool, maxRating: maxRating}
}

// Name implements Strategy.
func (t *Tiger) Name() string { return "tiger" }

// Geocode implements Strategy.
func (t *Tiger) Geocode(ctx context.Context, addr AddressInput) (*Result, error) {
	oneLine := formatOneLine(addr)
	if addr.Street == "" || oneLine == "" {
		return &Result{Matched: false, Source: "tiger"}, nil
	}

	var lat, lon float64
	var rating int
	err := t.pool.QueryRow(ctx,
		`SELECT ST_Y(geomout), ST_X(geomout), rating FROM geocode($1, 1)`,
		oneLine,
	).Scan(&lat, &lon, &rating)
	if errors.Is(err, pgx.ErrNoRows) {
		return &Result{Matched: false, Source: "tiger"}, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "geocode: tiger query")
	}

	if rating > t.maxRating {
		zap.L().Debug("tiger geocode: rating exceeds threshold",
			zap.String("address", oneLine),
			zap.Int("rating", rating),
			zap.Int("max_rating", t.maxRating),
		)
		return &Result{Matched: false, Source: "tiger"}, nil
	}

	return &Result{
		Latitude:  lat,
		Longitude: lon,
		Source:    "tiger",
		Quality:   ratingToQuality(rating),
		Matched:   true,
	}, nil
}

// ratingToQuality maps PostGIS geocoder rating to quality taxonomy.
// Lower ratings are better: 0 = exact match.
func ratingToQuality(rating int) string {
	switch {
	case rating < 10:
		return "rooftop"
	case rating < 20:
		return "range"
	case rating < 50:
		return "centroid"
	default:
		return "approximate"
	}
}
