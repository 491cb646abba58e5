package reconcile

import (
	"math"

	"github.com/twpayne/go-geom"

	"github.com/sells-group/locsync/internal/normalize"
)

const earthRadiusM = 6371008.8

// pointOf returns the entity's WGS84 point, or nil when it has no usable
// coordinates.
func pointOf(k normalize.Keys) *geom.Point {
	if k.Lat == nil || k.Lon == nil {
		return nil
	}
	return geom.NewPointFlat(geom.XY, []float64{*k.Lon, *k.Lat}).SetSRID(4326)
}

// distanceM is the great-circle distance between two points in meters.
func distanceM(a, b *geom.Point) float64 {
	lat1, lat2 := a.Y()*math.Pi/180, b.Y()*math.Pi/180
	dLat := lat2 - lat1
	dLon := (b.X() - a.X()) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(h)))
}
