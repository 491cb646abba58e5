package geocode

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

const metersPerDegree = 111320.0

// Default places an address at a fixed center, offset by a jitter derived
// from the address seed. The same seed always lands on the same point, so
// replays are reproducible. It always matches, with approximate quality.
type Default struct {
	Lat     float64
	Lon     float64
	RadiusM float64
}

// NewDefault creates a Default strategy. A zero radius disables jitter.
func NewDefault(lat, lon, radiusM float64) *Default {
	return &Default{Lat: lat, Lon: lon, RadiusM: radiusM}
}

// Name implements Strategy.
func (d *Default) Name() string { return "default" }

// Geocode implements Strategy.
func (d *Default) Geocode(_ context.Context, addr AddressInput) (*Result, error) {
	lat, lon := d.Lat, d.Lon
	if d.RadiusM > 0 {
		sum := sha256.Sum256([]byte(addr.Seed + "|" + formatOneLine(addr)))
		u1 := float64(binary.BigEndian.Uint64(sum[0:8])) / math.MaxUint64
		u2 := float64(binary.BigEndian.Uint64(sum[8:16])) / math.MaxUint64

		// sqrt keeps the points uniform over the disc.
		r := d.RadiusM * math.Sqrt(u1)
		theta := 2 * math.Pi * u2
		cos := math.Cos(d.Lat * math.Pi / 180)
		if cos < 0.01 {
			cos = 0.01
		}
		lat += r * math.Cos(theta) / metersPerDegree
		lon += r * math.Sin(theta) / (metersPerDegree * cos)
	}
	return &Result{
		Latitude:  lat,
		Longitude: lon,
		Source:    "default",
		Quality:   "approximate",
		Matched:   true,
	}, nil
}
