// Package geo resolves postcodes to coordinates and measures great-circle
// distance between them.
package geo

import (
	"context"
	"math"
	"strings"
	"sync"

	"github.com/kilianp07/fleetjobs/core/fleeterr"
)

// EarthRadiusMiles is the mean Earth radius used by DistanceMiles.
const EarthRadiusMiles = 3958.8

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// Geocoder turns a postcode into a Point.
type Geocoder interface {
	Geocode(ctx context.Context, postcode string) (Point, error)
}

// GeocoderFunc adapts a function to the Geocoder interface.
type GeocoderFunc func(ctx context.Context, postcode string) (Point, error)

// Geocode calls f.
func (f GeocoderFunc) Geocode(ctx context.Context, postcode string) (Point, error) {
	return f(ctx, postcode)
}

// NormalizePostcode upper-cases a postcode and collapses inner whitespace.
func NormalizePostcode(pc string) string {
	return strings.Join(strings.Fields(strings.ToUpper(pc)), " ")
}

// DistanceMiles returns the haversine distance between a and b.
func DistanceMiles(a, b Point) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	lat1 := toRad(a.Lat)
	lat2 := toRad(b.Lat)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusMiles * math.Asin(math.Min(1, math.Sqrt(h)))
}

type resolution struct {
	point Point
	err   error
}

// Index memoizes geocoder lookups for the lifetime of one engine run.
// Failed lookups are cached too so a bad postcode is only tried once.
type Index struct {
	geocoder Geocoder
	mu       sync.Mutex
	cache    map[string]resolution
}

// NewIndex wraps g with a per-run cache.
func NewIndex(g Geocoder) *Index {
	return &Index{geocoder: g, cache: make(map[string]resolution)}
}

// Resolve returns the coordinates for postcode. Failures are reported as
// UnresolvableLocation errors.
func (i *Index) Resolve(ctx context.Context, postcode string) (Point, error) {
	key := NormalizePostcode(postcode)
	if key == "" {
		return Point{}, fleeterr.Validation(fleeterr.ReasonMissingPostcode, "empty postcode")
	}
	i.mu.Lock()
	if r, ok := i.cache[key]; ok {
		i.mu.Unlock()
		return r.point, r.err
	}
	i.mu.Unlock()

	p, err := i.geocoder.Geocode(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			// cancellation is not a property of the postcode
			return Point{}, err
		}
		err = fleeterr.Unresolvable(key, err)
	}
	i.mu.Lock()
	i.cache[key] = resolution{point: p, err: err}
	i.mu.Unlock()
	return p, err
}

// Distance resolves both postcodes and returns the miles between them.
func (i *Index) Distance(ctx context.Context, from, to string) (float64, error) {
	a, err := i.Resolve(ctx, from)
	if err != nil {
		return 0, err
	}
	b, err := i.Resolve(ctx, to)
	if err != nil {
		return 0, err
	}
	return DistanceMiles(a, b), nil
}

type indexKey struct{}

// WithIndex stores idx in ctx so nested engine calls share one cache.
func WithIndex(ctx context.Context, idx *Index) context.Context {
	return context.WithValue(ctx, indexKey{}, idx)
}

// IndexFrom returns the index carried by ctx, or a fresh one over g.
func IndexFrom(ctx context.Context, g Geocoder) *Index {
	if idx, ok := ctx.Value(indexKey{}).(*Index); ok && idx != nil {
		return idx
	}
	return NewIndex(g)
}
