package geocode

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/kilianp07/fleetjobs/core/geo"
)

// Limited throttles calls to an underlying geocoder.
type Limited struct {
	inner   geo.Geocoder
	limiter *rate.Limiter
}

// NewLimited allows perSecond lookups with the given burst. A non-positive
// perSecond disables throttling.
func NewLimited(inner geo.Geocoder, perSecond float64, burst int) *Limited {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &Limited{inner: inner, limiter: rate.NewLimiter(limit, burst)}
}

// Geocode waits for a token and then delegates. It returns the context
// error if ctx ends first.
func (l *Limited) Geocode(ctx context.Context, postcode string) (geo.Point, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return geo.Point{}, err
	}
	return l.inner.Geocode(ctx, postcode)
}
