// Package geocode provides geocoders backed by a postcode table file and
// a rate-limiting decorator for remote ones.
package geocode

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/kilianp07/fleetjobs/core/geo"
)

// ErrUnknownPostcode is returned when neither the full postcode nor its
// outward code is in the table.
var ErrUnknownPostcode = errors.New("geocode: unknown postcode")

// tableFile is the on-disk layout:
//
//	postcodes:
//	  "SW1A 1AA": {lat: 51.501, lng: -0.1416}
//	outward:
//	  SW1A: {lat: 51.50, lng: -0.14}
type tableFile struct {
	Postcodes map[string]geo.Point `yaml:"postcodes"`
	Outward   map[string]geo.Point `yaml:"outward"`
}

// Table resolves postcodes from an in-memory table. A postcode missing
// from the full table falls back to the centroid of its outward code.
type Table struct {
	full    map[string]geo.Point
	outward map[string]geo.Point
}

// LoadTable reads a YAML table from path.
func LoadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open geocode table")
	}
	defer func() { _ = f.Close() }()
	return DecodeTable(f)
}

// DecodeTable reads a YAML table from r.
func DecodeTable(r io.Reader) (*Table, error) {
	var tf tableFile
	if err := yaml.NewDecoder(r).Decode(&tf); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "decode geocode table")
	}
	t := NewTable(tf.Postcodes)
	for k, p := range tf.Outward {
		t.outward[geo.NormalizePostcode(k)] = p
	}
	return t, nil
}

// NewTable builds a table from full postcodes.
func NewTable(points map[string]geo.Point) *Table {
	t := &Table{full: make(map[string]geo.Point, len(points)), outward: map[string]geo.Point{}}
	for k, p := range points {
		t.full[geo.NormalizePostcode(k)] = p
	}
	return t
}

// Len returns the number of full postcodes.
func (t *Table) Len() int { return len(t.full) }

// Geocode implements geo.Geocoder.
func (t *Table) Geocode(ctx context.Context, postcode string) (geo.Point, error) {
	if err := ctx.Err(); err != nil {
		return geo.Point{}, err
	}
	key := geo.NormalizePostcode(postcode)
	if p, ok := t.full[key]; ok {
		return p, nil
	}
	if out := outwardCode(key); out != "" {
		if p, ok := t.outward[out]; ok {
			return p, nil
		}
	}
	return geo.Point{}, errors.Wrapf(ErrUnknownPostcode, "%q", key)
}

// outwardCode returns the part before the space, or the postcode minus its
// three-character inward code when written without a space.
func outwardCode(pc string) string {
	if i := strings.IndexByte(pc, ' '); i > 0 {
		return pc[:i]
	}
	if len(pc) > 4 {
		return pc[:len(pc)-3]
	}
	return ""
}
