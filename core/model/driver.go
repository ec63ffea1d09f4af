package model

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Driver is a person who can be assigned jobs.
type Driver struct {
	Name      string `json:"name"`
	Postcode  string `json:"postcode"`
	Region    string `json:"region,omitempty"`
	Available bool   `json:"available"`
	// MaxPerDay caps the number of non-completed jobs. Zero means no cap.
	MaxPerDay int   `json:"max_per_day"`
	Version   int64 `json:"version"`
}

// HasCapacity reports whether a driver currently holding load open jobs can
// take one more.
func (d Driver) HasCapacity(load int) bool {
	return d.MaxPerDay <= 0 || load < d.MaxPerDay
}

// Validate checks the driver record.
func (d Driver) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("driver name is required")
	}
	if d.MaxPerDay < 0 {
		return fmt.Errorf("driver %s: max_per_day must not be negative", d.Name)
	}
	return nil
}

// NormalizeName collapses whitespace and composes Unicode so names typed
// on different devices compare equal.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(norm.NFC.String(name)), " ")
}
