// Package sky answers questions about the observing conditions at the
// instrument site.
//
// Ephemeris lookups need the novas build tag and a JPL ephemeris file
// named by JPLEPH. Without the tag SunAltitude returns ErrNoEphemeris.
package sky

import (
	"errors"
	"fmt"
)

type Site struct {
	// Latitude and Longitude are in degrees, east positive.
	Latitude, Longitude float64
	// Height is metres above sea level.
	Height float64
}

var (
	// ErrDaylight is returned by CheckDark when the sun is too high to expose.
	ErrDaylight = errors.New("sky: sun above exposure limit")
	// ErrNoEphemeris is returned by SunAltitude in builds without novas.
	ErrNoEphemeris = errors.New("sky: built without ephemeris support (-tags novas)")
)

// SunAltitude returns the sun's current topocentric altitude in degrees,
// corrected for standard refraction.
func (s Site) SunAltitude() (float64, error) {
	return sunAltitude(s)
}

// CheckDark returns ErrDaylight if the sun is above limit degrees.
func CheckDark(altitude, limit float64) error {
	if altitude > limit {
		return fmt.Errorf("%w: altitude %.1f > %.1f", ErrDaylight, altitude, limit)
	}
	return nil
}
