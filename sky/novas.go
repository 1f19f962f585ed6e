//go:build novas

package sky

import "github.com/pebbe/novas"

// Importing novas loads the ephemeris named by JPLEPH at init and exits
// the process if it is missing.
func sunAltitude(s Site) (float64, error) {
	place := novas.NewPlace(s.Latitude, s.Longitude, s.Height, 10, 1010)
	data := novas.Sun().Topo(novas.Now(), place, novas.REFR_STANDARD)
	return data.Alt, nil
}
