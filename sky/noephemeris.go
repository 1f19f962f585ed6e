//go:build !novas

package sky

func sunAltitude(Site) (float64, error) {
	return 0, ErrNoEphemeris
}
