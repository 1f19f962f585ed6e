package sky

import (
	"errors"
	"testing"
)

func TestCheckDark(t *testing.T) {
	for _, test := range []struct {
		alt, limit float64
		dark       bool
	}{
		{-18, -12, true},
		{-12, -12, true},
		{-5, -12, false},
		{30, 90, true},
	} {
		err := CheckDark(test.alt, test.limit)
		if dark := err == nil; dark != test.dark {
			t.Errorf("CheckDark(%v, %v) = %v", test.alt, test.limit, err)
		}
		if err != nil && !errors.Is(err, ErrDaylight) {
			t.Errorf("CheckDark error %v is not ErrDaylight", err)
		}
	}
}
