package stage

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/w1xm/ccd_interface/hardware"
)

// Move drives the stage to Position and waits for it to settle within
// Tolerance. Terminating the move stops the stage where it is.
type Move struct {
	S         *Stage
	Position  float64
	Tolerance float64
}

func (m *Move) Name() string {
	return "stage move"
}

// Phase is always PhaseNone: a stage move has no detector phases.
func (m *Move) Phase() hardware.Phase {
	return hardware.PhaseNone
}

func (m *Move) Execute(ctx context.Context) error {
	sent := time.Now()
	if err := m.S.MoveTo(m.Position); err != nil {
		return err
	}
	for {
		changed := m.S.Changed()
		st := m.S.Status()
		if !st.Connected {
			return ErrNotConnected
		}
		if st.Updated.After(sent) && !st.Moving && math.Abs(st.Position-m.Position) <= m.Tolerance {
			return nil
		}
		select {
		case <-ctx.Done():
			if err := m.S.Stop(); err != nil {
				return fmt.Errorf("stopping after %v: %w", ctx.Err(), err)
			}
			return ctx.Err()
		case <-changed:
		}
	}
}
