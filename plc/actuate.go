package plc

import (
	"context"
	"fmt"
	"log"

	"github.com/w1xm/ccd_interface/hardware"
)

// Actuate moves one mechanism and waits for its feedback input to agree.
type Actuate struct {
	B         *Bank
	Mechanism string
	On        bool
}

func (a *Actuate) Name() string {
	state := "off"
	if a.On {
		state = "on"
	}
	return fmt.Sprintf("plc %s %s", a.Mechanism, state)
}

// Phase is always PhaseNone; mechanisms have no detector phases.
func (a *Actuate) Phase() hardware.Phase {
	return hardware.PhaseNone
}

func (a *Actuate) Execute(ctx context.Context) error {
	m, err := a.B.mechanism(a.Mechanism)
	if err != nil {
		return err
	}
	a.B.markCommanded()
	if err := a.B.Set(a.Mechanism, a.On); err != nil {
		return err
	}
	for {
		changed := a.B.changedChan()
		if pos, polled := a.B.feedback(m); polled && pos == a.On {
			return nil
		}
		select {
		case <-ctx.Done():
			// The coil stays as commanded; there is no safe position to
			// return a half-travelled mechanism to.
			log.Printf("plc: %s terminated before reaching position", a.Mechanism)
			return ctx.Err()
		case <-changed:
		}
	}
}
