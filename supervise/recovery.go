package supervise

import (
	"context"
	"fmt"
	"log"

	"github.com/w1xm/ccd_interface/hardware"
)

// Recoverable reports whether o left an untransferred frame: only an abort
// during integration does.
func Recoverable(o Outcome) bool {
	return o.Kind == Aborted && o.PhaseAtAbort == hardware.PhaseExposing
}

type Recovery struct {
	Supervisor *Supervisor
}

// Recover reads out the charge left by an aborted exposure. Whether to
// recover at all is the caller's decision; Recover only refuses when there
// is nothing to read.
func (r *Recovery) Recover(ctx context.Context, o Outcome, readout hardware.Operation) (Outcome, error) {
	if !Recoverable(o) {
		log.Printf("%s: %s: no recovery possible", r.Supervisor.Name, o)
		return Outcome{}, ErrNotRecoverable
	}
	if tr, ok := readout.(hardware.TerminationReporter); ok {
		if last := tr.LastPhaseAtTermination(); last != hardware.PhaseExposing {
			log.Printf("%s: exposure %s ended in %s, not %s; refusing readout", r.Supervisor.Name, o.ID, last, hardware.PhaseExposing)
			return Outcome{}, fmt.Errorf("%w: hardware reports exposure ended in %s", ErrNotRecoverable, last)
		}
	}
	log.Printf("%s: recovering exposure %s", r.Supervisor.Name, o.ID)
	return r.Supervisor.Run(ctx, readout)
}
