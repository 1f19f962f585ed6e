package supervise

import (
	"fmt"
	"time"

	"github.com/w1xm/ccd_interface/hardware"
)

type Kind int

const (
	Success Kind = iota
	Failed
	Aborted
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Failed:
		return "failed"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Outcome is the terminal result of one supervised operation. It is
// produced exactly once, by the task, before the task reports finished.
type Outcome struct {
	ID        string
	Operation string
	Kind      Kind
	// Err is the hardware error for Failed, and whatever error the
	// cancelled call returned for Aborted (possibly nil).
	Err error
	// PhaseAtAbort is only meaningful for Aborted.
	PhaseAtAbort hardware.Phase
	Started      time.Time
	Finished     time.Time
}

func (o Outcome) Duration() time.Duration {
	return o.Finished.Sub(o.Started)
}

func (o Outcome) String() string {
	switch o.Kind {
	case Failed:
		return fmt.Sprintf("%s %s: %v", o.Operation, o.Kind, o.Err)
	case Aborted:
		if o.Err != nil {
			return fmt.Sprintf("%s %s during %s: %v", o.Operation, o.Kind, o.PhaseAtAbort, o.Err)
		}
		return fmt.Sprintf("%s %s during %s", o.Operation, o.Kind, o.PhaseAtAbort)
	}
	return fmt.Sprintf("%s %s", o.Operation, o.Kind)
}
