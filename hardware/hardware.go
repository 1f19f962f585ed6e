package hardware

import (
	"context"
	"fmt"
	"strings"
)

// Phase is the live, hardware-reported stage of a multi-step operation.
// Values are ordered by operation lifecycle.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseWaitStart
	PhasePreExposeReadout
	PhaseExposing
	PhasePreReadout
	PhaseReading
	PhasePostReadout
)

var phaseNames = []string{
	PhaseNone:             "none",
	PhaseWaitStart:        "wait_start",
	PhasePreExposeReadout: "pre_expose_readout",
	PhaseExposing:         "exposing",
	PhasePreReadout:       "pre_readout",
	PhaseReading:          "reading",
	PhasePostReadout:      "post_readout",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	parsed, err := ParsePhase(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func ParsePhase(s string) (Phase, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range phaseNames {
		if name == s {
			return Phase(i), nil
		}
	}
	return PhaseNone, fmt.Errorf("unknown phase %q", s)
}

// Operation is one blocking hardware call family (setup, expose, readout,
// move...). Parameters are carried by the implementing value.
type Operation interface {
	// Execute blocks until the operation completes, fails or is
	// interrupted. Cancelling ctx is the generic termination signal.
	Execute(ctx context.Context) error
	// Phase reports what the hardware is doing right now. It must be safe
	// to call while Execute is in flight.
	Phase() Phase
}

type Namer interface {
	Name() string
}

type ExposureAborter interface {
	// AbortExposure stops integration. Accumulated charge is retained.
	AbortExposure() error
}

type ReadoutAborter interface {
	AbortReadout() error
}

type TerminationReporter interface {
	// LastPhaseAtTermination reports the phase the previous operation was
	// in when it ended.
	LastPhaseAtTermination() Phase
}

// Name returns the operation's name, or its Go type if it has none.
func Name(op Operation) string {
	if n, ok := op.(Namer); ok {
		return n.Name()
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", op), "*")
}
