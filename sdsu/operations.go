package sdsu

import (
	"context"
	"fmt"
	"time"

	"github.com/w1xm/ccd_interface/hardware"
)

// device gives every operation the controller's live phase and abort
// primitives.
type device struct {
	C *Controller
}

func (d device) Phase() hardware.Phase {
	return d.C.Phase()
}

func (d device) AbortExposure() error {
	return d.C.AbortExposure()
}

func (d device) AbortReadout() error {
	return d.C.AbortReadout()
}

func (d device) LastPhaseAtTermination() hardware.Phase {
	return d.C.LastPhaseAtTermination()
}

// Setup resets the controller, loads timing and powers the detector. No
// step has a dedicated abort command.
type Setup struct {
	device
	// Setpoint is the detector temperature set point in Celsius.
	Setpoint float64
	// StepTime is how long each setup step takes.
	StepTime time.Duration
}

func NewSetup(c *Controller, setpoint float64) *Setup {
	return &Setup{device: device{c}, Setpoint: setpoint, StepTime: 100 * time.Millisecond}
}

func (s *Setup) Name() string {
	return "setup"
}

func (s *Setup) Execute(ctx context.Context) error {
	c := s.C
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end(hardware.PhaseNone)
	for _, step := range []string{"reset controller", "load timing board", "load utility board", "power on"} {
		c.logf("setup: %s", step)
		if err := sleep(ctx, s.StepTime, nil, nil); err != nil {
			return fmt.Errorf("%s: %w", step, err)
		}
	}
	c.mu.Lock()
	c.powered = true
	c.setpoint = s.Setpoint
	c.mu.Unlock()
	c.notifyStatus()
	return nil
}

// Expose integrates for Duration and reads the frame out.
type Expose struct {
	device
	Duration time.Duration
	// Start delays the opening of the exposure. Zero starts immediately.
	Start time.Time
}

func NewExpose(c *Controller, d time.Duration) *Expose {
	return &Expose{device: device{c}, Duration: d}
}

func (e *Expose) Name() string {
	return "expose"
}

func (e *Expose) Execute(ctx context.Context) (err error) {
	c := e.C
	if err := c.requirePowered(); err != nil {
		return err
	}
	if err := c.begin(); err != nil {
		return err
	}
	ended := hardware.PhaseNone
	defer func() { c.end(ended) }()

	ended = hardware.PhaseWaitStart
	c.setPhase(hardware.PhaseWaitStart)
	if !e.Start.IsZero() {
		if err := sleep(ctx, time.Until(e.Start), nil, nil); err != nil {
			return err
		}
	}

	ended = hardware.PhasePreExposeReadout
	c.setPhase(hardware.PhasePreExposeReadout)
	if err := sleep(ctx, c.cfg.ClearTime, nil, nil); err != nil {
		return err
	}
	c.clear()

	ended = hardware.PhaseExposing
	abort, _ := c.abortChans()
	start := time.Now()
	c.mu.Lock()
	c.exposeStart = start
	c.mu.Unlock()
	c.setPhase(hardware.PhaseExposing)
	err = sleep(ctx, e.Duration, abort, ErrExposureAborted)
	c.integrate(time.Since(start))
	if err != nil {
		c.logf("exposure stopped after %v: %v", time.Since(start).Round(time.Millisecond), err)
		return err
	}

	ended, err = c.readout(ctx, false)
	return err
}

// Readout transfers charge left on the array by an aborted exposure.
type Readout struct {
	device
}

func NewReadout(c *Controller) *Readout {
	return &Readout{device: device{c}}
}

func (r *Readout) Name() string {
	return "readout"
}

func (r *Readout) Execute(ctx context.Context) error {
	c := r.C
	if err := c.begin(); err != nil {
		return err
	}
	ended := hardware.PhaseNone
	defer func() { c.end(ended) }()
	var err error
	ended, err = c.readout(ctx, true)
	return err
}
