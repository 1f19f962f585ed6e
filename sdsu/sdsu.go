// Package sdsu simulates an SDSU-style CCD controller: a detector that
// integrates charge and transfers it row by row, with the abort primitives
// of the real controller.
package sdsu

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"github.com/w1xm/ccd_interface/frame"
	"github.com/w1xm/ccd_interface/hardware"
)

var (
	ErrBusy            = errors.New("sdsu: controller busy")
	ErrExposureAborted = errors.New("sdsu: exposure aborted")
	ErrReadoutAborted  = errors.New("sdsu: readout aborted")
	ErrNotExposing     = errors.New("sdsu: not exposing")
	ErrNotReading      = errors.New("sdsu: not reading out")
	ErrNoCharge        = errors.New("sdsu: no accumulated charge to read out")
	ErrNotPowered      = errors.New("sdsu: controller not powered; run setup")
)

type Config struct {
	Rows, Cols int
	// ClearTime is spent flushing the array before integration.
	ClearTime time.Duration
	// ReadoutTime is the time to transfer the full frame.
	ReadoutTime time.Duration
	// Overhead is spent in each of the pre- and post-readout phases.
	Overhead time.Duration
	Bias     float64
	// SignalRate is in ADU per second at the brightest pixel.
	SignalRate float64
}

var DefaultConfig = Config{
	Rows:        512,
	Cols:        512,
	ClearTime:   200 * time.Millisecond,
	ReadoutTime: 2 * time.Second,
	Overhead:    50 * time.Millisecond,
	Bias:        1000,
	SignalRate:  500,
}

type Status struct {
	Phase       hardware.Phase
	LastPhase   hardware.Phase
	Busy        bool
	Powered     bool
	Temperature float64
	Setpoint    float64
	// Integrated is the integration time of the charge currently held.
	Integrated time.Duration
	// HasCharge is set while an untransferred frame is held on the array.
	HasCharge bool
	RowsRead  int
}

type StatusCallback func(status Status)

type Controller struct {
	cfg            Config
	statusCallback StatusCallback

	mu          sync.Mutex
	phase       hardware.Phase
	lastPhase   hardware.Phase
	busy        bool
	powered     bool
	temperature float64
	setpoint    float64
	charge      []float64
	integrated  time.Duration
	exposeStart time.Time
	rowsRead    int
	frame       *frame.Frame
	abortExp    chan struct{}
	abortRead   chan struct{}
}

func New(cfg Config, statusCallback StatusCallback) *Controller {
	if statusCallback == nil {
		statusCallback = func(Status) {}
	}
	return &Controller{
		cfg:            cfg,
		statusCallback: statusCallback,
		temperature:    20,
		setpoint:       20,
	}
}

func (c *Controller) Config() Config {
	return c.cfg
}

func (c *Controller) status() Status {
	return Status{
		Phase:       c.phase,
		LastPhase:   c.lastPhase,
		Busy:        c.busy,
		Powered:     c.powered,
		Temperature: c.temperature,
		Setpoint:    c.setpoint,
		Integrated:  c.integrated,
		HasCharge:   c.charge != nil,
		RowsRead:    c.rowsRead,
	}
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status()
}

func (c *Controller) notifyStatus() {
	c.statusCallback(c.Status())
}

// Phase is safe to call while an operation is executing.
func (c *Controller) Phase() hardware.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) LastPhaseAtTermination() hardware.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPhase
}

// Frame returns the last complete read-out frame.
func (c *Controller) Frame() *frame.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame
}

func (c *Controller) setPhase(p hardware.Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
	c.notifyStatus()
}

func (c *Controller) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return ErrBusy
	}
	c.busy = true
	c.abortExp = make(chan struct{})
	c.abortRead = make(chan struct{})
	return nil
}

func (c *Controller) end(ended hardware.Phase) {
	c.mu.Lock()
	c.lastPhase = ended
	c.phase = hardware.PhaseNone
	c.busy = false
	c.mu.Unlock()
	c.notifyStatus()
}

// AbortExposure stops integration. The charge integrated so far stays on
// the array and can be read out with a Readout.
func (c *Controller) AbortExposure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != hardware.PhaseExposing {
		return ErrNotExposing
	}
	closeOnce(&c.abortExp)
	return nil
}

func (c *Controller) AbortReadout() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != hardware.PhaseReading {
		return ErrNotReading
	}
	closeOnce(&c.abortRead)
	return nil
}

func closeOnce(ch *chan struct{}) {
	select {
	case <-*ch:
	default:
		close(*ch)
	}
}

func (c *Controller) abortChans() (exp, read <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abortExp, c.abortRead
}

// sleep waits for d, returning early with abortErr if abort is closed or
// with the context error on termination.
func sleep(ctx context.Context, d time.Duration, abort <-chan struct{}, abortErr error) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-abort:
		return abortErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) clear() {
	c.mu.Lock()
	c.charge = make([]float64, c.cfg.Rows*c.cfg.Cols)
	c.integrated = 0
	c.rowsRead = 0
	c.mu.Unlock()
}

// integrate adds d worth of signal to the held charge. The illumination is
// a smooth gradient so that frames are distinguishable in tests.
func (c *Controller) integrate(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for r := 0; r < c.cfg.Rows; r++ {
		for col := 0; col < c.cfg.Cols; col++ {
			weight := float64(r+col+1) / float64(c.cfg.Rows+c.cfg.Cols)
			c.charge[r*c.cfg.Cols+col] += c.cfg.SignalRate * weight * d.Seconds()
		}
	}
	c.integrated += d
}

func (c *Controller) requirePowered() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.powered {
		return ErrNotPowered
	}
	return nil
}

// readout transfers the held charge. It returns the phase it ended in.
func (c *Controller) readout(ctx context.Context, partial bool) (hardware.Phase, error) {
	c.mu.Lock()
	if c.charge == nil {
		c.mu.Unlock()
		return hardware.PhasePreReadout, ErrNoCharge
	}
	rows, cols := c.cfg.Rows, c.cfg.Cols
	c.mu.Unlock()

	c.setPhase(hardware.PhasePreReadout)
	if err := sleep(ctx, c.cfg.Overhead, nil, nil); err != nil {
		return hardware.PhasePreReadout, err
	}

	c.setPhase(hardware.PhaseReading)
	_, abort := c.abortChans()
	f := frame.New(rows, cols)
	perRow := c.cfg.ReadoutTime / time.Duration(rows)
	for r := 0; r < rows; r++ {
		if err := sleep(ctx, perRow, abort, ErrReadoutAborted); err != nil {
			// Rows already shifted out are gone, so the frame is lost.
			c.mu.Lock()
			c.charge = nil
			c.mu.Unlock()
			return hardware.PhaseReading, err
		}
		c.mu.Lock()
		for col := 0; col < cols; col++ {
			v := c.cfg.Bias + c.charge[r*cols+col]
			f.Set(r, col, uint16(math.Min(math.Max(v, 0), math.MaxUint16)))
		}
		c.rowsRead = r + 1
		c.mu.Unlock()
	}

	c.setPhase(hardware.PhasePostReadout)
	c.mu.Lock()
	f.ExposureTime = c.integrated
	f.Start = c.exposeStart
	f.Partial = partial
	c.frame = f
	c.charge = nil
	c.mu.Unlock()
	if err := sleep(ctx, c.cfg.Overhead, nil, nil); err != nil {
		return hardware.PhasePostReadout, err
	}
	return hardware.PhasePostReadout, nil
}

// Run steps the detector temperature toward its set point until ctx is
// done.
func (c *Controller) Run(ctx context.Context) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		c.mu.Lock()
		target := 20.0
		if c.powered {
			target = c.setpoint
		}
		old := c.temperature
		// At most 5 degrees per second.
		step := math.Max(math.Min(target-c.temperature, 5), -5)
		c.temperature += step
		changed := c.temperature != old
		c.mu.Unlock()
		if changed {
			c.notifyStatus()
		}
	}
}

func (c *Controller) logf(format string, args ...interface{}) {
	log.Printf("sdsu: "+format, args...)
}
