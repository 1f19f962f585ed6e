package supervise

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/w1xm/ccd_interface/hardware"
)

type cancelPrimitive struct {
	name string
	// issue returns false if op does not implement the primitive.
	issue func(op hardware.Operation) (bool, error)
}

// cancelPrimitives routes an abort by the phase observed at abort time.
// Phases without an entry only get the generic termination signal.
var cancelPrimitives = map[hardware.Phase]cancelPrimitive{
	hardware.PhaseExposing: {
		name: "abort exposure",
		issue: func(op hardware.Operation) (bool, error) {
			a, ok := op.(hardware.ExposureAborter)
			if !ok {
				return false, nil
			}
			return true, a.AbortExposure()
		},
	},
	hardware.PhaseReading: {
		name: "abort readout",
		issue: func(op hardware.Operation) (bool, error) {
			a, ok := op.(hardware.ReadoutAborter)
			if !ok {
				return false, nil
			}
			return true, a.AbortReadout()
		},
	},
}

// Task runs one hardware operation on its own goroutine.
type Task struct {
	id   string
	name string
	op   hardware.Operation
	// terminate cancels the context passed to Execute.
	terminate context.CancelFunc
	done      chan struct{}
	started   time.Time

	mu             sync.Mutex
	outcome        *Outcome
	abortRequested bool
	phaseAtAbort   hardware.Phase
}

// StartTask begins op.Execute concurrently and returns immediately. The
// operation does not see cancellation of ctx; it is only interrupted through
// RequestAbort.
func StartTask(ctx context.Context, op hardware.Operation) *Task {
	ctx, terminate := context.WithCancel(context.WithoutCancel(ctx))
	t := &Task{
		id:        uuid.NewString(),
		name:      hardware.Name(op),
		op:        op,
		terminate: terminate,
		done:      make(chan struct{}),
		started:   time.Now(),
	}
	go t.run(ctx)
	return t
}

func (t *Task) ID() string {
	return t.id
}

func (t *Task) Name() string {
	return t.name
}

// Phase queries the hardware phase of the running operation.
func (t *Task) Phase() hardware.Phase {
	return t.op.Phase()
}

func (t *Task) Started() time.Time {
	return t.started
}

// Done is closed after the outcome has been set.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) Running() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Outcome returns the task's outcome, or false while it is still running.
func (t *Task) Outcome() (Outcome, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.outcome == nil {
		return Outcome{}, false
	}
	return *t.outcome, true
}

// AbortRequested reports whether RequestAbort dispatched a cancellation.
func (t *Task) AbortRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abortRequested
}

// RequestAbort reads the live hardware phase and issues the matching cancel
// action. Only the first call while the task is running has any effect; it
// returns whether this call dispatched the abort.
func (t *Task) RequestAbort() bool {
	t.mu.Lock()
	if t.abortRequested || t.outcome != nil {
		t.mu.Unlock()
		return false
	}
	phase := t.op.Phase()
	t.phaseAtAbort = phase
	// Set before the primitive is issued: the error it induces in Execute
	// must be classified as an abort.
	t.abortRequested = true
	t.mu.Unlock()

	t.dispatch(phase)
	return true
}

func (t *Task) dispatch(phase hardware.Phase) {
	p, ok := cancelPrimitives[phase]
	if !ok {
		log.Printf("%s %s: abort during %s has no hardware cancel primitive; terminating task only, hardware may be left mid-command", t.name, t.id, phase)
		t.terminate()
		return
	}
	issued, err := p.issue(t.op)
	switch {
	case !issued:
		log.Printf("%s %s: abort during %s: operation does not support %s; terminating task only", t.name, t.id, phase, p.name)
		t.terminate()
	case err != nil:
		// Usually the hardware went idle between the phase query and the
		// command. Terminate anyway so Execute cannot stay blocked.
		log.Printf("%s %s: %s: %v", t.name, t.id, p.name, err)
		t.terminate()
	default:
		log.Printf("%s %s: issued %s", t.name, t.id, p.name)
	}
}

func (t *Task) run(ctx context.Context) {
	err := t.execute(ctx)

	t.mu.Lock()
	o := Outcome{
		ID:        t.id,
		Operation: t.name,
		Started:   t.started,
		Finished:  time.Now(),
	}
	if err != nil {
		o.Err = &HardwareError{Op: t.name, Err: err}
	}
	switch {
	case t.abortRequested:
		o.Kind = Aborted
		o.PhaseAtAbort = t.phaseAtAbort
	case err != nil:
		o.Kind = Failed
	default:
		o.Kind = Success
	}
	t.outcome = &o
	t.mu.Unlock()

	t.terminate()
	close(t.done)
}

func (t *Task) execute(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.op.Execute(ctx)
}
