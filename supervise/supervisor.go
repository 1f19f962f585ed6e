package supervise

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/w1xm/ccd_interface/hardware"
	"github.com/w1xm/ccd_interface/trigger"
)

const DefaultWaitInterval = 50 * time.Millisecond

// Supervisor runs operations against one device under abort supervision.
// Runs are sequential: a second Run blocks until the first has returned.
type Supervisor struct {
	// Name identifies the device in logs.
	Name string
	// Trigger is polled by each run's watcher. Nil never aborts.
	Trigger      trigger.Source
	PollInterval time.Duration
	WaitInterval time.Duration

	// OnStart and OnOutcome are called synchronously from Run.
	OnStart   func(*Task)
	OnOutcome func(Outcome)

	mu sync.Mutex

	currentMu sync.Mutex
	current   *Task
}

var never = trigger.Func(func() (bool, error) { return false, nil })

// Run executes op and blocks until it has finished. Failed and aborted
// operations are reported in the Outcome; the error is only non-nil for a
// *SupervisionError. Cancelling ctx requests an abort of the operation and
// Run still waits for it to finish.
func (s *Supervisor) Run(ctx context.Context, op hardware.Operation) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := StartTask(ctx, op)
	s.setCurrent(task)
	defer s.setCurrent(nil)
	log.Printf("%s: started %s %s", s.Name, task.Name(), task.ID())
	if s.OnStart != nil {
		s.OnStart(task)
	}

	source := s.Trigger
	if source == nil {
		source = never
	}
	// Cancellation of ctx is handled by wait, not by the watcher.
	w := Watch(context.WithoutCancel(ctx), s.Name+" "+task.Name(), task, source, s.PollInterval)
	// Stop is idempotent; this covers panics in the hooks.
	defer w.Stop()

	s.wait(ctx, task)
	if err := w.Stop(); err != nil {
		return Outcome{}, err
	}
	o, ok := task.Outcome()
	if !ok {
		return Outcome{}, &SupervisionError{Op: task.Name(), Reason: "task finished without an outcome"}
	}
	log.Printf("%s: %s %s in %v", s.Name, o, o.ID, o.Duration().Round(time.Millisecond))
	if s.OnOutcome != nil {
		s.OnOutcome(o)
	}
	return o, nil
}

func (s *Supervisor) wait(ctx context.Context, task *Task) {
	interval := s.WaitInterval
	if interval <= 0 {
		interval = DefaultWaitInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	shutdown := ctx.Done()
	for {
		select {
		case <-task.Done():
			return
		case <-shutdown:
			log.Printf("%s: %v; aborting %s", s.Name, ctx.Err(), task.Name())
			task.RequestAbort()
			shutdown = nil
		case <-t.C:
			if !task.Running() {
				return
			}
		}
	}
}

func (s *Supervisor) setCurrent(t *Task) {
	s.currentMu.Lock()
	s.current = t
	s.currentMu.Unlock()
}

// Current returns the running task, or nil.
func (s *Supervisor) Current() *Task {
	s.currentMu.Lock()
	defer s.currentMu.Unlock()
	return s.current
}
