package supervise

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/w1xm/ccd_interface/trigger"
	"vawter.tech/stopper"
)

const (
	DefaultPollInterval = 250 * time.Millisecond

	stopGrace = 100 * time.Millisecond
)

// stopTimeout bounds how long Stop waits for a watcher stuck in its source.
var stopTimeout = 5 * time.Second

// Abortable is the watcher's non-owning view of a task.
type Abortable interface {
	Running() bool
	RequestAbort() bool
}

// Watcher polls a trigger source and aborts a task at most once.
type Watcher struct {
	name     string
	task     Abortable
	source   trigger.Source
	interval time.Duration
	sctx     *stopper.Context

	dispatched atomic.Bool
	stopOnce   sync.Once
	stopErr    error
}

// Watch starts a watcher for task. The watcher sleeps between polls and
// exits on its own after dispatching an abort or once the task has finished.
func Watch(ctx context.Context, name string, task Abortable, source trigger.Source, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	w := &Watcher{
		name:     name,
		task:     task,
		source:   source,
		interval: interval,
		sctx:     stopper.WithContext(ctx),
	}
	w.sctx.Go(func(sctx *stopper.Context) error {
		t := time.NewTicker(w.interval)
		defer t.Stop()
		for {
			select {
			case <-sctx.Stopping():
				return nil
			case <-t.C:
			}
			if w.poll() {
				return nil
			}
		}
	})
	return w
}

// poll returns true when the watcher has nothing left to do.
func (w *Watcher) poll() bool {
	if !w.task.Running() {
		return true
	}
	ok, err := w.source.Triggered()
	if err != nil {
		log.Printf("%s: %v", w.name, &AbortSignalError{Err: err})
	}
	if !ok {
		return false
	}
	log.Printf("%s: abort requested", w.name)
	if w.task.RequestAbort() {
		w.dispatched.Store(true)
	}
	return true
}

// Dispatched reports whether this watcher delivered an abort to its task.
func (w *Watcher) Dispatched() bool {
	return w.dispatched.Load()
}

// Stop retires the watcher and waits until its goroutine has exited, so no
// abort is in flight once Stop returns. It is safe to call more than once.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		w.sctx.Stop(stopGrace)
		errc := make(chan error, 1)
		go func() { errc <- w.sctx.Wait() }()
		select {
		case err := <-errc:
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				w.stopErr = &SupervisionError{Op: w.name, Reason: fmt.Sprintf("watcher exited with error: %v", err)}
			}
		case <-time.After(stopTimeout):
			w.stopErr = &SupervisionError{Op: w.name, Reason: "watcher outlived task teardown"}
		}
	})
	return w.stopErr
}
