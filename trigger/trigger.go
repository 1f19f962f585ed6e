// Package trigger provides the sources of operator abort requests that a
// supervise.Watcher polls.
package trigger

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
)

// Source reports whether an abort has been requested since the last call.
// Triggered must not block for long; it is polled on a fixed interval.
type Source interface {
	Triggered() (bool, error)
}

// Func adapts a function to a Source.
type Func func() (bool, error)

func (f Func) Triggered() (bool, error) {
	return f()
}

// Flag is set by an operator command and consumed by the next poll.
type Flag struct {
	set atomic.Bool
}

func (f *Flag) Set() {
	f.set.Store(true)
}

// Reset discards a pending request.
func (f *Flag) Reset() {
	f.set.Store(false)
}

func (f *Flag) Triggered() (bool, error) {
	return f.set.CompareAndSwap(true, false), nil
}

// Signal latches delivery of any of the given OS signals.
type Signal struct {
	Flag
	ch   chan os.Signal
	once sync.Once
	done chan struct{}
}

func NotifySignal(sigs ...os.Signal) *Signal {
	s := &Signal{
		ch:   make(chan os.Signal, 1),
		done: make(chan struct{}),
	}
	signal.Notify(s.ch, sigs...)
	go func() {
		for {
			select {
			case <-s.ch:
				s.Set()
			case <-s.done:
				return
			}
		}
	}()
	return s
}

func (s *Signal) Close() error {
	s.once.Do(func() {
		signal.Stop(s.ch)
		close(s.done)
	})
	return nil
}

type anySource []Source

// Any triggers when any of sources triggers. All sources are polled every
// time so that consuming sources are drained together; the first error is
// returned alongside the combined result.
func Any(sources ...Source) Source {
	return anySource(sources)
}

func (a anySource) Triggered() (bool, error) {
	var (
		triggered bool
		firstErr  error
	)
	for _, s := range a {
		ok, err := s.Triggered()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		triggered = triggered || ok
	}
	return triggered, firstErr
}
