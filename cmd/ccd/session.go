package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/w1xm/ccd_interface/frame"
	"github.com/w1xm/ccd_interface/sdsu"
	"github.com/w1xm/ccd_interface/supervise"
	"github.com/w1xm/ccd_interface/trigger"
)

var errStopped = errors.New("stopped by operator")

type prompter interface {
	Ask(question string) (bool, error)
	Println(s string)
}

type session struct {
	c        *sdsu.Controller
	sup      *supervise.Supervisor
	recovery *supervise.Recovery
	prompt   prompter
}

func newSession(c *sdsu.Controller, source trigger.Source, prompt prompter) *session {
	s := &session{c: c, prompt: prompt}
	s.sup = &supervise.Supervisor{
		Name:    "ccd",
		Trigger: source,
		OnStart: func(t *supervise.Task) {
			// Keys typed before the operation started don't abort it.
			if d, ok := source.(interface{ Drain() }); ok {
				d.Drain()
			}
			prompt.Println(fmt.Sprintf("%s: press Enter to abort", t.Name()))
		},
	}
	s.recovery = &supervise.Recovery{Supervisor: s.sup}
	return s
}

func (s *session) setup(ctx context.Context) error {
	o, err := s.sup.Run(ctx, sdsu.NewSetup(s.c, setpoint))
	if err != nil {
		return err
	}
	switch o.Kind {
	case supervise.Aborted:
		return errStopped
	case supervise.Failed:
		return fmt.Errorf("setup: %w", o.Err)
	}
	return nil
}

func (s *session) expose(ctx context.Context, d time.Duration, path string) error {
	o, err := s.sup.Run(ctx, sdsu.NewExpose(s.c, d))
	if err != nil {
		return err
	}
	switch o.Kind {
	case supervise.Success:
		return s.save(o, path)
	case supervise.Failed:
		return fmt.Errorf("expose: %w", o.Err)
	}
	if !supervise.Recoverable(o) {
		s.prompt.Println(fmt.Sprintf("exposure aborted during %s; frame lost", o.PhaseAtAbort))
		return errStopped
	}
	yes, err := s.prompt.Ask(fmt.Sprintf("Exposure aborted after %v. Read out partial frame?", s.c.Status().Integrated))
	if err != nil {
		return err
	}
	if !yes {
		return errStopped
	}
	r, err := s.recovery.Recover(ctx, o, sdsu.NewReadout(s.c))
	if err != nil {
		return err
	}
	if r.Kind != supervise.Success {
		s.prompt.Println(r.String())
		return errStopped
	}
	if err := s.save(r, path); err != nil {
		return err
	}
	return errStopped
}

func (s *session) save(o supervise.Outcome, path string) error {
	f := s.c.Frame()
	if f == nil {
		return fmt.Errorf("%s: no frame read out", o.Operation)
	}
	if f.Header == nil {
		f.Header = make(map[string]string)
	}
	f.Header["OPID"] = o.ID
	if err := frame.Write(path, f); err != nil {
		return err
	}
	s.prompt.Println(fmt.Sprintf("wrote %s (%v)", path, f.ExposureTime))
	return nil
}

// framePath numbers the output files of a multi-exposure run.
func framePath(out string, i, count int) string {
	if count <= 1 {
		return out
	}
	ext := filepath.Ext(out)
	return fmt.Sprintf("%s_%03d%s", strings.TrimSuffix(out, ext), i+1, ext)
}
