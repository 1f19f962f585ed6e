// Package stage drives a linear motion stage over a serial ASCII link.
//
// Commands are newline terminated:
//
//	MA <pos>   move to absolute position (mm)
//	ST         stop
//	?P         query; the stage answers "P <pos> <moving>"
//
// Lines starting with '!' are stage-side diagnostics.
package stage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"
	"golang.org/x/sync/errgroup"
)

var ErrNotConnected = errors.New("stage: not connected")

type Status struct {
	Connected       bool
	Position        float64
	Moving          bool
	CommandPosition float64
	Updated         time.Time
}

type StatusCallback func(status Status)

type Stage struct {
	statusCallback StatusCallback
	pollInterval   time.Duration

	mu      sync.Mutex
	conn    io.ReadWriteCloser
	status  Status
	changed chan struct{}
}

func newStage(statusCallback StatusCallback) *Stage {
	if statusCallback == nil {
		statusCallback = func(Status) {}
	}
	return &Stage{
		statusCallback: statusCallback,
		pollInterval:   100 * time.Millisecond,
		changed:        make(chan struct{}),
	}
}

func Connect(ctx context.Context, port string, baud int, statusCallback StatusCallback) (*Stage, error) {
	s := newStage(statusCallback)
	go s.reconnectLoop(ctx, port, baud)
	return s, nil
}

func (s *Stage) reconnectLoop(ctx context.Context, port string, baud int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}
		c := &serial.Config{Name: port, Baud: baud}
		p, err := serial.OpenPort(c)
		if err != nil {
			log.Printf("opening %q: %v", port, err)
			continue
		}
		log.Printf("opened %q", port)
		s.attach(p)
		if err := s.watch(ctx); err != nil {
			log.Printf("watching %q: %v", port, err)
		}
		s.attach(nil)
	}
}

func (s *Stage) attach(conn io.ReadWriteCloser) {
	s.mu.Lock()
	s.conn = conn
	s.status.Connected = conn != nil
	s.mu.Unlock()
	s.notifyStatus()
}

func (s *Stage) watch(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return conn.Close()
	})
	g.Go(func() error {
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			input := scanner.Text()
			if err := s.parseInput(input); err != nil {
				log.Printf("parsing %q: %v", input, err)
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading port: %w", err)
		}
		return io.EOF
	})
	g.Go(func() error {
		for {
			if _, err := io.WriteString(conn, "?P\n"); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.pollInterval):
			}
		}
	})
	return g.Wait()
}

func (s *Stage) parseInput(input string) error {
	input = strings.TrimSpace(input)
	switch {
	case input == "":
		return nil
	case input[0] == '!':
		log.Printf("stage: %s", input[1:])
		return nil
	case input[0] == 'P':
		fields := strings.Fields(input[1:])
		if len(fields) != 2 {
			return errors.New("truncated position report")
		}
		pos, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.status.Position = pos
		s.status.Moving = fields[1] == "1"
		s.status.Updated = time.Now()
		s.mu.Unlock()
		s.notifyStatus()
		return nil
	}
	return errors.New("unknown stage output")
}

func (s *Stage) notifyStatus() {
	s.mu.Lock()
	status := s.status
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
	s.statusCallback(status)
}

// Changed returns a channel closed at the next status update.
func (s *Stage) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

func (s *Stage) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Stage) send(cmd string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	log.Printf("stage: writing %q", cmd)
	_, err := io.WriteString(conn, cmd+"\n")
	return err
}

func (s *Stage) MoveTo(position float64) error {
	s.mu.Lock()
	s.status.CommandPosition = position
	s.mu.Unlock()
	return s.send(fmt.Sprintf("MA %.4f", position))
}

func (s *Stage) Stop() error {
	return s.send("ST")
}
