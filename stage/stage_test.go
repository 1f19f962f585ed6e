package stage

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/w1xm/ccd_interface/hardware"
	"github.com/w1xm/ccd_interface/supervise"
)

// fakeStage answers the stage protocol on conn, moving by step per query.
type fakeStage struct {
	step float64

	mu       sync.Mutex
	pos      float64
	target   float64
	commands []string
}

func (f *fakeStage) serve(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		cmd := scanner.Text()
		f.mu.Lock()
		f.commands = append(f.commands, strings.Fields(cmd)[0])
		var reply string
		switch {
		case strings.HasPrefix(cmd, "MA "):
			f.target, _ = strconv.ParseFloat(cmd[3:], 64)
		case cmd == "ST":
			f.target = f.pos
		case cmd == "?P":
			if d := f.target - f.pos; d > f.step {
				f.pos += f.step
			} else if d < -f.step {
				f.pos -= f.step
			} else {
				f.pos = f.target
			}
			moving := 0
			if f.pos != f.target {
				moving = 1
			}
			reply = fmt.Sprintf("P %.4f %d\n", f.pos, moving)
		}
		f.mu.Unlock()
		if reply != "" {
			if _, err := conn.Write([]byte(reply)); err != nil {
				return
			}
		}
	}
}

func (f *fakeStage) sawCommand(cmd string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if c == cmd {
			return true
		}
	}
	return false
}

func connected(t *testing.T, fake *fakeStage) (*Stage, context.CancelFunc) {
	t.Helper()
	a, b := net.Pipe()
	go fake.serve(b)
	s := newStage(nil)
	s.pollInterval = 2 * time.Millisecond
	s.attach(a)
	ctx, cancel := context.WithCancel(context.Background())
	go s.watch(ctx)
	return s, func() {
		cancel()
		b.Close()
	}
}

func TestParseInput(t *testing.T) {
	s := newStage(nil)
	require.NoError(t, s.parseInput("P 12.5000 1"))
	st := s.Status()
	assert.Equal(t, 12.5, st.Position)
	assert.True(t, st.Moving)

	require.NoError(t, s.parseInput("!limit switch ok"))
	assert.Error(t, s.parseInput("P 12.5"))
	assert.Error(t, s.parseInput("X"))
}

func TestSendWithoutConnection(t *testing.T) {
	s := newStage(nil)
	assert.ErrorIs(t, s.MoveTo(1), ErrNotConnected)
	err := (&Move{S: s, Position: 1}).Execute(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMove(t *testing.T) {
	fake := &fakeStage{step: 1}
	s, stop := connected(t, fake)
	defer stop()

	m := &Move{S: s, Position: 5, Tolerance: 0.01}
	require.NoError(t, m.Execute(context.Background()))
	assert.InDelta(t, 5, s.Status().Position, 0.01)
	assert.False(t, fake.sawCommand("ST"))
}

func TestMoveAbortStopsStage(t *testing.T) {
	fake := &fakeStage{step: 0.001}
	s, stop := connected(t, fake)
	defer stop()

	var flag triggerAfter
	flag.at = time.Now().Add(20 * time.Millisecond)
	sup := &supervise.Supervisor{Name: "stage", Trigger: &flag, PollInterval: 2 * time.Millisecond}
	o, err := sup.Run(context.Background(), &Move{S: s, Position: 100, Tolerance: 0.01})
	require.NoError(t, err)
	assert.Equal(t, supervise.Aborted, o.Kind)
	assert.Equal(t, hardware.PhaseNone, o.PhaseAtAbort)
	assert.Eventually(t, func() bool { return fake.sawCommand("ST") }, time.Second, time.Millisecond)
}

type triggerAfter struct {
	at time.Time
}

func (t *triggerAfter) Triggered() (bool, error) {
	return time.Now().After(t.at), nil
}
