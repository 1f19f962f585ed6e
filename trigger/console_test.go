package trigger

import (
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chzyer/readline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// promptWriter records terminal output and closes asked once a y/n
// question has been printed.
type promptWriter struct {
	mu    sync.Mutex
	out   strings.Builder
	asked chan struct{}
	once  sync.Once
}

func (w *promptWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.out.Write(p)
	if strings.Contains(w.out.String(), "[y/n]") {
		w.once.Do(func() { close(w.asked) })
	}
	return len(p), nil
}

func testConsole(t *testing.T, keys ...string) (*Console, *io.PipeWriter, *promptWriter) {
	t.Helper()
	r, w := io.Pipe()
	out := &promptWriter{asked: make(chan struct{})}
	c, err := newConsole(&readline.Config{
		Stdin:              r,
		Stdout:             out,
		Stderr:             out,
		FuncIsTerminal:     func() bool { return false },
		FuncMakeRaw:        func() error { return nil },
		FuncExitRaw:        func() error { return nil },
		FuncGetWidth:       func() int { return 80 },
		FuncOnWidthChanged: func(func()) {},
	}, keys)
	require.NoError(t, err)
	t.Cleanup(func() {
		w.Close()
		c.Close()
	})
	return c, w, out
}

func enter(t *testing.T, w io.Writer, lines ...string) {
	t.Helper()
	for _, l := range lines {
		_, err := io.WriteString(w, l+"\n")
		require.NoError(t, err)
	}
}

func TestConsoleMatches(t *testing.T) {
	anyLine := &Console{}
	assert.True(t, anyLine.matches(""))
	assert.True(t, anyLine.matches("whatever"))

	keyed := &Console{Keys: []string{"a", "Abort"}}
	for line, want := range map[string]bool{
		"a":       true,
		" ABORT ": true,
		"abort":   true,
		"":        false,
		"go":      false,
		"\x03":    true,
	} {
		assert.Equal(t, want, keyed.matches(line), "%q", line)
	}
}

func TestConsoleTriggered(t *testing.T) {
	c, w, _ := testConsole(t, "abort")
	enter(t, w, "hello", "abort")
	assert.Eventually(t, func() bool {
		ok, err := c.Triggered()
		return ok && err == nil
	}, 5*time.Second, time.Millisecond)
	ok, err := c.Triggered()
	require.NoError(t, err)
	assert.False(t, ok, "request should be consumed by the first poll")

	enter(t, w, "hello")
	assert.Never(t, func() bool {
		ok, _ := c.Triggered()
		return ok
	}, 50*time.Millisecond, time.Millisecond)
}

func TestConsoleDrain(t *testing.T) {
	c, w, _ := testConsole(t)
	enter(t, w, "")
	assert.Eventually(t, func() bool { return len(c.lines) == 1 }, 5*time.Second, time.Millisecond)
	c.Drain()
	ok, err := c.Triggered()
	require.NoError(t, err)
	assert.False(t, ok, "drained line should not trigger")
}

func TestConsoleAsk(t *testing.T) {
	for _, test := range []struct {
		answers []string
		want    bool
	}{
		{[]string{"maybe", "yes"}, true},
		{[]string{"N"}, false},
	} {
		c, w, out := testConsole(t)
		// Anything typed before the question is discarded.
		enter(t, w, "y")
		assert.Eventually(t, func() bool { return len(c.lines) == 1 }, 5*time.Second, time.Millisecond)
		go func() {
			<-out.asked
			for _, a := range test.answers {
				io.WriteString(w, a+"\n")
			}
		}()
		got, err := c.Ask("Read out partial frame?")
		require.NoError(t, err)
		assert.Equal(t, test.want, got, "answers %q", test.answers)
	}
}
