package trigger

import (
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/chzyer/readline"
)

// Console triggers when the operator enters a line on the terminal. With no
// Keys set any line (including a bare Enter) triggers.
//
// Lines are read in the background and queued; Triggered drains the queue
// and Ask takes the next line. Only one of them may consume at a time.
type Console struct {
	Keys []string

	rl    *readline.Instance
	lines chan string
	once  sync.Once

	mu  sync.Mutex
	err error
}

func NewConsole(prompt string, keys ...string) (*Console, error) {
	return newConsole(&readline.Config{
		Prompt:          prompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "",
	}, keys)
}

func newConsole(cfg *readline.Config, keys []string) (*Console, error) {
	rl, err := readline.NewEx(cfg)
	if err != nil {
		return nil, err
	}
	c := &Console{Keys: keys, rl: rl, lines: make(chan string, 16)}
	c.once.Do(func() { go c.loop() })
	return c, nil
}

func (c *Console) loop() {
	defer close(c.lines)
	for {
		line, err := c.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			// Ctrl-C counts as an abort key.
			line, err = "\x03", nil
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
			}
			return
		}
		c.lines <- line
	}
}

func (c *Console) matches(line string) bool {
	if len(c.Keys) == 0 || line == "\x03" {
		return true
	}
	line = strings.ToLower(strings.TrimSpace(line))
	for _, k := range c.Keys {
		if line == strings.ToLower(k) {
			return true
		}
	}
	return false
}

func (c *Console) Triggered() (bool, error) {
	c.mu.Lock()
	err := c.err
	c.err = nil
	c.mu.Unlock()
	triggered := false
	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				return triggered, err
			}
			triggered = triggered || c.matches(line)
		default:
			return triggered, err
		}
	}
}

// Drain discards lines typed before a prompt or an operation starts.
func (c *Console) Drain() {
	_, _ = c.Triggered()
}

// Ask prints question and waits for a yes or no answer.
func (c *Console) Ask(question string) (bool, error) {
	c.Drain()
	c.Println(question + " [y/n]")
	for line := range c.lines {
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		case "n", "no", "\x03":
			return false, nil
		}
		c.Println("Please answer y/n.")
	}
	return false, io.EOF
}

func (c *Console) Println(s string) {
	_, _ = c.rl.Write([]byte(s + "\n"))
	c.rl.Refresh()
}

func (c *Console) Close() error {
	return c.rl.Close()
}
