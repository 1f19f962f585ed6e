// Package modbus keeps a Modbus RTU connection, local or bridged over HTTP,
// polled in a loop while it is up.
package modbus

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/w1xm/ccd_interface/plc/plchttp"
)

var ErrNotConnected = errors.New("modbus: not connected")

type handler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

type Client struct {
	// Port and BaudRate create a local serial connection
	Port string
	// BaudRate defaults to 19200
	BaudRate int
	SlaveId  byte
	// URL creates a remote connection through plc_bridge
	URL string
	// PollInterval defaults to 100ms
	PollInterval time.Duration

	// Poll is called in a loop while the connection is up. An error drops
	// the connection and starts a reconnect.
	Poll func() error

	handler handler
	modbus.Client

	mu        sync.Mutex
	connected bool
}

func (c *Client) Connect(ctx context.Context) error {
	if c.URL != "" {
		c.handler = plchttp.NewClient(c.URL)
	} else {
		baud := c.BaudRate
		if baud == 0 {
			baud = 19200
		}
		h := modbus.NewRTUClientHandler(c.Port)
		h.BaudRate = baud
		h.DataBits = 8
		h.Parity = "N"
		h.StopBits = 1
		h.Timeout = 1 * time.Second
		h.SlaveId = c.SlaveId
		c.handler = h
	}
	c.Client = modbus.NewClient(c.handler)
	go c.reconnectLoop(ctx)
	return nil
}

func (c *Client) address() string {
	if c.URL != "" {
		return c.URL
	}
	return c.Port
}

func (c *Client) reconnectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}

		if err := c.handler.Connect(); err != nil {
			log.Printf("opening %q: %v", c.address(), err)
			continue
		}
		log.Printf("opened %q", c.address())
		c.setConnected(true)
		if err := c.watch(ctx); err != nil {
			log.Printf("watching %q: %v", c.address(), err)
		}
		c.setConnected(false)
	}
}

func (c *Client) watch(ctx context.Context) error {
	defer c.handler.Close()
	interval := c.PollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	for {
		if err := c.Poll(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Connected reports whether the poll loop is running. A Client built
// directly around a modbus.Client, without Connect, counts as connected.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected || (c.handler == nil && c.Client != nil)
}

func (c *Client) WriteCoil(coil int, value bool) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	var v uint16
	if value {
		v = 0xFF00
	}
	_, err := c.WriteSingleCoil(uint16(coil), v)
	return err
}

func BytesToBits(bs []byte) []bool {
	var out []bool
	for _, b := range bs {
		for i := 0; i < 8; i++ {
			out = append(out, (b>>uint(i)&1) == 1)
		}
	}
	return out
}

func BitsToBytes(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, bit := range bits {
		if bit {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}
