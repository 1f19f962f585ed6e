// Package plc drives the instrument's mechanism bank (shutter, filter
// slides, calibration lamps...) through a Modbus PLC. Each mechanism is a
// command coil and a discrete input that reads back its position.
package plc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/w1xm/ccd_interface/internal/modbus"
)

var ErrUnknownMechanism = errors.New("plc: unknown mechanism")

type Mechanism struct {
	Name string
	Coil uint16
	// Feedback reads true once the mechanism has reached its "on" position
	// and false once it is back "off".
	Feedback uint16
}

type MechanismStatus struct {
	Commanded bool
	InPlace   bool
}

type Status struct {
	// Fault is discrete input 0.
	Fault      bool
	Mechanisms map[string]MechanismStatus
}

type StatusCallback func(status Status)

type Bank struct {
	mechanisms     []Mechanism
	statusCallback StatusCallback
	client         *modbus.Client

	mu      sync.Mutex
	coils   []bool
	inputs  []bool
	polled  bool
	changed chan struct{}
}

func newBank(mechanisms []Mechanism, statusCallback StatusCallback) *Bank {
	if statusCallback == nil {
		statusCallback = func(Status) {}
	}
	return &Bank{
		mechanisms:     mechanisms,
		statusCallback: statusCallback,
		changed:        make(chan struct{}),
	}
}

// Connect polls the PLC on port, or through a plc_bridge when url is set.
func Connect(ctx context.Context, port string, baud int, url string, mechanisms []Mechanism, statusCallback StatusCallback) (*Bank, error) {
	b := newBank(mechanisms, statusCallback)
	b.client = &modbus.Client{
		Port:     port,
		BaudRate: baud,
		SlaveId:  1,
		URL:      url,
	}
	b.client.Poll = b.pollOnce
	return b, b.client.Connect(ctx)
}

func (b *Bank) extent() (coils, inputs uint16) {
	inputs = 1
	for _, m := range b.mechanisms {
		if m.Coil+1 > coils {
			coils = m.Coil + 1
		}
		if m.Feedback+1 > inputs {
			inputs = m.Feedback + 1
		}
	}
	return coils, inputs
}

func (b *Bank) pollOnce() error {
	nCoils, nInputs := b.extent()
	var coils []byte
	if nCoils > 0 {
		var err error
		if coils, err = b.client.ReadCoils(0, nCoils); err != nil {
			return fmt.Errorf("reading coils: %w", err)
		}
	}
	inputs, err := b.client.ReadDiscreteInputs(0, nInputs)
	if err != nil {
		return fmt.Errorf("reading inputs: %w", err)
	}
	b.mu.Lock()
	b.coils = modbus.BytesToBits(coils)
	b.inputs = modbus.BytesToBits(inputs)
	b.polled = true
	close(b.changed)
	b.changed = make(chan struct{})
	status := b.parseRegisters()
	b.mu.Unlock()
	b.statusCallback(status)
	return nil
}

func bit(bits []bool, i uint16) bool {
	return int(i) < len(bits) && bits[i]
}

func (b *Bank) parseRegisters() Status {
	status := Status{
		Fault:      bit(b.inputs, 0),
		Mechanisms: make(map[string]MechanismStatus),
	}
	for _, m := range b.mechanisms {
		status.Mechanisms[m.Name] = MechanismStatus{
			Commanded: bit(b.coils, m.Coil),
			InPlace:   bit(b.inputs, m.Feedback) == bit(b.coils, m.Coil),
		}
	}
	return status
}

func (b *Bank) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.parseRegisters()
}

func (b *Bank) changedChan() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changed
}

func (b *Bank) mechanism(name string) (Mechanism, error) {
	for _, m := range b.mechanisms {
		if m.Name == name {
			return m, nil
		}
	}
	return Mechanism{}, fmt.Errorf("%w %q", ErrUnknownMechanism, name)
}

// Set commands a mechanism without waiting for it to move.
func (b *Bank) Set(name string, on bool) error {
	m, err := b.mechanism(name)
	if err != nil {
		return err
	}
	log.Printf("plc: %s -> %v", name, on)
	return b.client.WriteCoil(int(m.Coil), on)
}

// feedback returns the mechanism's read-back position and whether a poll
// has completed since the last command.
func (b *Bank) feedback(m Mechanism) (bool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bit(b.inputs, m.Feedback), b.polled
}

func (b *Bank) markCommanded() {
	b.mu.Lock()
	b.polled = false
	b.mu.Unlock()
}
