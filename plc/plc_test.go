package plc

import (
	"context"
	"sync"
	"testing"
	"time"

	gomodbus "github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/w1xm/ccd_interface/internal/modbus"
)

// fakePLC implements the coil and discrete input calls the bank uses.
// Feedback inputs follow their coils after lag polls.
type fakePLC struct {
	gomodbus.Client

	mu     sync.Mutex
	coils  [16]bool
	inputs [16]bool
	lag    int
	polls  int
	writes []uint16
}

func (f *fakePLC) ReadCoils(address, quantity uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return modbus.BitsToBytes(f.coils[address : address+quantity]), nil
}

func (f *fakePLC) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.polls > f.lag {
		// Mechanism on coil i reports on input i+1.
		for i := 0; i < 8; i++ {
			f.inputs[i+1] = f.coils[i]
		}
	}
	return modbus.BitsToBytes(f.inputs[address : address+quantity]), nil
}

func (f *fakePLC) WriteSingleCoil(address, value uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coils[address] = value == 0xFF00
	f.writes = append(f.writes, address)
	f.polls = 0
	return nil, nil
}

var mechanisms = []Mechanism{
	{Name: "shutter", Coil: 0, Feedback: 1},
	{Name: "lamp", Coil: 1, Feedback: 2},
}

func fakeBank(fake *fakePLC) *Bank {
	b := newBank(mechanisms, nil)
	b.client = &modbus.Client{Client: fake}
	return b
}

// pollLoop stands in for the client's reconnect loop.
func pollLoop(t *testing.T, b *Bank) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for ctx.Err() == nil {
			if err := b.pollOnce(); err != nil {
				t.Errorf("poll: %v", err)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	return cancel
}

func TestParseRegisters(t *testing.T) {
	fake := &fakePLC{}
	fake.coils[0] = true
	fake.inputs[0] = true
	fake.lag = 100
	b := fakeBank(fake)
	require.NoError(t, b.pollOnce())
	st := b.Status()
	assert.True(t, st.Fault)
	assert.Equal(t, MechanismStatus{Commanded: true, InPlace: false}, st.Mechanisms["shutter"])
	assert.Equal(t, MechanismStatus{Commanded: false, InPlace: true}, st.Mechanisms["lamp"])
}

func TestActuate(t *testing.T) {
	fake := &fakePLC{lag: 3}
	b := fakeBank(fake)
	stop := pollLoop(t, b)
	defer stop()

	require.NoError(t, (&Actuate{B: b, Mechanism: "lamp", On: true}).Execute(context.Background()))
	assert.Equal(t, MechanismStatus{Commanded: true, InPlace: true}, b.Status().Mechanisms["lamp"])
	assert.Equal(t, []uint16{1}, fake.writes)
}

func TestActuateTerminated(t *testing.T) {
	fake := &fakePLC{lag: 1 << 30}
	b := fakeBank(fake)
	stop := pollLoop(t, b)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := (&Actuate{B: b, Mechanism: "shutter", On: true}).Execute(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	// The coil is left as commanded.
	assert.True(t, b.Status().Mechanisms["shutter"].Commanded)
}

func TestUnknownMechanism(t *testing.T) {
	b := fakeBank(&fakePLC{})
	assert.ErrorIs(t, b.Set("filter", true), ErrUnknownMechanism)
	err := (&Actuate{B: b, Mechanism: "filter"}).Execute(context.Background())
	assert.ErrorIs(t, err, ErrUnknownMechanism)
}

func TestBits(t *testing.T) {
	bits := []bool{true, false, true, false, false, false, false, false, true}
	bytes := modbus.BitsToBytes(bits)
	assert.Equal(t, []byte{0x05, 0x01}, bytes)
	assert.Equal(t, bits, modbus.BytesToBits(bytes)[:len(bits)])
}
