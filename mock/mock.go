// Package mock provides mocks for pipeline collaborators and allows to
// execute integration tests.
package mock

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"pipelined.dev/rpinfer/hw"
	"pipelined.dev/rpinfer/sample"
)

// ErrClosed is returned by Device after Close.
var ErrClosed = errors.New("device closed")

// Device mocks a hw.Device interface. Every channel has its own writer
// which starts at TriggerPointer and advances by ChunkSize samples on
// every WritePointer call until Limit chunks are written. Zero Limit
// means no limit.
type Device struct {
	RingSize       uint32
	ChunkSize      int
	Limit          int
	Value          int16
	TriggerPointer uint32
	// TriggerAfter is a number of trigger polls before trigger happens.
	TriggerAfter int
	NeverTrigger bool
	// OverrunAfter makes WritePointer report a full ring buffer lag
	// after provided number of calls.
	OverrunAfter int
	// FailWritePointer and FailReads are numbers of first calls which
	// fail with ErrTransient.
	FailWritePointer int
	FailReads        int

	ErrorOnTrigger   error
	ErrorOnAmplitude error
	// Exhausted is called once per channel after the last chunk is read.
	Exhausted func(ch int)

	mu       sync.Mutex
	channels map[int]*channel
	closed   bool
}

// ErrTransient is returned by failing calls of Device.
var ErrTransient = errors.New("transient failure")

type channel struct {
	counter
	polls         int
	written       int
	pointerCalls  int
	writeFailures int
	readFailures  int
	exhausted     bool
	levels        []float32
}

func (d *Device) channel(ch int) *channel {
	if d.channels == nil {
		d.channels = make(map[int]*channel)
	}
	c, ok := d.channels[ch]
	if !ok {
		c = &channel{}
		d.channels[ch] = c
	}
	return c
}

// TriggerState implements hw.Acquirer.
func (d *Device) TriggerState(ch int) (hw.TriggerState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ErrorOnTrigger != nil {
		return hw.Waiting, d.ErrorOnTrigger
	}
	c := d.channel(ch)
	c.polls++
	if d.NeverTrigger || c.polls <= d.TriggerAfter {
		return hw.Waiting, nil
	}
	return hw.Triggered, nil
}

// WritePointerAtTrigger implements hw.Acquirer.
func (d *Device) WritePointerAtTrigger(int) (uint32, error) {
	return d.TriggerPointer, nil
}

// WritePointer implements hw.Acquirer.
func (d *Device) WritePointer(ch int) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.channel(ch)
	c.pointerCalls++
	if c.writeFailures < d.FailWritePointer {
		c.writeFailures++
		return 0, ErrTransient
	}
	if d.OverrunAfter > 0 && c.pointerCalls > d.OverrunAfter {
		return d.TriggerPointer + 2*d.RingSize, nil
	}
	if d.Limit == 0 || c.written < d.Limit*d.ChunkSize {
		c.written += d.ChunkSize
	}
	return uint32((int(d.TriggerPointer) + c.written) % int(d.RingSize)), nil
}

// ReadRaw implements hw.Acquirer.
func (d *Device) ReadRaw(ch int, pos uint32, dst []int16) error {
	d.mu.Lock()
	c := d.channel(ch)
	if c.readFailures < d.FailReads {
		c.readFailures++
		d.mu.Unlock()
		return ErrTransient
	}
	for i := range dst {
		dst[i] = d.Value
	}
	c.advance(len(dst))
	var exhausted bool
	if d.Limit > 0 && c.messages == d.Limit && !c.exhausted {
		c.exhausted = true
		exhausted = true
	}
	d.mu.Unlock()
	if exhausted && d.Exhausted != nil {
		d.Exhausted(ch)
	}
	return nil
}

// SetAmplitude implements hw.Generator.
func (d *Device) SetAmplitude(ch int, volts float32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ErrorOnAmplitude != nil {
		return d.ErrorOnAmplitude
	}
	c := d.channel(ch)
	c.levels = append(c.levels, volts)
	return nil
}

// Close implements hw.Device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.closed = true
	return nil
}

// Count returns number of chunks and samples read from the channel.
func (d *Device) Count(ch int) (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channel(ch).Count()
}

// Levels returns a copy of analog levels written to the channel.
func (d *Device) Levels(ch int) []float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]float32(nil), d.channel(ch).levels...)
}

// Closed reports if device was closed.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Model mocks a model.Model interface. It returns Output for every
// input and counts calls.
type Model struct {
	Output sample.Chunk
	Delay  time.Duration
	calls  atomic.Int64
	mu     sync.Mutex
	inputs []sample.Chunk
}

// Infer implements model.Model.
func (m *Model) Infer(in sample.Chunk) sample.Chunk {
	m.calls.Add(1)
	m.mu.Lock()
	m.inputs = append(m.inputs, in)
	m.mu.Unlock()
	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}
	return m.Output
}

// Calls returns number of Infer calls.
func (m *Model) Calls() int64 {
	return m.calls.Load()
}

// Inputs returns chunks passed to the model.
func (m *Model) Inputs() []sample.Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sample.Chunk(nil), m.inputs...)
}

// Disk mocks a disk space probe. It reports free space below threshold
// after BelowAfter calls. Negative BelowAfter never reports it.
type Disk struct {
	BelowAfter  int
	ErrorOnCall error
	calls       atomic.Int64
}

// Below implements rpinfer.DiskProbe.
func (d *Disk) Below(string, uint64) (bool, error) {
	n := d.calls.Add(1)
	if d.ErrorOnCall != nil {
		return false, d.ErrorOnCall
	}
	return d.BelowAfter >= 0 && n > int64(d.BelowAfter), nil
}

// Calls returns number of Below calls.
func (d *Disk) Calls() int64 {
	return d.calls.Load()
}

// counter counts chunks and samples.
type counter struct {
	messages int
	samples  int
}

// advance counter's metrics.
func (c *counter) advance(size int) {
	c.messages++
	c.samples = c.samples + size
}

// Count returns messages and samples metrics.
func (c *counter) Count() (int, int) {
	return c.messages, c.samples
}
