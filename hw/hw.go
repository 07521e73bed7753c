// Package hw defines the contract of acquisition and generation hardware.
package hw

import "fmt"

// TriggerState is a state of channel acquisition trigger.
type TriggerState int

const (
	// Waiting means acquisition is armed, but trigger didn't happen yet.
	Waiting TriggerState = iota
	// Triggered means ring buffer is being filled.
	Triggered
)

func (s TriggerState) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Triggered:
		return "triggered"
	}
	return fmt.Sprintf("TriggerState(%d)", int(s))
}

// Acquirer reads samples from per-channel hardware ring buffers.
// Channels are numbered from 1. Ring buffer positions are sample indices.
type Acquirer interface {
	TriggerState(ch int) (TriggerState, error)
	// WritePointerAtTrigger returns ring buffer position of the first
	// sample after trigger.
	WritePointerAtTrigger(ch int) (uint32, error)
	// WritePointer returns current ring buffer position of the writer.
	WritePointer(ch int) (uint32, error)
	// ReadRaw copies len(dst) samples starting at pos, wrapping around
	// the end of the ring buffer.
	ReadRaw(ch int, pos uint32, dst []int16) error
}

// Generator outputs analog levels.
type Generator interface {
	// SetAmplitude sets output level of the channel in volts.
	SetAmplitude(ch int, volts float32) error
}

// Device is an opened board which provides both acquisition and
// generation. Close releases the board.
type Device interface {
	Acquirer
	Generator
	Close() error
}
