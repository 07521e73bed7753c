// Package sample provides chunk representations of acquired signal. It allows to:
//   - convert raw 14-bit ADC samples into one of the supported kinds
//   - format chunks as delimited text rows
//   - scale samples to analog output voltage
//   - normalize chunks into a fixed numeric range
package sample

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is a numeric representation of samples within a chunk.
type Kind int

const (
	// Int16 passes raw ADC samples through.
	Int16 Kind = iota
	// Int8 is quantized to 8 bits.
	Int8
	// Float32 is scaled to the [-1, 1] range of the ADC.
	Float32
)

const (
	// FullScale is the raw value of 1 volt for 14-bit ADC and DAC.
	FullScale = 8192
	// quantStep is the raw-to-int8 quantization step.
	quantStep = 64
	// int8Scale is the int8 value of 1 volt.
	int8Scale = 128
	// NormMax is the upper bound of normalized integer chunks.
	NormMax = 512
	// MinVoltage and MaxVoltage bound analog output.
	MinVoltage = -1.0
	MaxVoltage = 1.0
)

// Chunk is a fixed-length batch of consecutive samples. Chunks are
// immutable once created: the same chunk is shared by every consumer.
type Chunk interface {
	// Len returns number of samples.
	Len() int
	// Kind returns representation of samples.
	Kind() Kind
	// Float64s returns a copy of samples as float64 values.
	Float64s() []float64
	// AppendRow appends comma-separated samples to dst.
	AppendRow(dst []byte) []byte
	// AppendValue appends i-th sample formatted as CSV field.
	AppendValue(dst []byte, i int) []byte
	// Voltage returns i-th sample scaled to analog output level.
	Voltage(i int) float64
	// Normalize returns a new chunk rescaled to a fixed range.
	Normalize() Chunk
}

type (
	// Int16s is a chunk of raw 16-bit samples.
	Int16s []int16
	// Int8s is a chunk of quantized 8-bit samples.
	Int8s []int8
	// Float32s is a chunk of float samples.
	Float32s []float32
)

// ParseKind returns a kind for its name.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "int16":
		return Int16, nil
	case "int8":
		return Int8, nil
	case "float32", "float":
		return Float32, nil
	}
	return 0, fmt.Errorf("unknown sample kind: %q", s)
}

func (k Kind) String() string {
	switch k {
	case Int16:
		return "int16"
	case Int8:
		return "int8"
	case Float32:
		return "float32"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	v, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Decode implements envconfig.Decoder.
func (k *Kind) Decode(value string) error {
	return k.UnmarshalText([]byte(value))
}

// Convert raw ADC samples into a new chunk of provided kind.
func Convert(kind Kind, raw []int16) Chunk {
	switch kind {
	case Int8:
		c := make(Int8s, len(raw))
		for i, v := range raw {
			c[i] = quantize(v)
		}
		return c
	case Float32:
		c := make(Float32s, len(raw))
		for i, v := range raw {
			c[i] = float32(v) / FullScale
		}
		return c
	default:
		c := make(Int16s, len(raw))
		copy(c, raw)
		return c
	}
}

// quantize rounds raw value to int8 step. Full scale positive input
// saturates instead of wrapping.
func quantize(v int16) int8 {
	q := math.Round(float64(v) / quantStep)
	if q > math.MaxInt8 {
		return math.MaxInt8
	}
	if q < math.MinInt8 {
		return math.MinInt8
	}
	return int8(q)
}

// Clamp limits voltage to analog output range.
func Clamp(v float64) float64 {
	if v > MaxVoltage {
		return MaxVoltage
	}
	if v < MinVoltage {
		return MinVoltage
	}
	return v
}

// Len implements Chunk.
func (c Int16s) Len() int { return len(c) }

// Kind implements Chunk.
func (c Int16s) Kind() Kind { return Int16 }

// Float64s implements Chunk.
func (c Int16s) Float64s() []float64 {
	out := make([]float64, len(c))
	for i := range c {
		out[i] = float64(c[i])
	}
	return out
}

// AppendRow implements Chunk.
func (c Int16s) AppendRow(dst []byte) []byte {
	for i := range c {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = c.AppendValue(dst, i)
	}
	return dst
}

// AppendValue implements Chunk.
func (c Int16s) AppendValue(dst []byte, i int) []byte {
	return strconv.AppendInt(dst, int64(c[i]), 10)
}

// Voltage implements Chunk.
func (c Int16s) Voltage(i int) float64 {
	return float64(c[i]) / FullScale
}

// Normalize implements Chunk.
func (c Int16s) Normalize() Chunk {
	values := make([]int64, len(c))
	for i := range c {
		values[i] = int64(c[i])
	}
	return normalizeInts(values)
}

// Len implements Chunk.
func (c Int8s) Len() int { return len(c) }

// Kind implements Chunk.
func (c Int8s) Kind() Kind { return Int8 }

// Float64s implements Chunk.
func (c Int8s) Float64s() []float64 {
	out := make([]float64, len(c))
	for i := range c {
		out[i] = float64(c[i])
	}
	return out
}

// AppendRow implements Chunk.
func (c Int8s) AppendRow(dst []byte) []byte {
	for i := range c {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = c.AppendValue(dst, i)
	}
	return dst
}

// AppendValue implements Chunk.
func (c Int8s) AppendValue(dst []byte, i int) []byte {
	return strconv.AppendInt(dst, int64(c[i]), 10)
}

// Voltage implements Chunk.
func (c Int8s) Voltage(i int) float64 {
	return float64(c[i]) / int8Scale
}

// Normalize implements Chunk. Result is widened to Int16s, because
// normalized range doesn't fit into 8 bits.
func (c Int8s) Normalize() Chunk {
	values := make([]int64, len(c))
	for i := range c {
		values[i] = int64(c[i])
	}
	return normalizeInts(values)
}

// Len implements Chunk.
func (c Float32s) Len() int { return len(c) }

// Kind implements Chunk.
func (c Float32s) Kind() Kind { return Float32 }

// Float64s implements Chunk.
func (c Float32s) Float64s() []float64 {
	out := make([]float64, len(c))
	for i := range c {
		out[i] = float64(c[i])
	}
	return out
}

// AppendRow implements Chunk.
func (c Float32s) AppendRow(dst []byte) []byte {
	for i := range c {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = c.AppendValue(dst, i)
	}
	return dst
}

// AppendValue implements Chunk.
func (c Float32s) AppendValue(dst []byte, i int) []byte {
	return strconv.AppendFloat(dst, float64(c[i]), 'f', 6, 32)
}

// Voltage implements Chunk.
func (c Float32s) Voltage(i int) float64 {
	return float64(c[i])
}

// Normalize implements Chunk. Samples are mapped to [0, 1].
func (c Float32s) Normalize() Chunk {
	out := make(Float32s, len(c))
	if len(c) == 0 {
		return out
	}
	lo, hi := c[0], c[0]
	for _, v := range c[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	rng := hi - lo
	if rng == 0 {
		rng = 1
	}
	for i, v := range c {
		out[i] = (v - lo) / rng
	}
	return out
}

// normalizeInts maps values to [0, NormMax] with truncating division.
func normalizeInts(values []int64) Int16s {
	out := make(Int16s, len(values))
	if len(values) == 0 {
		return out
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	rng := hi - lo
	if rng == 0 {
		rng = 1
	}
	for i, v := range values {
		out[i] = int16((v - lo) * NormMax / rng)
	}
	return out
}
