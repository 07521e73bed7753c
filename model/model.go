// Package model provides inference functions for chunks of samples.
package model

import (
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"pipelined.dev/rpinfer/sample"
)

// Model maps input chunk to output vector. Implementations must be
// deterministic and safe for concurrent use.
type Model interface {
	Infer(in sample.Chunk) sample.Chunk
}

// Func is an adapter to use ordinary functions as models.
type Func func(in sample.Chunk) sample.Chunk

// Infer calls f(in).
func (f Func) Infer(in sample.Chunk) sample.Chunk {
	return f(in)
}

// Mean returns model which outputs mean value of the input repeated n
// times.
func Mean(n int) Model {
	return Func(func(in sample.Chunk) sample.Chunk {
		out := make(sample.Float32s, n)
		if in.Len() == 0 {
			return out
		}
		var sum float64
		for _, v := range in.Float64s() {
			sum += v
		}
		mean := float32(sum / float64(in.Len()))
		for i := range out {
			out[i] = mean
		}
		return out
	})
}

// Linear is a single dense layer: y = Wx + b.
type Linear struct {
	w *mat.Dense
	b *mat.VecDense
}

// LinearSpec is a serialized form of linear model weights.
type LinearSpec struct {
	Weights [][]float64 `yaml:"weights"`
	Bias    []float64   `yaml:"bias"`
}

// NewLinear validates weights and returns a new linear model. Bias may be
// empty.
func NewLinear(spec LinearSpec) (*Linear, error) {
	rows := len(spec.Weights)
	if rows == 0 {
		return nil, fmt.Errorf("linear model: empty weights")
	}
	cols := len(spec.Weights[0])
	if cols == 0 {
		return nil, fmt.Errorf("linear model: empty weights row")
	}
	data := make([]float64, 0, rows*cols)
	for i, row := range spec.Weights {
		if len(row) != cols {
			return nil, fmt.Errorf("linear model: row %d has %d weights, expected %d", i, len(row), cols)
		}
		data = append(data, row...)
	}
	bias := make([]float64, rows)
	switch len(spec.Bias) {
	case 0:
	case rows:
		copy(bias, spec.Bias)
	default:
		return nil, fmt.Errorf("linear model: bias has %d values, expected %d", len(spec.Bias), rows)
	}
	return &Linear{
		w: mat.NewDense(rows, cols, data),
		b: mat.NewVecDense(rows, bias),
	}, nil
}

// LoadLinear reads linear model weights from YAML file.
func LoadLinear(path string) (*Linear, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("linear model: %w", err)
	}
	defer f.Close()
	var spec LinearSpec
	if err := yaml.NewDecoder(f).Decode(&spec); err != nil {
		return nil, fmt.Errorf("linear model %s: %w", path, err)
	}
	return NewLinear(spec)
}

// Load returns a model stored at path. Empty path means single output
// mean model.
func Load(path string) (Model, error) {
	if path == "" {
		return Mean(1), nil
	}
	return LoadLinear(path)
}

// InputSize returns expected length of input chunks.
func (l *Linear) InputSize() int {
	_, c := l.w.Dims()
	return c
}

// OutputSize returns length of output vectors.
func (l *Linear) OutputSize() int {
	r, _ := l.w.Dims()
	return r
}

// Infer implements Model. Shorter input is padded with zeros, longer
// input is truncated to the input size.
func (l *Linear) Infer(in sample.Chunk) sample.Chunk {
	x := mat.NewVecDense(l.InputSize(), nil)
	for i, v := range in.Float64s() {
		if i == x.Len() {
			break
		}
		x.SetVec(i, v)
	}
	var y mat.VecDense
	y.MulVec(l.w, x)
	y.AddVec(&y, l.b)
	out := make(sample.Float32s, y.Len())
	for i := range out {
		out[i] = float32(y.AtVec(i))
	}
	return out
}
