package sim

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"pipelined.dev/rpinfer/sample"
)

// ErrUnsupportedBitDepth is returned when wav file has unsupported bit depth.
var ErrUnsupportedBitDepth = errors.New("only 8, 16, 24 and 32 bit depth is supported")

const recordBitDepth = 16

// loadWAV reads the whole wav file and scales its samples to raw ADC
// values. Every channel of the file is returned separately.
func loadWAV(path string) ([][]int16, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("wav %s is not valid", path)
	}
	bitDepth := int(decoder.BitDepth)
	switch bitDepth {
	case 8, 16, 24, 32:
	default:
		return nil, ErrUnsupportedBitDepth
	}
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("wav %s: %w", path, err)
	}
	numChannels := buf.Format.NumChannels
	if numChannels <= 0 || len(buf.Data) < numChannels {
		return nil, fmt.Errorf("wav %s has no samples", path)
	}

	frames := len(buf.Data) / numChannels
	out := make([][]int16, numChannels)
	for c := range out {
		out[c] = make([]int16, frames)
	}
	for i := 0; i < frames*numChannels; i++ {
		out[i%numChannels][i/numChannels] = scaleToRaw(buf.Data[i], bitDepth)
	}
	return out, nil
}

// scaleToRaw maps pcm value of provided bit depth into raw ADC range.
// 8-bit wav samples are unsigned.
func scaleToRaw(v, bitDepth int) int16 {
	if bitDepth == 8 {
		v -= 128
	}
	full := int64(1) << (bitDepth - 1)
	return int16(int64(v) * sample.FullScale / full)
}

// recorder saves analog output levels of a single channel to wav file.
type recorder struct {
	file    *os.File
	encoder *wav.Encoder
	buf     *audio.IntBuffer
}

func newRecorder(path string, sampleRate int) (*recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &recorder{
		file:    f,
		encoder: wav.NewEncoder(f, sampleRate, recordBitDepth, 1, 1),
		buf: &audio.IntBuffer{
			Format: &audio.Format{
				NumChannels: 1,
				SampleRate:  sampleRate,
			},
			Data:           make([]int, 0, recordBufferSize),
			SourceBitDepth: recordBitDepth,
		},
	}, nil
}

const recordBufferSize = 4096

// add appends voltage level, buffer is flushed when it's full.
func (r *recorder) add(volts float32) error {
	r.buf.Data = append(r.buf.Data, int(volts*(1<<(recordBitDepth-1)-1)))
	if len(r.buf.Data) < recordBufferSize {
		return nil
	}
	return r.flush()
}

func (r *recorder) flush() error {
	if len(r.buf.Data) == 0 {
		return nil
	}
	err := r.encoder.Write(r.buf)
	r.buf.Data = r.buf.Data[:0]
	return err
}

// close flushes encoder and closes the file.
func (r *recorder) close() error {
	if err := r.flush(); err != nil {
		r.file.Close()
		return err
	}
	if err := r.encoder.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}
