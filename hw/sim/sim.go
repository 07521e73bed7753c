// Package sim provides simulated acquisition and generation hardware.
// Ring buffers are filled in real time from a sine generator or a wav
// file and analog output levels are recorded to wav files.
package sim

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"pipelined.dev/rpinfer/hw"
	"pipelined.dev/rpinfer/sample"
)

// ErrChannel is returned for channels which device doesn't have.
var ErrChannel = errors.New("invalid channel")

// Config defines simulated device.
type Config struct {
	Channels     int           `yaml:"channels"`
	RingSize     uint32        `yaml:"ring_size" split_words:"true"`
	SampleRate   int           `yaml:"sample_rate" split_words:"true"`
	TriggerDelay time.Duration `yaml:"trigger_delay" split_words:"true"`
	// Frequency and Amplitude define sine signal if no input file set.
	Frequency float64 `yaml:"frequency"`
	Amplitude float64 `yaml:"amplitude"`
	// InputWAV is played in a loop. Device channel n uses file channel
	// (n-1) modulo number of file channels.
	InputWAV string `yaml:"input_wav" split_words:"true"`
	// OutputDir is a directory for analog output recordings. Empty means
	// levels are discarded.
	OutputDir string `yaml:"output_dir" split_words:"true"`
}

// DefaultConfig returns two channel device sampling 1 kHz sine.
func DefaultConfig() Config {
	return Config{
		Channels:   2,
		RingSize:   16384,
		SampleRate: 125000,
		Frequency:  1000,
		Amplitude:  0.5,
	}
}

const tick = time.Millisecond

// Device is a simulated board. It implements hw.Device.
type Device struct {
	cfg    Config
	source [][]int16

	mu          sync.RWMutex
	ring        [][]int16
	write       uint32
	triggered   bool
	triggerAt   uint32
	produced    int64
	recorders   []*recorder
	recordCount []int64

	done chan struct{}
	wg   sync.WaitGroup
}

var _ hw.Device = (*Device)(nil)

// Open starts a new simulated device.
func Open(cfg Config) (*Device, error) {
	if cfg.Channels <= 0 || cfg.RingSize == 0 || cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid simulator config: %+v", cfg)
	}
	d := &Device{
		cfg:         cfg,
		ring:        make([][]int16, cfg.Channels),
		recorders:   make([]*recorder, cfg.Channels),
		recordCount: make([]int64, cfg.Channels),
		done:        make(chan struct{}),
	}
	for i := range d.ring {
		d.ring[i] = make([]int16, cfg.RingSize)
	}
	if cfg.InputWAV != "" {
		src, err := loadWAV(cfg.InputWAV)
		if err != nil {
			return nil, err
		}
		d.source = src
	}
	if cfg.OutputDir != "" {
		for i := range d.recorders {
			path := filepath.Join(cfg.OutputDir, fmt.Sprintf("dac_ch%d.wav", i+1))
			r, err := newRecorder(path, cfg.SampleRate)
			if err != nil {
				d.closeRecorders()
				return nil, err
			}
			d.recorders[i] = r
		}
	}
	d.wg.Add(1)
	go d.run(time.Now())
	return d, nil
}

// run fills ring buffers with samples due since start.
func (d *Device) run(start time.Time) {
	defer d.wg.Done()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			due := int64(now.Sub(start).Seconds() * float64(d.cfg.SampleRate))
			d.produce(due, now.Sub(start) >= d.cfg.TriggerDelay)
		case <-d.done:
			return
		}
	}
}

// produce writes samples until due samples are produced in total. At
// most one ring buffer of samples is written per call.
func (d *Device) produce(due int64, trigger bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if trigger && !d.triggered {
		d.triggered = true
		d.triggerAt = d.write
	}
	n := due - d.produced
	if size := int64(d.cfg.RingSize); n > size {
		// samples older than a ring buffer are overwritten anyway
		skip := n - size
		d.produced += skip
		d.write = uint32((int64(d.write) + skip) % size)
		n = size
	}
	for ; n > 0; n-- {
		for ch := range d.ring {
			d.ring[ch][d.write] = d.value(ch, d.produced)
		}
		d.produced++
		d.write = (d.write + 1) % d.cfg.RingSize
	}
}

// value returns i-th sample of the channel source.
func (d *Device) value(ch int, i int64) int16 {
	if d.source != nil {
		src := d.source[ch%len(d.source)]
		return src[i%int64(len(src))]
	}
	t := float64(i) / float64(d.cfg.SampleRate)
	v := d.cfg.Amplitude * math.Sin(2*math.Pi*d.cfg.Frequency*t+float64(ch)*math.Pi/2)
	return int16(sample.Clamp(v) * (sample.FullScale - 1))
}

func (d *Device) index(ch int) (int, error) {
	if ch < 1 || ch > d.cfg.Channels {
		return 0, fmt.Errorf("%w: %d", ErrChannel, ch)
	}
	return ch - 1, nil
}

// TriggerState implements hw.Acquirer.
func (d *Device) TriggerState(ch int) (hw.TriggerState, error) {
	if _, err := d.index(ch); err != nil {
		return hw.Waiting, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.triggered {
		return hw.Triggered, nil
	}
	return hw.Waiting, nil
}

// WritePointerAtTrigger implements hw.Acquirer.
func (d *Device) WritePointerAtTrigger(ch int) (uint32, error) {
	if _, err := d.index(ch); err != nil {
		return 0, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.triggerAt, nil
}

// WritePointer implements hw.Acquirer.
func (d *Device) WritePointer(ch int) (uint32, error) {
	if _, err := d.index(ch); err != nil {
		return 0, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.write, nil
}

// ReadRaw implements hw.Acquirer.
func (d *Device) ReadRaw(ch int, pos uint32, dst []int16) error {
	i, err := d.index(ch)
	if err != nil {
		return err
	}
	if pos >= d.cfg.RingSize || len(dst) > int(d.cfg.RingSize) {
		return fmt.Errorf("read %d samples at %d: out of ring buffer", len(dst), pos)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	ring := d.ring[i]
	n := copy(dst, ring[pos:])
	copy(dst[n:], ring)
	return nil
}

// SetAmplitude implements hw.Generator.
func (d *Device) SetAmplitude(ch int, volts float32) error {
	i, err := d.index(ch)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recordCount[i]++
	if d.recorders[i] == nil {
		return nil
	}
	return d.recorders[i].add(volts)
}

// Recorded returns number of analog levels written to the channel.
func (d *Device) Recorded(ch int) int64 {
	i, err := d.index(ch)
	if err != nil {
		return 0
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.recordCount[i]
}

// Close stops the device and finalizes recordings.
func (d *Device) Close() error {
	select {
	case <-d.done:
		return nil
	default:
	}
	close(d.done)
	d.wg.Wait()
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeRecorders()
}

func (d *Device) closeRecorders() error {
	var errs []error
	for i, r := range d.recorders {
		if r == nil {
			continue
		}
		if err := r.close(); err != nil {
			errs = append(errs, fmt.Errorf("close recording of channel %d: %w", i+1, err))
		}
		d.recorders[i] = nil
	}
	return errors.Join(errs...)
}
