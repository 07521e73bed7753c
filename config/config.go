// Package config loads rpinfer configuration. Values are taken from
// defaults, then from optional YAML file and then from RPINFER_*
// environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"pipelined.dev/rpinfer"
	"pipelined.dev/rpinfer/hw/sim"
	"pipelined.dev/rpinfer/sample"
)

// EnvPrefix is a prefix of environment variables.
const EnvPrefix = "RPINFER"

// DriverSim is the simulated device driver.
const DriverSim = "sim"

// Config is a complete configuration of the program.
type Config struct {
	Channels   []int         `yaml:"channels"`
	ChunkSize  int           `yaml:"chunk_size" split_words:"true"`
	RingSize   uint32        `yaml:"ring_size" split_words:"true"`
	Kind       sample.Kind   `yaml:"kind"`
	Normalize  bool          `yaml:"normalize"`
	QueueLimit int           `yaml:"queue_limit" split_words:"true"`
	Model      string        `yaml:"model"`
	Sinks      rpinfer.Sinks `yaml:"sinks"`
	Output     Output        `yaml:"output"`
	Disk       Disk          `yaml:"disk"`
	Poll       Poll          `yaml:"poll"`
	Inference  Inference     `yaml:"inference"`
	Device     Device        `yaml:"device"`
	Metrics    string        `yaml:"metrics"`
	LogLevel   string        `yaml:"log_level" split_words:"true"`
}

// Output defines directories of persisted outputs.
type Output struct {
	RawDir    string `yaml:"raw_dir" split_words:"true"`
	ResultDir string `yaml:"result_dir" split_words:"true"`
	// Clean removes previous outputs before the run.
	Clean bool `yaml:"clean"`
}

// Disk defines free space monitoring.
type Disk struct {
	Path      string `yaml:"path"`
	Threshold uint64 `yaml:"threshold"`
}

// Poll defines hardware polling intervals. Zero interval means spinning.
type Poll struct {
	Trigger time.Duration `yaml:"trigger"`
	Data    time.Duration `yaml:"data"`
}

// Inference defines scheduling of inference threads.
type Inference struct {
	Priority int `yaml:"priority"`
	CPU      int `yaml:"cpu"`
}

// Device defines acquisition hardware.
type Device struct {
	Driver string     `yaml:"driver"`
	Sim    sim.Config `yaml:"sim"`
}

// Default returns configuration with default values.
func Default() Config {
	return Config{
		Channels:   []int{1, 2},
		ChunkSize:  rpinfer.DefaultChunkSize,
		RingSize:   rpinfer.DefaultRingSize,
		Kind:       sample.Float32,
		QueueLimit: rpinfer.DefaultQueueLimit,
		Sinks: rpinfer.Sinks{
			RawCSV:    true,
			ResultCSV: true,
		},
		Output: Output{
			RawDir:    "DataOutput",
			ResultDir: "ModelOutput",
			Clean:     true,
		},
		Disk: Disk{
			Path:      "/",
			Threshold: rpinfer.DefaultDiskThreshold,
		},
		Inference: Inference{
			Priority: rpinfer.DefaultPriority,
			CPU:      -1,
		},
		Device: Device{
			Driver: DriverSim,
			Sim:    sim.DefaultConfig(),
		},
	}
}

// Load returns configuration read from the file at path and environment.
// Empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("config environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ErrInvalid is returned when configuration has invalid values.
var ErrInvalid = errors.New("invalid config")

// Validate checks configuration values.
func (c Config) Validate() error {
	var errs []error
	if len(c.Channels) == 0 {
		errs = append(errs, errors.New("no channels"))
	}
	seen := make(map[int]bool)
	for _, ch := range c.Channels {
		if ch < 1 || ch > 2 {
			errs = append(errs, fmt.Errorf("channel %d out of range [1, 2]", ch))
		}
		if seen[ch] {
			errs = append(errs, fmt.Errorf("duplicate channel %d", ch))
		}
		seen[ch] = true
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk size %d", c.ChunkSize))
	}
	if c.RingSize == 0 || c.ChunkSize > int(c.RingSize) {
		errs = append(errs, fmt.Errorf("ring size %d for chunk size %d", c.RingSize, c.ChunkSize))
	}
	if c.QueueLimit < 0 {
		errs = append(errs, fmt.Errorf("queue limit %d", c.QueueLimit))
	}
	if c.Inference.Priority < 0 || c.Inference.Priority > 99 {
		errs = append(errs, fmt.Errorf("inference priority %d out of range [0, 99]", c.Inference.Priority))
	}
	if c.Poll.Trigger < 0 || c.Poll.Data < 0 {
		errs = append(errs, errors.New("negative poll interval"))
	}
	if c.Device.Driver != DriverSim {
		errs = append(errs, fmt.Errorf("unknown device driver %q", c.Device.Driver))
	}
	if c.Device.Driver == DriverSim && c.Device.Sim.RingSize != c.RingSize {
		errs = append(errs, fmt.Errorf("simulator ring size %d differs from ring size %d", c.Device.Sim.RingSize, c.RingSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Options returns channel options defined by configuration.
func (c Config) Options() []rpinfer.Option {
	return []rpinfer.Option{
		rpinfer.WithChunkSize(c.ChunkSize),
		rpinfer.WithRingSize(c.RingSize),
		rpinfer.WithKind(c.Kind),
		rpinfer.WithSinks(c.Sinks),
		rpinfer.WithNormalize(c.Normalize),
		rpinfer.WithQueueLimit(c.QueueLimit),
		rpinfer.WithOutputDirs(c.Output.RawDir, c.Output.ResultDir),
		rpinfer.WithPolling(
			rpinfer.PollPolicy{Interval: c.Poll.Trigger},
			rpinfer.PollPolicy{Interval: c.Poll.Data},
		),
		rpinfer.WithPriority(c.Inference.Priority, c.Inference.CPU),
	}
}

// YAML returns configuration encoded as YAML.
func (c Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
