package rpinfer

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"pipelined.dev/rpinfer/hw"
	"pipelined.dev/rpinfer/log"
	"pipelined.dev/rpinfer/metric"
	"pipelined.dev/rpinfer/model"
	"pipelined.dev/rpinfer/queue"
	"pipelined.dev/rpinfer/sample"
)

// Default channel parameters.
const (
	DefaultChunkSize     = 256
	DefaultRingSize      = 16384
	DefaultQueueLimit    = 1000000
	DefaultDiskThreshold = 214748364 // 0.2 GiB
	DefaultPriority      = 20
)

// DiskProbe reports if free disk space dropped below threshold bytes.
type DiskProbe interface {
	Below(path string, threshold uint64) (bool, error)
}

// PollPolicy defines how a stage waits before it polls hardware again.
// Zero interval means spinning.
type PollPolicy struct {
	Interval time.Duration
}

// wait blocks for the poll interval or until stop is closed.
func (p PollPolicy) wait(stop <-chan struct{}) {
	if p.Interval <= 0 {
		runtime.Gosched()
		return
	}
	t := time.NewTimer(p.Interval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-stop:
	}
}

// Sinks defines which consumers are active on a channel.
type Sinks struct {
	RawCSV    bool `yaml:"raw_csv" split_words:"true"`
	RawDAC    bool `yaml:"raw_dac" split_words:"true"`
	ResultCSV bool `yaml:"result_csv" split_words:"true"`
	ResultDAC bool `yaml:"result_dac" split_words:"true"`
}

// Resolve returns sinks which can be active together. Raw and result DAC
// writers share the analog output, so result DAC is disabled when raw
// DAC is active. The flag is true if sinks were changed.
func (s Sinks) Resolve() (Sinks, bool) {
	if s.RawDAC && s.ResultDAC {
		s.ResultDAC = false
		return s, true
	}
	return s, false
}

// Result is an output of the model for a single chunk.
type Result struct {
	Output sample.Chunk
	// Elapsed is a duration of the model call in milliseconds.
	Elapsed float64
}

// Channel is a pipeline of a single hardware channel. It holds the
// queues between stages, counters and quiescence latches. Channel must
// be run only once.
type Channel struct {
	id            int
	chunkSize     int
	ringSize      uint32
	kind          sample.Kind
	sinks         Sinks
	normalize     bool
	queueLimit    int
	rawCSVPath    string
	resultCSVPath string
	triggerPoll   PollPolicy
	dataPoll      PollPolicy
	disk          DiskProbe
	diskPath      string
	diskThreshold uint64
	priority      int
	cpu           int

	acquirer  hw.Acquirer
	generator hw.Generator
	model     model.Model
	shutdown  *Shutdown
	log       logrus.FieldLogger
	metrics   *metric.Metrics

	rawCSV     *queue.Queue[sample.Chunk]
	rawDAC     *queue.Queue[sample.Chunk]
	modelQueue *queue.Queue[sample.Chunk]
	resultCSV  *queue.Queue[Result]
	resultDAC  *queue.Queue[Result]

	acquired         atomic.Int64
	inferred         atomic.Int64
	rawCSVWritten    atomic.Int64
	rawDACWritten    atomic.Int64
	resultCSVLogged  atomic.Int64
	resultDACWritten atomic.Int64
	dropped          atomic.Int64
	overruns         atomic.Int64

	acquisitionDone *Latch
	processingDone  *Latch

	mu          sync.Mutex
	triggeredAt time.Time
	endedAt     time.Time
	latencies   latencies
}

// Option provides a way to set functional parameters to channel.
type Option func(c *Channel) error

// ErrInvalidOption is returned if channel option has invalid value.
var ErrInvalidOption = errors.New("invalid option")

// NewChannel creates a new channel with id of hardware channel and
// applies provided options. Acquirer and model are required.
func NewChannel(id int, sd *Shutdown, options ...Option) (*Channel, error) {
	if sd == nil {
		return nil, fmt.Errorf("%w: nil shutdown", ErrInvalidOption)
	}
	c := &Channel{
		id:              id,
		chunkSize:       DefaultChunkSize,
		ringSize:        DefaultRingSize,
		kind:            sample.Float32,
		queueLimit:      DefaultQueueLimit,
		diskPath:        "/",
		diskThreshold:   DefaultDiskThreshold,
		cpu:             -1,
		shutdown:        sd,
		log:             log.Discard(),
		acquisitionDone: NewLatch(),
		processingDone:  NewLatch(),
		latencies:       newLatencies(defaultLatencyWindow),
	}
	options = append([]Option{WithOutputDirs("DataOutput", "ModelOutput")}, options...)
	for _, option := range options {
		if err := option(c); err != nil {
			return nil, err
		}
	}
	if c.acquirer == nil {
		return nil, fmt.Errorf("%w: channel %d has no acquirer", ErrInvalidOption, id)
	}
	if c.model == nil {
		return nil, fmt.Errorf("%w: channel %d has no model", ErrInvalidOption, id)
	}
	if c.chunkSize > int(c.ringSize) {
		return nil, fmt.Errorf("%w: chunk size %d exceeds ring size %d", ErrInvalidOption, c.chunkSize, c.ringSize)
	}
	if (c.sinks.RawDAC || c.sinks.ResultDAC) && c.generator == nil {
		return nil, fmt.Errorf("%w: channel %d has dac sink but no generator", ErrInvalidOption, id)
	}
	c.log = c.log.WithField(log.FieldChannel, id)
	if sinks, changed := c.sinks.Resolve(); changed {
		c.log.Warn("raw dac output is active, result dac output disabled")
		c.sinks = sinks
	}

	c.modelQueue = queue.New[sample.Chunk](c.queueLimit)
	if c.sinks.RawCSV {
		c.rawCSV = queue.New[sample.Chunk](c.queueLimit)
	}
	if c.sinks.RawDAC {
		c.rawDAC = queue.New[sample.Chunk](c.queueLimit)
	}
	if c.sinks.ResultCSV {
		c.resultCSV = queue.New[Result](c.queueLimit)
	}
	if c.sinks.ResultDAC {
		c.resultDAC = queue.New[Result](c.queueLimit)
	}
	return c, nil
}

// WithDevice sets acquisition and generation hardware.
func WithDevice(d hw.Device) Option {
	return func(c *Channel) error {
		c.acquirer = d
		c.generator = d
		return nil
	}
}

// WithAcquirer sets acquisition hardware.
func WithAcquirer(a hw.Acquirer) Option {
	return func(c *Channel) error {
		c.acquirer = a
		return nil
	}
}

// WithGenerator sets analog output hardware.
func WithGenerator(g hw.Generator) Option {
	return func(c *Channel) error {
		c.generator = g
		return nil
	}
}

// WithModel sets inference model.
func WithModel(m model.Model) Option {
	return func(c *Channel) error {
		c.model = m
		return nil
	}
}

// WithChunkSize sets number of samples in a chunk.
func WithChunkSize(n int) Option {
	return func(c *Channel) error {
		if n <= 0 {
			return fmt.Errorf("%w: chunk size %d", ErrInvalidOption, n)
		}
		c.chunkSize = n
		return nil
	}
}

// WithRingSize sets capacity of the hardware ring buffer in samples.
func WithRingSize(n uint32) Option {
	return func(c *Channel) error {
		if n == 0 {
			return fmt.Errorf("%w: zero ring size", ErrInvalidOption)
		}
		c.ringSize = n
		return nil
	}
}

// WithKind sets representation of acquired samples.
func WithKind(k sample.Kind) Option {
	return func(c *Channel) error {
		c.kind = k
		return nil
	}
}

// WithSinks sets active consumers.
func WithSinks(s Sinks) Option {
	return func(c *Channel) error {
		c.sinks = s
		return nil
	}
}

// WithNormalize enables chunk normalization before inference.
func WithNormalize(enabled bool) Option {
	return func(c *Channel) error {
		c.normalize = enabled
		return nil
	}
}

// WithQueueLimit sets maximum length of every queue. Zero means no limit.
func WithQueueLimit(n int) Option {
	return func(c *Channel) error {
		if n < 0 {
			return fmt.Errorf("%w: queue limit %d", ErrInvalidOption, n)
		}
		c.queueLimit = n
		return nil
	}
}

// WithOutputs sets paths of raw data and inference result CSV files.
func WithOutputs(rawCSV, resultCSV string) Option {
	return func(c *Channel) error {
		c.rawCSVPath = rawCSV
		c.resultCSVPath = resultCSV
		return nil
	}
}

// WithOutputDirs sets directories of raw data and inference result CSV
// files. File names contain channel id.
func WithOutputDirs(rawDir, resultDir string) Option {
	return func(c *Channel) error {
		c.rawCSVPath = filepath.Join(rawDir, fmt.Sprintf("data_ch%d.csv", c.id))
		c.resultCSVPath = filepath.Join(resultDir, fmt.Sprintf("output_ch%d.csv", c.id))
		return nil
	}
}

// WithPolling sets wait policies for trigger and data polling.
func WithPolling(trigger, data PollPolicy) Option {
	return func(c *Channel) error {
		c.triggerPoll = trigger
		c.dataPoll = data
		return nil
	}
}

// WithDiskProbe enables disk space checks of the path. Acquisition
// stops once free space is below threshold bytes.
func WithDiskProbe(p DiskProbe, path string, threshold uint64) Option {
	return func(c *Channel) error {
		c.disk = p
		c.diskPath = path
		c.diskThreshold = threshold
		return nil
	}
}

// WithPriority sets real-time priority of inference thread. Zero
// priority keeps default scheduling, negative cpu disables pinning.
func WithPriority(priority, cpu int) Option {
	return func(c *Channel) error {
		if priority < 0 || priority > 99 {
			return fmt.Errorf("%w: priority %d", ErrInvalidOption, priority)
		}
		c.priority = priority
		c.cpu = cpu
		return nil
	}
}

// WithLogger sets logger to channel. If this option is not provided,
// silent logger is used.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Channel) error {
		c.log = logger
		return nil
	}
}

// WithMetrics adds prometheus metrics for channel stages.
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Channel) error {
		c.metrics = m
		return nil
	}
}

// ID returns hardware channel number.
func (c *Channel) ID() int {
	return c.id
}

// Sinks returns active consumers.
func (c *Channel) Sinks() Sinks {
	return c.sinks
}

// AcquisitionDone returns latch which is set when acquisition stage
// exits.
func (c *Channel) AcquisitionDone() *Latch {
	return c.acquisitionDone
}

// ProcessingDone returns latch which is set when inference stage exits.
func (c *Channel) ProcessingDone() *Latch {
	return c.processingDone
}

func (c *Channel) markTriggered() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggeredAt = time.Now()
}

func (c *Channel) markEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.triggeredAt.IsZero() {
		c.endedAt = time.Now()
	}
}

func (c *Channel) stageLogger(s Stage) logrus.FieldLogger {
	return c.log.WithField(log.FieldStage, string(s))
}

const defaultLatencyWindow = 4096

// latencies is a ring of recent model call durations in milliseconds.
// It's guarded by channel mutex.
type latencies struct {
	values []float64
	next   int
	full   bool
}

func newLatencies(size int) latencies {
	return latencies{values: make([]float64, size)}
}

func (l *latencies) add(v float64) {
	l.values[l.next] = v
	l.next++
	if l.next == len(l.values) {
		l.next = 0
		l.full = true
	}
}

// snapshot returns a copy of recorded values.
func (l *latencies) snapshot() []float64 {
	n := l.next
	if l.full {
		n = len(l.values)
	}
	out := make([]float64, n)
	copy(out, l.values[:n])
	return out
}

func (c *Channel) recordLatency(ms float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latencies.add(ms)
}
