package rpinfer_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pipelined.dev/rpinfer"
	"pipelined.dev/rpinfer/metric"
	"pipelined.dev/rpinfer/mock"
	"pipelined.dev/rpinfer/sample"
)

const (
	chunkSize = 256
	ringSize  = 16384
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreAnyFunction("os/signal.loop"))
}

// readLines returns lines of the file without line terminators.
func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var lines []string
	s := bufio.NewScanner(bytes.NewReader(data))
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for s.Scan() {
		lines = append(lines, s.Text())
	}
	require.NoError(t, s.Err())
	return lines
}

// limitedDevice returns device which stops acquisition after limit chunks.
func limitedDevice(sd *rpinfer.Shutdown, limit int) *mock.Device {
	return &mock.Device{
		RingSize:  ringSize,
		ChunkSize: chunkSize,
		Limit:     limit,
		Exhausted: func(int) { sd.StopAcquisition() },
	}
}

func runChannel(t *testing.T, c *rpinfer.Channel) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.Run(ctx)
}

func TestChannel(t *testing.T) {
	var (
		dir        = t.TempDir()
		rawPath    = filepath.Join(dir, "data.csv")
		resultPath = filepath.Join(dir, "output.csv")
		sd         = rpinfer.NewShutdown(nil)
		device     = limitedDevice(sd, 10)
		model      = &mock.Model{Output: sample.Float32s{0.25}}
	)
	device.Value = 4096
	c, err := rpinfer.NewChannel(1, sd,
		rpinfer.WithDevice(device),
		rpinfer.WithModel(model),
		rpinfer.WithSinks(rpinfer.Sinks{RawCSV: true, ResultCSV: true}),
		rpinfer.WithOutputs(rawPath, resultPath),
	)
	require.NoError(t, err)
	require.NoError(t, runChannel(t, c))

	assert.True(t, c.AcquisitionDone().IsSet())
	assert.True(t, c.ProcessingDone().IsSet())
	assert.True(t, sd.AcquisitionStopped().IsSet())
	assert.False(t, sd.ProgramStopped().IsSet())

	rows := readLines(t, rawPath)
	require.Len(t, rows, 10)
	for _, row := range rows {
		values := strings.Split(row, ",")
		require.Len(t, values, chunkSize)
		for _, v := range values {
			assert.Equal(t, "0.500000", v)
		}
	}

	results := readLines(t, resultPath)
	require.Len(t, results, 10)
	for i, row := range results {
		fields := strings.Split(row, ",")
		require.Len(t, fields, 3)
		assert.Equal(t, strconv.Itoa(i+1), fields[0])
		assert.Equal(t, "0.250000", fields[1])
		elapsed, err := strconv.ParseFloat(fields[2], 64)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, elapsed, 0.0)
	}

	assert.Equal(t, int64(10), model.Calls(), "every chunk is inferred exactly once")
	chunks, samples := device.Count(1)
	assert.Equal(t, 10, chunks)
	assert.Equal(t, 10*chunkSize, samples)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Channel)
	assert.True(t, stats.Triggered)
	assert.Equal(t, int64(10), stats.Acquired)
	assert.Equal(t, int64(10), stats.Inferred)
	assert.Equal(t, int64(10), stats.RawCSV)
	assert.Equal(t, int64(10), stats.ResultCSV)
	assert.Zero(t, stats.Dropped)
	assert.Zero(t, stats.Overruns)
	assert.Equal(t, 10, stats.Latency.Count)
	assert.Equal(t, []rpinfer.QueueStats{
		{Stage: rpinfer.StageInference, Pushed: 10, Popped: 10},
		{Stage: rpinfer.StageRawCSV, Pushed: 10, Popped: 10},
		{Stage: rpinfer.StageResultCSV, Pushed: 10, Popped: 10},
	}, stats.Queues)
}

func TestKinds(t *testing.T) {
	tests := []struct {
		name      string
		kind      sample.Kind
		normalize bool
		value     int16
		expected  sample.Chunk
	}{
		{
			name:     "int16",
			kind:     sample.Int16,
			value:    100,
			expected: sample.Int16s{100, 100, 100, 100},
		},
		{
			name:     "int8",
			kind:     sample.Int8,
			value:    8191,
			expected: sample.Int8s{127, 127, 127, 127},
		},
		{
			name:     "float32",
			kind:     sample.Float32,
			value:    -4096,
			expected: sample.Float32s{-0.5, -0.5, -0.5, -0.5},
		},
		{
			name:      "normalized constant int16",
			kind:      sample.Int16,
			normalize: true,
			value:     100,
			expected:  sample.Int16s{0, 0, 0, 0},
		},
		{
			name:      "normalized constant float32",
			kind:      sample.Float32,
			normalize: true,
			value:     100,
			expected:  sample.Float32s{0, 0, 0, 0},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			sd := rpinfer.NewShutdown(nil)
			device := &mock.Device{
				RingSize:  64,
				ChunkSize: 4,
				Limit:     3,
				Value:     test.value,
				Exhausted: func(int) { sd.StopAcquisition() },
			}
			model := &mock.Model{Output: sample.Float32s{0}}
			c, err := rpinfer.NewChannel(2, sd,
				rpinfer.WithDevice(device),
				rpinfer.WithModel(model),
				rpinfer.WithRingSize(64),
				rpinfer.WithChunkSize(4),
				rpinfer.WithKind(test.kind),
				rpinfer.WithNormalize(test.normalize),
			)
			require.NoError(t, err)
			require.NoError(t, runChannel(t, c))

			inputs := model.Inputs()
			require.Len(t, inputs, 3)
			for _, in := range inputs {
				assert.Equal(t, test.expected, in)
			}
		})
	}
}

func TestDAC(t *testing.T) {
	tests := []struct {
		name     string
		sinks    rpinfer.Sinks
		value    int16
		output   sample.Chunk
		levels   []float32
		rawDAC   int64
		dac      int64
		dropped  int64
		ampError error
	}{
		{
			name:   "raw clamped",
			sinks:  rpinfer.Sinks{RawDAC: true},
			value:  math.MaxInt16,
			levels: []float32{1, 1, 1, 1, 1, 1, 1, 1},
			rawDAC: 2,
		},
		{
			name:   "raw",
			sinks:  rpinfer.Sinks{RawDAC: true},
			value:  -4096,
			levels: []float32{-0.5, -0.5, -0.5, -0.5, -0.5, -0.5, -0.5, -0.5},
			rawDAC: 2,
		},
		{
			name:   "result clamped",
			sinks:  rpinfer.Sinks{ResultDAC: true},
			output: sample.Float32s{-3, 2},
			levels: []float32{-1, -1},
			dac:    2,
		},
		{
			name:    "empty result",
			sinks:   rpinfer.Sinks{ResultDAC: true},
			output:  sample.Float32s{},
			dropped: 2,
		},
		{
			name:     "raw failure",
			sinks:    rpinfer.Sinks{RawDAC: true},
			ampError: mock.ErrTransient,
			dropped:  2,
		},
		{
			name:     "result failure",
			sinks:    rpinfer.Sinks{ResultDAC: true},
			output:   sample.Float32s{0.5},
			ampError: mock.ErrTransient,
			dropped:  2,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			sd := rpinfer.NewShutdown(nil)
			device := &mock.Device{
				RingSize:         64,
				ChunkSize:        4,
				Limit:            2,
				Value:            test.value,
				ErrorOnAmplitude: test.ampError,
				Exhausted:        func(int) { sd.StopAcquisition() },
			}
			c, err := rpinfer.NewChannel(1, sd,
				rpinfer.WithDevice(device),
				rpinfer.WithModel(&mock.Model{Output: test.output}),
				rpinfer.WithRingSize(64),
				rpinfer.WithChunkSize(4),
				rpinfer.WithKind(sample.Int16),
				rpinfer.WithSinks(test.sinks),
			)
			require.NoError(t, err)
			require.NoError(t, runChannel(t, c))

			levels := device.Levels(1)
			if len(test.levels) == 0 {
				assert.Empty(t, levels)
			} else {
				assert.Equal(t, test.levels, levels)
			}
			stats := c.Stats()
			assert.Equal(t, int64(2), stats.Acquired)
			assert.Equal(t, test.rawDAC, stats.RawDAC)
			assert.Equal(t, test.dac, stats.ResultDAC)
			assert.Equal(t, test.dropped, stats.Dropped)
		})
	}
}

func TestSinksResolve(t *testing.T) {
	sd := rpinfer.NewShutdown(nil)
	c, err := rpinfer.NewChannel(1, sd,
		rpinfer.WithDevice(&mock.Device{}),
		rpinfer.WithModel(&mock.Model{}),
		rpinfer.WithSinks(rpinfer.Sinks{RawDAC: true, ResultDAC: true, ResultCSV: true}),
	)
	require.NoError(t, err)
	assert.Equal(t, rpinfer.Sinks{RawDAC: true, ResultCSV: true}, c.Sinks())

	sinks, changed := rpinfer.Sinks{ResultDAC: true}.Resolve()
	assert.False(t, changed)
	assert.Equal(t, rpinfer.Sinks{ResultDAC: true}, sinks)
}

func TestOverrun(t *testing.T) {
	var (
		sd     = rpinfer.NewShutdown(nil)
		reg    = prometheus.NewRegistry()
		model  = &mock.Model{Output: sample.Float32s{1}}
		device = &mock.Device{
			RingSize:     ringSize,
			ChunkSize:    chunkSize,
			OverrunAfter: 3,
		}
	)
	metrics, err := metric.New(reg)
	require.NoError(t, err)
	c, err := rpinfer.NewChannel(1, sd,
		rpinfer.WithDevice(device),
		rpinfer.WithModel(model),
		rpinfer.WithMetrics(metrics),
	)
	require.NoError(t, err)
	require.NoError(t, runChannel(t, c))

	stats := c.Stats()
	assert.Equal(t, int64(3), stats.Acquired)
	assert.Equal(t, int64(3), stats.Inferred)
	assert.Equal(t, int64(1), stats.Overruns)
	assert.True(t, sd.AcquisitionStopped().IsSet())
	assert.False(t, sd.ProgramStopped().IsSet())
	chunks, _ := device.Count(1)
	assert.Equal(t, 3, chunks)

	expected := `
# HELP rpinfer_overruns_total Number of ring buffer overruns.
# TYPE rpinfer_overruns_total counter
rpinfer_overruns_total{channel="1"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "rpinfer_overruns_total"))
}

func TestTransientFailures(t *testing.T) {
	sd := rpinfer.NewShutdown(nil)
	device := limitedDevice(sd, 5)
	device.FailWritePointer = 2
	device.FailReads = 2
	c, err := rpinfer.NewChannel(1, sd,
		rpinfer.WithDevice(device),
		rpinfer.WithModel(&mock.Model{Output: sample.Float32s{1}}),
	)
	require.NoError(t, err)
	require.NoError(t, runChannel(t, c))

	stats := c.Stats()
	assert.Equal(t, int64(5), stats.Acquired)
	assert.Equal(t, int64(5), stats.Inferred)
	assert.Zero(t, stats.Overruns)
}

func TestDiskThreshold(t *testing.T) {
	var (
		sd   = rpinfer.NewShutdown(nil)
		disk = &mock.Disk{BelowAfter: 2}
	)
	c, err := rpinfer.NewChannel(1, sd,
		rpinfer.WithDevice(&mock.Device{RingSize: ringSize, ChunkSize: chunkSize}),
		rpinfer.WithModel(&mock.Model{Output: sample.Float32s{1}}),
		rpinfer.WithDiskProbe(disk, "/data", 1024),
	)
	require.NoError(t, err)
	require.NoError(t, runChannel(t, c))

	assert.Equal(t, int64(3), disk.Calls())
	assert.Equal(t, int64(2), c.Stats().Acquired)
	assert.True(t, sd.AcquisitionStopped().IsSet())
	assert.False(t, sd.ProgramStopped().IsSet())
}

func TestDiskProbeFailure(t *testing.T) {
	sd := rpinfer.NewShutdown(nil)
	c, err := rpinfer.NewChannel(1, sd,
		rpinfer.WithDevice(limitedDevice(sd, 4)),
		rpinfer.WithModel(&mock.Model{Output: sample.Float32s{1}}),
		rpinfer.WithDiskProbe(&mock.Disk{ErrorOnCall: mock.ErrTransient}, "/", 1),
	)
	require.NoError(t, err)
	require.NoError(t, runChannel(t, c))
	assert.Equal(t, int64(4), c.Stats().Acquired)
}

func TestNotTriggered(t *testing.T) {
	tests := []struct {
		name string
		stop func(sd *rpinfer.Shutdown)
	}{
		{
			name: "stopped before run",
			stop: func(sd *rpinfer.Shutdown) { sd.StopAcquisition() },
		},
		{
			name: "interrupted while waiting",
			stop: func(sd *rpinfer.Shutdown) {
				time.AfterFunc(20*time.Millisecond, sd.Interrupt)
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			sd := rpinfer.NewShutdown(nil)
			model := &mock.Model{}
			dir := t.TempDir()
			c, err := rpinfer.NewChannel(2, sd,
				rpinfer.WithDevice(&mock.Device{RingSize: ringSize, NeverTrigger: true}),
				rpinfer.WithModel(model),
				rpinfer.WithSinks(rpinfer.Sinks{RawCSV: true, ResultCSV: true}),
				rpinfer.WithOutputDirs(dir, dir),
				rpinfer.WithPolling(rpinfer.PollPolicy{Interval: time.Millisecond}, rpinfer.PollPolicy{}),
			)
			require.NoError(t, err)
			test.stop(sd)
			err = runChannel(t, c)
			require.Error(t, err)
			assert.ErrorIs(t, err, rpinfer.ErrNotTriggered)

			var stageErr *rpinfer.StageError
			require.ErrorAs(t, err, &stageErr)
			assert.Equal(t, 2, stageErr.Channel)
			assert.Equal(t, rpinfer.StageAcquisition, stageErr.Stage)

			assert.Zero(t, model.Calls())
			stats := c.Stats()
			assert.False(t, stats.Triggered)
			assert.Zero(t, stats.Duration)
			assert.Empty(t, readLines(t, filepath.Join(dir, "output_ch2.csv")))
		})
	}
}

func TestTriggerError(t *testing.T) {
	errTrigger := errors.New("trigger error")
	sd := rpinfer.NewShutdown(nil)
	c, err := rpinfer.NewChannel(1, sd,
		rpinfer.WithDevice(&mock.Device{RingSize: ringSize, ErrorOnTrigger: errTrigger}),
		rpinfer.WithModel(&mock.Model{}),
	)
	require.NoError(t, err)
	err = runChannel(t, c)
	assert.ErrorIs(t, err, errTrigger)
	var stageErr *rpinfer.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, rpinfer.StageAcquisition, stageErr.Stage)
	assert.True(t, c.ProcessingDone().IsSet())
}

func TestSinkOpenFailure(t *testing.T) {
	var (
		dir        = t.TempDir()
		resultPath = filepath.Join(dir, "output.csv")
		sd         = rpinfer.NewShutdown(nil)
	)
	c, err := rpinfer.NewChannel(1, sd,
		rpinfer.WithDevice(limitedDevice(sd, 10)),
		rpinfer.WithModel(&mock.Model{Output: sample.Float32s{1}}),
		rpinfer.WithSinks(rpinfer.Sinks{RawCSV: true, ResultCSV: true}),
		rpinfer.WithOutputs(filepath.Join(dir, "missing", "data.csv"), resultPath),
	)
	require.NoError(t, err)
	err = runChannel(t, c)
	var stageErr *rpinfer.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, rpinfer.StageRawCSV, stageErr.Stage)

	assert.Len(t, readLines(t, resultPath), 10)
	stats := c.Stats()
	assert.Equal(t, int64(10), stats.Acquired)
	assert.Equal(t, int64(10), stats.Inferred)
	assert.Zero(t, stats.RawCSV)
	assert.Equal(t, int64(10), stats.Dropped)
}

func TestInterrupt(t *testing.T) {
	tests := []struct {
		name string
		stop func(sd *rpinfer.Shutdown, cancel context.CancelFunc)
	}{
		{
			name: "interrupt",
			stop: func(sd *rpinfer.Shutdown, _ context.CancelFunc) { sd.Interrupt() },
		},
		{
			name: "context",
			stop: func(_ *rpinfer.Shutdown, cancel context.CancelFunc) { cancel() },
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var (
				dir = t.TempDir()
				sd  = rpinfer.NewShutdown(nil)
				// write pointer never moves, so acquisition polls until stop.
				device = &mock.Device{RingSize: ringSize}
			)
			var hooks atomic.Int32
			sd.OnInterrupt(func() { hooks.Add(1) })
			c, err := rpinfer.NewChannel(1, sd,
				rpinfer.WithDevice(device),
				rpinfer.WithModel(&mock.Model{Output: sample.Float32s{1}}),
				rpinfer.WithSinks(rpinfer.Sinks{RawCSV: true, RawDAC: true, ResultCSV: true}),
				rpinfer.WithOutputDirs(dir, dir),
				rpinfer.WithPolling(rpinfer.PollPolicy{}, rpinfer.PollPolicy{Interval: time.Millisecond}),
			)
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			errc := make(chan error, 1)
			go func() {
				errc <- c.Run(ctx)
			}()
			time.Sleep(20 * time.Millisecond)
			test.stop(sd, cancel)

			select {
			case err := <-errc:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("channel didn't stop")
			}
			assert.True(t, sd.ProgramStopped().IsSet())
			assert.True(t, sd.AcquisitionStopped().IsSet())
			assert.Eventually(t, func() bool { return hooks.Load() == 1 }, time.Second, time.Millisecond)
			stats := c.Stats()
			assert.True(t, stats.Triggered)
			assert.Zero(t, stats.Acquired)
		})
	}
}

func TestInterruptWhileAcquiring(t *testing.T) {
	for i := 0; i < 20; i++ {
		var (
			dir = t.TempDir()
			sd  = rpinfer.NewShutdown(nil)
			// write pointer advances on every call, so acquisition never waits.
			device = &mock.Device{RingSize: ringSize, ChunkSize: chunkSize}
		)
		c, err := rpinfer.NewChannel(1, sd,
			rpinfer.WithDevice(device),
			rpinfer.WithModel(&mock.Model{Output: sample.Float32s{1}}),
			rpinfer.WithSinks(rpinfer.Sinks{RawCSV: true, ResultCSV: true}),
			rpinfer.WithOutputDirs(dir, dir),
		)
		require.NoError(t, err)
		timer := time.AfterFunc(time.Millisecond, sd.Interrupt)
		require.NoError(t, runChannel(t, c))
		timer.Stop()

		stats := c.Stats()
		require.Zero(t, stats.Dropped, "run %d", i)
		require.Equal(t, stats.Acquired, stats.Inferred, "run %d", i)
		require.Equal(t, stats.Acquired, stats.RawCSV, "run %d", i)
		require.Equal(t, stats.Acquired, stats.ResultCSV, "run %d", i)
		require.Len(t, readLines(t, filepath.Join(dir, "data_ch1.csv")), int(stats.Acquired), "run %d", i)
		require.Len(t, readLines(t, filepath.Join(dir, "output_ch1.csv")), int(stats.Acquired), "run %d", i)
		for _, q := range stats.Queues {
			require.Zero(t, q.Backlog(), "run %d: %s queue", i, q.Stage)
		}
	}
}

func TestBackpressure(t *testing.T) {
	sd := rpinfer.NewShutdown(nil)
	model := &mock.Model{Output: sample.Float32s{1}, Delay: 50 * time.Millisecond}
	c, err := rpinfer.NewChannel(1, sd,
		rpinfer.WithDevice(&mock.Device{RingSize: ringSize, ChunkSize: chunkSize}),
		rpinfer.WithModel(model),
		rpinfer.WithQueueLimit(1),
	)
	require.NoError(t, err)
	require.NoError(t, runChannel(t, c))

	stats := c.Stats()
	assert.True(t, sd.AcquisitionStopped().IsSet())
	assert.False(t, sd.ProgramStopped().IsSet())
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, stats.Acquired, stats.Inferred)
	assert.Equal(t, stats.Acquired, model.Calls())
}

func TestNewChannel(t *testing.T) {
	device := &mock.Device{}
	model := &mock.Model{}
	tests := []struct {
		name    string
		sd      *rpinfer.Shutdown
		options []rpinfer.Option
	}{
		{
			name:    "nil shutdown",
			options: []rpinfer.Option{rpinfer.WithDevice(device), rpinfer.WithModel(model)},
		},
		{
			name:    "no acquirer",
			sd:      rpinfer.NewShutdown(nil),
			options: []rpinfer.Option{rpinfer.WithModel(model)},
		},
		{
			name:    "no model",
			sd:      rpinfer.NewShutdown(nil),
			options: []rpinfer.Option{rpinfer.WithDevice(device)},
		},
		{
			name: "chunk exceeds ring",
			sd:   rpinfer.NewShutdown(nil),
			options: []rpinfer.Option{
				rpinfer.WithDevice(device),
				rpinfer.WithModel(model),
				rpinfer.WithRingSize(128),
				rpinfer.WithChunkSize(256),
			},
		},
		{
			name: "dac without generator",
			sd:   rpinfer.NewShutdown(nil),
			options: []rpinfer.Option{
				rpinfer.WithAcquirer(device),
				rpinfer.WithModel(model),
				rpinfer.WithSinks(rpinfer.Sinks{RawDAC: true}),
			},
		},
		{
			name:    "zero chunk",
			sd:      rpinfer.NewShutdown(nil),
			options: []rpinfer.Option{rpinfer.WithChunkSize(0)},
		},
		{
			name:    "zero ring",
			sd:      rpinfer.NewShutdown(nil),
			options: []rpinfer.Option{rpinfer.WithRingSize(0)},
		},
		{
			name:    "negative queue limit",
			sd:      rpinfer.NewShutdown(nil),
			options: []rpinfer.Option{rpinfer.WithQueueLimit(-1)},
		},
		{
			name:    "priority",
			sd:      rpinfer.NewShutdown(nil),
			options: []rpinfer.Option{rpinfer.WithPriority(100, 0)},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := rpinfer.NewChannel(1, test.sd, test.options...)
			assert.ErrorIs(t, err, rpinfer.ErrInvalidOption)
		})
	}

	c, err := rpinfer.NewChannel(1, rpinfer.NewShutdown(nil),
		rpinfer.WithAcquirer(device),
		rpinfer.WithGenerator(device),
		rpinfer.WithModel(model),
		rpinfer.WithSinks(rpinfer.Sinks{RawDAC: true}),
	)
	require.NoError(t, err)
	assert.Equal(t, 1, c.ID())
}

func TestPipeline(t *testing.T) {
	var (
		dir       = t.TempDir()
		sd        = rpinfer.NewShutdown(nil)
		model     = &mock.Model{Output: sample.Float32s{0.5}}
		exhausted atomic.Int32
		device    = &mock.Device{
			RingSize:  ringSize,
			ChunkSize: chunkSize,
			Limit:     10,
			Exhausted: func(int) {
				if exhausted.Add(1) == 2 {
					sd.StopAcquisition()
				}
			},
		}
	)
	p, err := rpinfer.NewPipeline(sd, []int{1, 2},
		rpinfer.WithDevice(device),
		rpinfer.WithModel(model),
		rpinfer.WithSinks(rpinfer.Sinks{ResultCSV: true}),
		rpinfer.WithOutputDirs(dir, dir),
	)
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID())
	assert.Equal(t, p.ID(), p.String())
	require.Len(t, p.Channels(), 2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Run(ctx))

	assert.Equal(t, int64(20), model.Calls())
	stats := p.Stats()
	require.Len(t, stats, 2)
	for i, s := range stats {
		assert.Equal(t, i+1, s.Channel)
		assert.Equal(t, int64(10), s.Acquired)
		assert.Equal(t, int64(10), s.ResultCSV)
		assert.Len(t, readLines(t, filepath.Join(dir, "output_ch"+strconv.Itoa(i+1)+".csv")), 10)
	}
}

func TestPipelineErrors(t *testing.T) {
	_, err := rpinfer.NewPipeline(rpinfer.NewShutdown(nil), nil)
	assert.ErrorIs(t, err, rpinfer.ErrInvalidOption)

	_, err = rpinfer.NewPipeline(rpinfer.NewShutdown(nil), []int{1}, rpinfer.WithModel(&mock.Model{}))
	assert.ErrorIs(t, err, rpinfer.ErrInvalidOption)

	// channel 2 fails, channel 1 completes.
	errTrigger := errors.New("trigger error")
	sd := rpinfer.NewShutdown(nil)
	dir := t.TempDir()
	p, err := rpinfer.NewPipeline(sd, []int{1},
		rpinfer.WithDevice(limitedDevice(sd, 2)),
		rpinfer.WithModel(&mock.Model{Output: sample.Float32s{1}}),
		rpinfer.WithOutputDirs(dir, dir),
	)
	require.NoError(t, err)
	failing, err := rpinfer.NewPipeline(sd, []int{2},
		rpinfer.WithDevice(&mock.Device{RingSize: ringSize, ErrorOnTrigger: errTrigger}),
		rpinfer.WithModel(&mock.Model{}),
	)
	require.NoError(t, err)
	assert.ErrorIs(t, failing.Run(context.Background()), errTrigger)
	assert.NoError(t, p.Run(context.Background()))
	assert.Equal(t, int64(2), p.Stats()[0].Acquired)

	// every channel fails, errors of all of them are returned.
	both, err := rpinfer.NewPipeline(rpinfer.NewShutdown(nil), []int{1, 2},
		rpinfer.WithDevice(&mock.Device{RingSize: ringSize, ErrorOnTrigger: errTrigger}),
		rpinfer.WithModel(&mock.Model{}),
		rpinfer.WithOutputDirs(dir, dir),
	)
	require.NoError(t, err)
	err = both.Run(context.Background())
	require.ErrorIs(t, err, errTrigger)
	joined, ok := err.(interface{ Unwrap() []error })
	require.True(t, ok, "errors of channels must be joined")
	var channels []int
	for _, e := range joined.Unwrap() {
		var se *rpinfer.StageError
		require.ErrorAs(t, e, &se)
		assert.Equal(t, rpinfer.StageAcquisition, se.Stage)
		channels = append(channels, se.Channel)
	}
	assert.ElementsMatch(t, []int{1, 2}, channels)
}

func TestReport(t *testing.T) {
	tests := []struct {
		name        string
		stats       rpinfer.Stats
		contains    []string
		notContains []string
	}{
		{
			name: "triggered",
			stats: rpinfer.Stats{
				Channel:   1,
				Sinks:     rpinfer.Sinks{RawCSV: true, ResultCSV: true},
				Triggered: true,
				Duration:  61*time.Second + 5*time.Millisecond,
				Acquired:  10,
				Inferred:  10,
				RawCSV:    10,
				ResultCSV: 9,
				Dropped:   1,
				Latency:   rpinfer.Latency{Count: 10, Mean: 0.5, P99: 1},
				Queues: []rpinfer.QueueStats{
					{Stage: rpinfer.StageInference, Pushed: 10, Popped: 10},
					{Stage: rpinfer.StageResultCSV, Pushed: 10, Popped: 9},
				},
			},
			contains: []string{
				"Channel 1",
				"1 min 1 sec 5 ms",
				"Total data acquired:",
				"Total lines written to csv file:",
				"Total results logged to csv file:",
				"Dropped:",
				"mean 0.500",
				"Left in result-csv queue:",
			},
			notContains: []string{"dac", "Overruns", "inference queue"},
		},
		{
			name: "not triggered",
			stats: rpinfer.Stats{
				Channel: 2,
				Sinks:   rpinfer.Sinks{RawDAC: true, ResultDAC: true},
			},
			contains:    []string{"Channel 2", "not triggered", "written to dac", "results written to dac"},
			notContains: []string{"csv", "latency"},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, test.stats.Report(&buf))
			out := buf.String()
			for _, s := range test.contains {
				assert.Contains(t, out, s)
			}
			for _, s := range test.notContains {
				assert.NotContains(t, out, s)
			}
		})
	}
}
