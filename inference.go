package rpinfer

import (
	"errors"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"pipelined.dev/rpinfer/sample"
	"pipelined.dev/rpinfer/sysutil"
)

// infer runs the inference stage. Every chunk from the model queue is
// optionally normalized, passed to the model and the result is pushed to
// active result queues. Processing done latch is set on return.
func (c *Channel) infer() error {
	l := c.stageLogger(StageInference)
	defer func() {
		c.processingDone.Set()
		l.Debug("processing done")
	}()
	c.lockThread(l)

	var (
		targets = c.resultTargets()
		meter   = c.metrics.Meter(c.id, string(StageInference))
		latency = c.metrics.Latency(c.id)
	)
	return consume(c, StageInference, c.modelQueue, c.acquisitionDone, func(chunk sample.Chunk) error {
		if c.normalize {
			chunk = chunk.Normalize()
		}
		start := time.Now()
		out := c.model.Infer(chunk)
		elapsed := time.Since(start)

		r := Result{
			Output:  out,
			Elapsed: float64(elapsed) / float64(time.Millisecond),
		}
		c.inferred.Add(1)
		meter(1)
		latency(elapsed)
		c.recordLatency(r.Elapsed)

		if err := fanOut(c, l, targets, r); err != nil {
			if errors.Is(err, ErrBackpressure) {
				c.dropped.Add(1)
				l.WithError(err).Error("result dropped, stopping acquisition")
				c.shutdown.StopAcquisition()
				return nil
			}
			return err
		}
		return nil
	})
}

// lockThread locks inference goroutine to its OS thread and applies
// real-time scheduling parameters. Thread is never unlocked, so it's
// terminated when goroutine exits and its priority doesn't leak to
// other goroutines.
func (c *Channel) lockThread(l logrus.FieldLogger) {
	if c.priority == 0 && c.cpu < 0 {
		return
	}
	runtime.LockOSThread()
	if c.priority > 0 {
		if err := sysutil.SetRealtime(c.priority); err != nil {
			l.WithError(err).Warn("real-time priority is not applied")
		}
	}
	if c.cpu >= 0 {
		if err := sysutil.SetAffinity(c.cpu); err != nil {
			l.WithError(err).Warn("cpu affinity is not applied")
		}
	}
}
