package rpinfer

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"pipelined.dev/rpinfer/metric"
	"pipelined.dev/rpinfer/queue"
	"pipelined.dev/rpinfer/sample"
)

// target is a queue of a single consumer. It's used only by the producer
// goroutine of the queue.
type target[T any] struct {
	stage   Stage
	q       *queue.Queue[T]
	dropped metric.MeasureFunc
	warned  bool
}

func newTarget[T any](c *Channel, s Stage, q *queue.Queue[T]) *target[T] {
	return &target[T]{
		stage:   s,
		q:       q,
		dropped: c.metrics.Dropped(c.id, string(s)),
	}
}

// drop counts an item which consumer will never receive. Only the
// first drop of the target is logged.
func (t *target[T]) drop(c *Channel, l logrus.FieldLogger) {
	c.dropped.Add(1)
	t.dropped(1)
	if !t.warned {
		t.warned = true
		l.WithField("consumer", string(t.stage)).Warn("consumer exited, dropping items")
	}
}

// fanOut pushes the value onto every target queue in order. Capacity of
// all queues is checked first, so a full queue never receives a part of
// the fan-out. Targets whose consumers failed and closed their queues
// are skipped and counted as dropped.
func fanOut[T any](c *Channel, l logrus.FieldLogger, targets []*target[T], v T) error {
	for _, t := range targets {
		if !t.q.Free(1) {
			return fmt.Errorf("%s queue: %w", t.stage, ErrBackpressure)
		}
	}
	for _, t := range targets {
		err := t.q.Push(v)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrClosed):
			t.drop(c, l)
		default:
			return fmt.Errorf("%s queue: %w", t.stage, err)
		}
	}
	return nil
}

// rawTargets returns queues which receive acquired chunks. Model queue
// is always the last one.
func (c *Channel) rawTargets() []*target[sample.Chunk] {
	targets := make([]*target[sample.Chunk], 0, 3)
	if c.rawCSV != nil {
		targets = append(targets, newTarget(c, StageRawCSV, c.rawCSV))
	}
	if c.rawDAC != nil {
		targets = append(targets, newTarget(c, StageRawDAC, c.rawDAC))
	}
	return append(targets, newTarget(c, StageInference, c.modelQueue))
}

// resultTargets returns queues which receive inference results.
func (c *Channel) resultTargets() []*target[Result] {
	targets := make([]*target[Result], 0, 2)
	if c.resultCSV != nil {
		targets = append(targets, newTarget(c, StageResultCSV, c.resultCSV))
	}
	if c.resultDAC != nil {
		targets = append(targets, newTarget(c, StageResultDAC, c.resultDAC))
	}
	return targets
}
