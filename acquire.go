package rpinfer

import (
	"errors"
	"fmt"

	"pipelined.dev/rpinfer/hw"
	"pipelined.dev/rpinfer/sample"
)

// distance returns number of samples written to the ring buffer of size
// b after the read position pos.
func distance(pos, pwrite, b uint32) int64 {
	if pwrite >= pos {
		return int64(pwrite) - int64(pos)
	}
	return int64(b) - int64(pos) + int64(pwrite)
}

// acquire runs the acquisition stage. It waits for the trigger and then
// reads chunks from the ring buffer until acquisition stop is requested,
// the disk is almost full, an overrun happens or a queue reaches its
// limit. On return, end time is recorded and acquisition done latch is
// set, so consumers can drain their queues and exit.
func (c *Channel) acquire() error {
	l := c.stageLogger(StageAcquisition)
	defer func() {
		c.markEnded()
		c.acquisitionDone.Set()
		l.Debug("acquisition done")
	}()

	stop := c.shutdown.AcquisitionStopped()
	l.Info("waiting for trigger")
	for {
		if stop.IsSet() {
			l.Info("acquisition stopped before trigger")
			return ErrNotTriggered
		}
		state, err := c.acquirer.TriggerState(c.id)
		if err != nil {
			return fmt.Errorf("trigger state: %w", err)
		}
		if state == hw.Triggered {
			break
		}
		c.triggerPoll.wait(stop.Done())
	}
	pos, err := c.acquirer.WritePointerAtTrigger(c.id)
	if err != nil {
		return fmt.Errorf("write pointer at trigger: %w", err)
	}
	c.markTriggered()
	l.WithField("position", pos).Info("trigger detected, acquiring")

	var (
		b       = c.ringSize
		n       = uint32(c.chunkSize)
		raw     = make([]int16, c.chunkSize)
		targets = c.rawTargets()
		meter   = c.metrics.Meter(c.id, string(StageAcquisition))
	)
	pos %= b
	for !stop.IsSet() {
		if c.disk != nil {
			below, err := c.disk.Below(c.diskPath, c.diskThreshold)
			if err != nil {
				l.WithError(err).Warn("disk probe failed")
			} else if below {
				l.WithField("path", c.diskPath).Warn("disk space below threshold, stopping acquisition")
				c.shutdown.StopAcquisition()
				return nil
			}
		}

		pwrite, err := c.acquirer.WritePointer(c.id)
		if err != nil {
			l.WithError(err).Warn("write pointer query failed")
			c.dataPoll.wait(stop.Done())
			continue
		}
		d := distance(pos, pwrite, b)
		if d >= int64(b) {
			c.overruns.Add(1)
			c.metrics.Overrun(c.id)
			l.WithError(ErrOverrun).WithField("acquired", c.acquired.Load()).Error("stopping acquisition")
			c.shutdown.StopAcquisition()
			return nil
		}
		if d < int64(n) {
			c.dataPoll.wait(stop.Done())
			continue
		}
		if err := c.acquirer.ReadRaw(c.id, pos, raw); err != nil {
			l.WithError(err).WithField("position", pos).Warn("raw read failed")
			continue
		}
		chunk := sample.Convert(c.kind, raw)
		pos = (pos + n) % b

		if err := fanOut(c, l, targets, chunk); err != nil {
			if errors.Is(err, ErrBackpressure) {
				c.dropped.Add(1)
				l.WithError(err).Error("stopping acquisition")
				c.shutdown.StopAcquisition()
				return nil
			}
			return err
		}
		c.acquired.Add(1)
		meter(1)
	}
	return nil
}
