package rpinfer

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"pipelined.dev/rpinfer/queue"
	"pipelined.dev/rpinfer/sample"
)

var errEmptyOutput = errors.New("empty model output")

// consume drains the queue of the stage and applies fn to every item in
// FIFO order. It returns when upstream is done and the queue is empty.
// Program stop is not observed directly: it reaches the consumer through
// upstream, which stops producing first, so every item accepted by the
// queue before the stop is processed. A drained batch is always processed
// completely unless fn fails. Queue is closed on return, so the producer
// can detect that the consumer exited. Items left unprocessed are counted
// as dropped.
func consume[T any](c *Channel, s Stage, q *queue.Queue[T], upstream *Latch, fn func(T) error) (err error) {
	var (
		batch []T
		lost  int
	)
	defer func() {
		if n := q.Close() + lost; n > 0 {
			c.dropped.Add(int64(n))
			c.metrics.Dropped(c.id, string(s))(n)
		}
	}()
	for {
		select {
		case <-q.Ready():
		case <-upstream.Done():
		}
		batch = q.Drain(batch[:0])
		for i := range batch {
			if err := fn(batch[i]); err != nil {
				lost = len(batch) - i - 1
				return err
			}
		}
		clear(batch)
		if upstream.IsSet() && q.Len() == 0 {
			return nil
		}
	}
}

// createFile opens output file. Queue is closed if file cannot be
// created, so the producer stops feeding it.
func createFile[T any](c *Channel, s Stage, path string, q *queue.Queue[T]) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		if n := q.Close(); n > 0 {
			c.dropped.Add(int64(n))
			c.metrics.Dropped(c.id, string(s))(n)
		}
		return nil, fmt.Errorf("create output: %w", err)
	}
	return f, nil
}

// writeRawCSV writes every raw chunk as a row of comma-separated values.
func (c *Channel) writeRawCSV() (err error) {
	l := c.stageLogger(StageRawCSV)
	f, err := createFile(c, StageRawCSV, c.rawCSVPath, c.rawCSV)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close output: %w", cerr)
		}
	}()
	l.WithField("path", c.rawCSVPath).Debug("writing raw data")

	meter := c.metrics.Meter(c.id, string(StageRawCSV))
	var row []byte
	return consume(c, StageRawCSV, c.rawCSV, c.acquisitionDone, func(chunk sample.Chunk) error {
		row = append(chunk.AppendRow(row[:0]), '\n')
		if _, err := f.Write(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
		c.rawCSVWritten.Add(1)
		meter(1)
		return nil
	})
}

// writeRawDAC replays every raw chunk sample by sample to the analog
// output. A chunk which failed to replay is skipped.
func (c *Channel) writeRawDAC() error {
	l := c.stageLogger(StageRawDAC)
	meter := c.metrics.Meter(c.id, string(StageRawDAC))
	dropped := c.metrics.Dropped(c.id, string(StageRawDAC))
	return consume(c, StageRawDAC, c.rawDAC, c.acquisitionDone, func(chunk sample.Chunk) error {
		for i := 0; i < chunk.Len(); i++ {
			if err := c.setVoltage(chunk.Voltage(i)); err != nil {
				l.WithError(err).Warn("chunk skipped")
				c.dropped.Add(1)
				dropped(1)
				return nil
			}
		}
		c.rawDACWritten.Add(1)
		meter(1)
		return nil
	})
}

// logResultCSV writes every result as index,value,elapsed row. Index
// starts from 1 and value is the first output of the model.
func (c *Channel) logResultCSV() (err error) {
	l := c.stageLogger(StageResultCSV)
	f, err := createFile(c, StageResultCSV, c.resultCSVPath, c.resultCSV)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close output: %w", cerr)
		}
	}()
	l.WithField("path", c.resultCSVPath).Debug("logging results")

	meter := c.metrics.Meter(c.id, string(StageResultCSV))
	var (
		index int64
		row   []byte
	)
	return consume(c, StageResultCSV, c.resultCSV, c.processingDone, func(r Result) error {
		index++
		row = appendResult(row[:0], index, r)
		if _, err := f.Write(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
		c.resultCSVLogged.Add(1)
		meter(1)
		return nil
	})
}

// appendResult formats result row terminated with new line.
func appendResult(dst []byte, index int64, r Result) []byte {
	dst = strconv.AppendInt(dst, index, 10)
	dst = append(dst, ',')
	if r.Output != nil && r.Output.Len() > 0 {
		dst = r.Output.AppendValue(dst, 0)
	}
	dst = append(dst, ',')
	dst = strconv.AppendFloat(dst, r.Elapsed, 'f', 6, 64)
	return append(dst, '\n')
}

// writeResultDAC outputs the first value of every result to the analog
// output.
func (c *Channel) writeResultDAC() error {
	l := c.stageLogger(StageResultDAC)
	meter := c.metrics.Meter(c.id, string(StageResultDAC))
	dropped := c.metrics.Dropped(c.id, string(StageResultDAC))
	return consume(c, StageResultDAC, c.resultDAC, c.processingDone, func(r Result) error {
		var err error
		if r.Output == nil || r.Output.Len() == 0 {
			err = errEmptyOutput
		} else {
			err = c.setVoltage(r.Output.Voltage(0))
		}
		if err != nil {
			l.WithError(err).Warn("result skipped")
			c.dropped.Add(1)
			dropped(1)
			return nil
		}
		c.resultDACWritten.Add(1)
		meter(1)
		return nil
	})
}

// setVoltage writes clamped voltage to the channel output.
func (c *Channel) setVoltage(v float64) error {
	return c.generator.SetAmplitude(c.id, float32(sample.Clamp(v)))
}
