package rpinfer

import (
	"errors"
	"fmt"
)

var (
	// ErrNotTriggered is returned if acquisition was stopped before
	// trigger happened.
	ErrNotTriggered = errors.New("stopped before trigger")
	// ErrOverrun is reported when hardware writer outpaced the reader by
	// a full ring buffer.
	ErrOverrun = errors.New("ring buffer overrun")
	// ErrBackpressure is reported when a queue reached its limit.
	ErrBackpressure = errors.New("queue backpressure")
)

// Stage identifies a pipeline stage.
type Stage string

// Pipeline stages.
const (
	StageAcquisition Stage = "acquisition"
	StageInference   Stage = "inference"
	StageRawCSV      Stage = "raw-csv"
	StageRawDAC      Stage = "raw-dac"
	StageResultCSV   Stage = "result-csv"
	StageResultDAC   Stage = "result-dac"
)

// StageError is returned if stage of the channel was successfully
// started, but its execution failed.
type StageError struct {
	Channel int
	Stage   Stage
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("channel %d %s: %v", e.Channel, e.Stage, e.Err)
}

// Unwrap returns underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// stageError wraps non-nil error with stage details.
func stageError(ch int, s Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Channel: ch, Stage: s, Err: err}
}
