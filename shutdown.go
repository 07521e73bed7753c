package rpinfer

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"github.com/sirupsen/logrus"

	"pipelined.dev/rpinfer/log"
)

// Shutdown coordinates stop of every channel in the process. Zero value
// is not usable, use NewShutdown.
type Shutdown struct {
	stopAcquisition *Latch
	stopProgram     *Latch

	mu    sync.Mutex
	hooks []func()
	log   logrus.FieldLogger
}

// NewShutdown returns a new coordinator. Nil logger discards messages.
func NewShutdown(logger logrus.FieldLogger) *Shutdown {
	if logger == nil {
		logger = log.Discard()
	}
	return &Shutdown{
		stopAcquisition: NewLatch(),
		stopProgram:     NewLatch(),
		log:             logger,
	}
}

// OnInterrupt registers a hook executed once on the first interrupt.
func (s *Shutdown) OnInterrupt(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Interrupt stops the program: producers stop acquiring and consumers
// exit once upstream stages are done and their queues are empty. Only
// the first call has an effect.
func (s *Shutdown) Interrupt() {
	s.stopAcquisition.Set()
	if !s.stopProgram.Set() {
		return
	}
	s.log.Info("interrupt received, stopping")
	s.mu.Lock()
	hooks := s.hooks
	s.hooks = nil
	s.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// StopAcquisition stops producers gracefully. Consumers keep draining
// their queues until upstream stages are done.
func (s *Shutdown) StopAcquisition() {
	if s.stopAcquisition.Set() {
		s.log.Debug("acquisition stop requested")
	}
}

// AcquisitionStopped returns latch which is set when acquisition must
// stop.
func (s *Shutdown) AcquisitionStopped() *Latch {
	return s.stopAcquisition
}

// ProgramStopped returns latch which is set on interrupt.
func (s *Shutdown) ProgramStopped() *Latch {
	return s.stopProgram
}

// Listen installs process interrupt handler. The first os.Interrupt
// signal or the context cancellation triggers Interrupt and removes the
// handler, so the next signal terminates the process with default
// behavior. Returned function removes the handler and blocks until
// listener goroutine is done.
func (s *Shutdown) Listen(ctx context.Context) (stop func()) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt)
	return s.listen(ctx, sigc, func() { signal.Stop(sigc) })
}

// listen waits for the first signal on sigc or context cancellation and
// interrupts the program. Release is called exactly once, either after
// the interrupt or on stop.
func (s *Shutdown) listen(ctx context.Context, sigc <-chan os.Signal, release func()) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case sig := <-sigc:
			release()
			s.log.WithField("signal", sig.String()).Warn("signal received, send it again to force exit")
			s.Interrupt()
		case <-ctx.Done():
			release()
			s.Interrupt()
		case <-done:
			release()
			return
		}
		<-done
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		wg.Wait()
	}
}
