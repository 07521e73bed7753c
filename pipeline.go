package rpinfer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"pipelined.dev/rpinfer/log"
)

// newUID returns new unique id value.
func newUID() string {
	return xid.New().String()
}

// Run starts every stage of the channel in its own goroutine and blocks
// until all of them exit. Context cancellation interrupts the program.
// Returned error is the first stage failure wrapped into StageError.
func (c *Channel) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, c.shutdown.Interrupt)
	defer stop()

	var g errgroup.Group
	c.start(&g, StageAcquisition, c.acquire)
	c.start(&g, StageInference, c.infer)
	if c.rawCSV != nil {
		c.start(&g, StageRawCSV, c.writeRawCSV)
	}
	if c.rawDAC != nil {
		c.start(&g, StageRawDAC, c.writeRawDAC)
	}
	if c.resultCSV != nil {
		c.start(&g, StageResultCSV, c.logResultCSV)
	}
	if c.resultDAC != nil {
		c.start(&g, StageResultDAC, c.writeResultDAC)
	}
	err := g.Wait()
	c.log.WithField("acquired", c.acquired.Load()).Info("channel done")
	return err
}

// start runs the stage in the group. Failed stage is logged and its
// error is wrapped with stage details.
func (c *Channel) start(g *errgroup.Group, s Stage, fn func() error) {
	g.Go(func() error {
		err := stageError(c.id, s, fn())
		if err != nil && !errors.Is(err, ErrNotTriggered) {
			c.stageLogger(s).WithError(err).Error("stage failed")
		}
		return err
	})
}

// Pipeline runs independent channels which share shutdown coordinator.
type Pipeline struct {
	uid      string
	shutdown *Shutdown
	channels []*Channel
}

// NewPipeline creates channels for provided hardware channel ids. Every
// option is applied to each channel. Run id is added to loggers of all
// channels.
func NewPipeline(sd *Shutdown, ids []int, options ...Option) (*Pipeline, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no channels", ErrInvalidOption)
	}
	p := &Pipeline{
		uid:      newUID(),
		shutdown: sd,
		channels: make([]*Channel, 0, len(ids)),
	}
	options = append(options[:len(options):len(options)], withRun(p.uid))
	for _, id := range ids {
		c, err := NewChannel(id, sd, options...)
		if err != nil {
			return nil, err
		}
		p.channels = append(p.channels, c)
	}
	return p, nil
}

// withRun adds run id to channel logger.
func withRun(uid string) Option {
	return func(c *Channel) error {
		c.log = c.log.WithField(log.FieldRun, uid)
		return nil
	}
}

// ID returns unique id of the pipeline run.
func (p *Pipeline) ID() string {
	return p.uid
}

// Channels returns channels of the pipeline.
func (p *Pipeline) Channels() []*Channel {
	return p.channels
}

// Run runs all channels and blocks until every stage of every channel
// exits. Failure of one channel doesn't stop the others. Errors of all
// channels are joined.
func (p *Pipeline) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, len(p.channels))
	for i, c := range p.channels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.Run(ctx)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Stats returns statistics of every channel.
func (p *Pipeline) Stats() []Stats {
	stats := make([]Stats, 0, len(p.channels))
	for _, c := range p.channels {
		stats = append(stats, c.Stats())
	}
	return stats
}

// String returns pipeline run id.
func (p *Pipeline) String() string {
	return p.uid
}
