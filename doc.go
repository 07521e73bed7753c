/*
Package rpinfer runs real-time acquisition and inference pipelines for
dual-channel sampling boards.

# Concept

Every hardware channel gets its own pipeline. It's based on the idea that
the signal flows strictly downstream through up to four stages:

	Acquisition - reads chunks of samples from the hardware ring buffer;
	Distribution - fans every chunk out to the active raw queues;
	Inference - runs the model over every chunk;
	Sinks - persist or replay raw chunks and inference results;

It implies the following constraints:

	Acquisition and Inference are mandatory;
	There might be 0 to 4 Sinks, each consuming its own queue;
	Every stage is running in its own goroutine.

# Channels

A channel is created with options which define its collaborators and
active sinks:

	sd := rpinfer.NewShutdown(logger)
	c, err := rpinfer.NewChannel(1, sd,
	    rpinfer.WithDevice(device),
	    rpinfer.WithModel(model.Mean(1)),
	    rpinfer.WithChunkSize(256),
	    rpinfer.WithSinks(rpinfer.Sinks{RawCSV: true, ResultCSV: true}),
	)

Queues between stages are unbounded FIFO queues with a readiness signal,
refer to queue package documentation.

# Shutdown

Channels share a Shutdown value. It holds two one-way latches:
acquisition stop and program stop. Acquisition stop is set when the disk
is almost full, an overrun happened or the user interrupted the program.
It stops the producers, while consumers drain what was already queued.
Program stop is set only on interrupt, together with acquisition stop.
Consumers exit once upstream stages are done and their queues are empty,
so every acquired chunk is inferred and written by every active sink.

# Execution

Pipeline combines channels and runs them until every stage exits:

	p, err := rpinfer.NewPipeline(sd, []int{1, 2}, options...)
	if err != nil {
	    return err
	}
	err = p.Run(ctx)
	for _, s := range p.Stats() {
	    s.Report(os.Stdout)
	}
*/
package rpinfer
