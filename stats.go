package rpinfer

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Stats is a snapshot of channel counters.
type Stats struct {
	Channel   int
	Sinks     Sinks
	Triggered bool
	// Duration of acquisition from trigger until acquisition exit.
	Duration  time.Duration
	Acquired  int64
	Inferred  int64
	RawCSV    int64
	RawDAC    int64
	ResultCSV int64
	ResultDAC int64
	Dropped   int64
	Overruns  int64
	// Latency of model calls in milliseconds over recent results.
	Latency Latency
	// Queues of active consumers, model queue first.
	Queues []QueueStats
}

// QueueStats counts items which passed through the queue of a consumer.
type QueueStats struct {
	Stage  Stage
	Pushed int64
	Popped int64
}

// Backlog returns number of items which were queued but never reached
// the consumer.
func (q QueueStats) Backlog() int64 {
	return q.Pushed - q.Popped
}

// Latency summarizes recent model call durations in milliseconds.
type Latency struct {
	Count  int
	Mean   float64
	StdDev float64
	P99    float64
}

// Stats returns current counters of the channel. It's safe to call
// while channel is running.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	triggeredAt, endedAt := c.triggeredAt, c.endedAt
	values := c.latencies.snapshot()
	c.mu.Unlock()

	s := Stats{
		Channel:   c.id,
		Sinks:     c.sinks,
		Triggered: !triggeredAt.IsZero(),
		Acquired:  c.acquired.Load(),
		Inferred:  c.inferred.Load(),
		RawCSV:    c.rawCSVWritten.Load(),
		RawDAC:    c.rawDACWritten.Load(),
		ResultCSV: c.resultCSVLogged.Load(),
		ResultDAC: c.resultDACWritten.Load(),
		Dropped:   c.dropped.Load(),
		Overruns:  c.overruns.Load(),
		Latency:   summarize(values),
		Queues:    c.queueStats(),
	}
	switch {
	case !s.Triggered:
	case endedAt.IsZero():
		s.Duration = time.Since(triggeredAt)
	default:
		s.Duration = endedAt.Sub(triggeredAt)
	}
	return s
}

func (c *Channel) queueStats() []QueueStats {
	var qs []QueueStats
	add := func(s Stage, count func() (int64, int64)) {
		pushed, popped := count()
		qs = append(qs, QueueStats{Stage: s, Pushed: pushed, Popped: popped})
	}
	if c.modelQueue != nil {
		add(StageInference, c.modelQueue.Count)
	}
	if c.rawCSV != nil {
		add(StageRawCSV, c.rawCSV.Count)
	}
	if c.rawDAC != nil {
		add(StageRawDAC, c.rawDAC.Count)
	}
	if c.resultCSV != nil {
		add(StageResultCSV, c.resultCSV.Count)
	}
	if c.resultDAC != nil {
		add(StageResultDAC, c.resultDAC.Count)
	}
	return qs
}

func summarize(values []float64) Latency {
	if len(values) == 0 {
		return Latency{}
	}
	sort.Float64s(values)
	mean, std := stat.MeanStdDev(values, nil)
	if len(values) == 1 {
		std = 0
	}
	return Latency{
		Count:  len(values),
		Mean:   mean,
		StdDev: std,
		P99:    stat.Quantile(0.99, stat.Empirical, values, nil),
	}
}

// Report writes human-readable statistics. Counters of inactive sinks
// are omitted.
func (s Stats) Report(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Channel %d\n", s.Channel)
	if s.Triggered {
		fmt.Fprintf(tw, "Acquisition duration:\t%s\n", formatDuration(s.Duration))
	} else {
		fmt.Fprintf(tw, "Acquisition duration:\tnot triggered\n")
	}
	fmt.Fprintf(tw, "Total data acquired:\t%d\n", s.Acquired)
	if s.Sinks.RawCSV {
		fmt.Fprintf(tw, "Total lines written to csv file:\t%d\n", s.RawCSV)
	}
	if s.Sinks.RawDAC {
		fmt.Fprintf(tw, "Total chunks written to dac:\t%d\n", s.RawDAC)
	}
	fmt.Fprintf(tw, "Total model calculated:\t%d\n", s.Inferred)
	if s.Sinks.ResultCSV {
		fmt.Fprintf(tw, "Total results logged to csv file:\t%d\n", s.ResultCSV)
	}
	if s.Sinks.ResultDAC {
		fmt.Fprintf(tw, "Total results written to dac:\t%d\n", s.ResultDAC)
	}
	if s.Dropped > 0 {
		fmt.Fprintf(tw, "Dropped:\t%d\n", s.Dropped)
	}
	if s.Overruns > 0 {
		fmt.Fprintf(tw, "Overruns:\t%d\n", s.Overruns)
	}
	for _, q := range s.Queues {
		if n := q.Backlog(); n > 0 {
			fmt.Fprintf(tw, "Left in %s queue:\t%d\n", q.Stage, n)
		}
	}
	if s.Latency.Count > 0 {
		fmt.Fprintf(tw, "Inference latency (ms):\tmean %.3f stddev %.3f p99 %.3f over %d\n",
			s.Latency.Mean, s.Latency.StdDev, s.Latency.P99, s.Latency.Count)
	}
	return tw.Flush()
}

// formatDuration formats duration as minutes, seconds and milliseconds.
func formatDuration(d time.Duration) string {
	ms := d.Milliseconds()
	return fmt.Sprintf("%d min %d sec %d ms", ms/60000, (ms%60000)/1000, ms%1000)
}
