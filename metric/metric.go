// Package metric exposes pipeline counters as prometheus collectors.
package metric

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rpinfer"

const (
	channelLabel = "channel"
	stageLabel   = "stage"
)

// Metrics holds collectors of all channels. Nil Metrics is valid and
// measures nothing.
type Metrics struct {
	items    *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	overruns *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// MeasureFunc captures number of processed items.
type MeasureFunc func(n int)

// LatencyFunc captures duration of a single call.
type LatencyFunc func(time.Duration)

// New creates collectors and registers them with provided registerer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Number of items processed by pipeline stage.",
		}, []string{channelLabel, stageLabel}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Number of items dropped because stage consumer exited.",
		}, []string{channelLabel, stageLabel}),
		overruns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overruns_total",
			Help:      "Number of ring buffer overruns.",
		}, []string{channelLabel}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Duration of a single model call.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{channelLabel}),
	}
	for _, c := range []prometheus.Collector{m.items, m.dropped, m.overruns, m.latency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Meter returns a closure which counts items processed by the stage of
// the channel.
func (m *Metrics) Meter(channel int, stage string) MeasureFunc {
	if m == nil {
		return func(int) {}
	}
	c := m.items.WithLabelValues(strconv.Itoa(channel), stage)
	return func(n int) {
		c.Add(float64(n))
	}
}

// Dropped returns a closure which counts items dropped for the stage of
// the channel.
func (m *Metrics) Dropped(channel int, stage string) MeasureFunc {
	if m == nil {
		return func(int) {}
	}
	c := m.dropped.WithLabelValues(strconv.Itoa(channel), stage)
	return func(n int) {
		c.Add(float64(n))
	}
}

// Overrun counts overrun of the channel.
func (m *Metrics) Overrun(channel int) {
	if m == nil {
		return
	}
	m.overruns.WithLabelValues(strconv.Itoa(channel)).Inc()
}

// Latency returns a closure which observes model call durations of the
// channel.
func (m *Metrics) Latency(channel int) LatencyFunc {
	if m == nil {
		return func(time.Duration) {}
	}
	o := m.latency.WithLabelValues(strconv.Itoa(channel))
	return func(d time.Duration) {
		o.Observe(d.Seconds())
	}
}
