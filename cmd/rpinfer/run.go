package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pipelined.dev/rpinfer"
	"pipelined.dev/rpinfer/config"
	"pipelined.dev/rpinfer/hw"
	"pipelined.dev/rpinfer/hw/sim"
	"pipelined.dev/rpinfer/log"
	"pipelined.dev/rpinfer/metric"
	"pipelined.dev/rpinfer/model"
	"pipelined.dev/rpinfer/sysutil"
)

func newRunCommand() *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Acquire and infer until interrupted",
		Long: `Wait for the trigger on every channel, then acquire chunks and run
inference on them. Acquisition stops on interrupt, when disk space is
low, on ring buffer overrun or when a queue is full. Statistics of every
channel are printed on exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			return run(ctx, cfg, cmd.OutOrStdout())
		},
	}
	addConfigFlags(cmd.Flags())
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after duration, 0 runs until interrupted")
	return cmd
}

// run executes the pipeline defined by configuration and writes stats
// of every channel to out.
func run(ctx context.Context, cfg config.Config, out io.Writer) error {
	logger := log.GetLogger()
	if err := log.SetLevel(logger, cfg.LogLevel); err != nil {
		return err
	}
	if err := prepareOutputs(cfg.Output); err != nil {
		return err
	}

	device, err := openDevice(cfg.Device)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	defer func() {
		if cerr := device.Close(); cerr != nil {
			logger.WithError(cerr).Warn("device close failed")
		}
	}()
	m, err := model.Load(cfg.Model)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics, err := metric.New(reg)
	if err != nil {
		return err
	}
	if cfg.Metrics != "" {
		stop := serveMetrics(logger, reg, cfg.Metrics)
		defer stop()
	}

	sd := rpinfer.NewShutdown(logger)
	stop := sd.Listen(ctx)
	defer stop()

	options := append(cfg.Options(),
		rpinfer.WithDevice(device),
		rpinfer.WithModel(m),
		rpinfer.WithLogger(logger),
		rpinfer.WithMetrics(metrics),
		rpinfer.WithDiskProbe(sysutil.Disk{}, cfg.Disk.Path, cfg.Disk.Threshold),
	)
	p, err := rpinfer.NewPipeline(sd, cfg.Channels, options...)
	if err != nil {
		return err
	}
	logger.WithField(log.FieldRun, p.ID()).WithField("channels", cfg.Channels).Info("pipeline started")
	runErr := p.Run(ctx)

	fmt.Fprintf(out, "Run %s\n", p.ID())
	for _, s := range p.Stats() {
		if err := s.Report(out); err != nil {
			return err
		}
	}
	if failed(runErr) {
		return runErr
	}
	return nil
}

// openDevice opens acquisition hardware of the configured driver.
func openDevice(cfg config.Device) (hw.Device, error) {
	switch cfg.Driver {
	case config.DriverSim:
		return sim.Open(cfg.Sim)
	default:
		return nil, fmt.Errorf("unknown device driver %q", cfg.Driver)
	}
}

// failed reports if pipeline error is caused by anything but channels
// stopped before trigger.
func failed(err error) bool {
	if err == nil {
		return false
	}
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return !errors.Is(err, rpinfer.ErrNotTriggered)
	}
	for _, e := range joined.Unwrap() {
		if failed(e) {
			return true
		}
	}
	return false
}

// serveMetrics starts prometheus endpoint. Returned function shuts the
// server down.
func serveMetrics(logger logrus.FieldLogger, reg *prometheus.Registry, addr string) func() {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics endpoint failed")
		}
	}()
	logger.WithField("addr", addr).Info("serving metrics")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.WithError(err).Warn("metrics endpoint shutdown failed")
		}
		<-done
	}
}
