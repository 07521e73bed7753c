package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"pipelined.dev/rpinfer/config"
	"pipelined.dev/rpinfer/sample"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print effective configuration",
		Long: `Print configuration after the file, environment and flags are
applied. The output is a valid configuration file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			data, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	addConfigFlags(cmd.Flags())
	return cmd
}

// addConfigFlags registers flags which override configuration values.
func addConfigFlags(fs *pflag.FlagSet) {
	fs.IntSlice("channel", nil, "hardware channels to acquire")
	fs.Int("chunk-size", 0, "number of samples in a chunk")
	fs.String("kind", "", "sample representation: int16, int8 or float32")
	fs.Bool("normalize", false, "normalize chunks before inference")
	fs.Bool("raw-csv", false, "write raw chunks to csv file")
	fs.Bool("raw-dac", false, "replay raw chunks to analog output")
	fs.Bool("result-csv", false, "log inference results to csv file")
	fs.Bool("result-dac", false, "write inference results to analog output")
	fs.String("model", "", "path to linear model weights")
	fs.String("metrics", "", "address of prometheus metrics endpoint")
	fs.Int("priority", 0, "real-time priority of inference threads, 0 disables it")
	fs.String("log-level", "", "log level")
}

// loadConfig loads configuration and applies flags which were set
// explicitly.
func loadConfig(fs *pflag.FlagSet) (config.Config, error) {
	path, err := fs.GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := applyFlags(fs, &cfg); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func applyFlags(fs *pflag.FlagSet, cfg *config.Config) error {
	var err error
	set := func(name string, fn func() error) {
		if err != nil || !fs.Changed(name) {
			return
		}
		if ferr := fn(); ferr != nil {
			err = fmt.Errorf("flag --%s: %w", name, ferr)
		}
	}
	set("channel", func() (err error) {
		cfg.Channels, err = fs.GetIntSlice("channel")
		return
	})
	set("chunk-size", func() (err error) {
		cfg.ChunkSize, err = fs.GetInt("chunk-size")
		return
	})
	set("kind", func() error {
		s, err := fs.GetString("kind")
		if err != nil {
			return err
		}
		cfg.Kind, err = sample.ParseKind(s)
		return err
	})
	set("normalize", func() (err error) {
		cfg.Normalize, err = fs.GetBool("normalize")
		return
	})
	set("raw-csv", func() (err error) {
		cfg.Sinks.RawCSV, err = fs.GetBool("raw-csv")
		return
	})
	set("raw-dac", func() (err error) {
		cfg.Sinks.RawDAC, err = fs.GetBool("raw-dac")
		return
	})
	set("result-csv", func() (err error) {
		cfg.Sinks.ResultCSV, err = fs.GetBool("result-csv")
		return
	})
	set("result-dac", func() (err error) {
		cfg.Sinks.ResultDAC, err = fs.GetBool("result-dac")
		return
	})
	set("model", func() (err error) {
		cfg.Model, err = fs.GetString("model")
		return
	})
	set("metrics", func() (err error) {
		cfg.Metrics, err = fs.GetString("metrics")
		return
	})
	set("priority", func() (err error) {
		cfg.Inference.Priority, err = fs.GetInt("priority")
		return
	})
	set("log-level", func() (err error) {
		cfg.LogLevel, err = fs.GetString("log-level")
		return
	})
	return err
}
