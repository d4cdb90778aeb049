// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package config loads engine configuration from Jsonnet files.
//
// Every environment variable of the process is exposed to the file through
// std.extVar(), so a configuration can be shared between deployments:
//
//	{
//	  gc: {
//	    workers: std.parseInt(std.extVar('GC_WORKERS')),
//	    gracePeriod: '50ms',
//	  },
//	  epochInterval: '40ms',
//	  logLevel: 'debug',
//	}
//
// Durations are written as Go duration strings. Fields left out keep the
// values of Default().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/go-jsonnet"

	"github.com/kianostad/epochgc/internal/concurrency/epoch"
	"github.com/kianostad/epochgc/internal/monitoring/metrics"
	"github.com/kianostad/epochgc/internal/storage/mvcc"
)

var (
	ErrRead      = errors.New("config: failed to read file contents")
	ErrEvaluate  = errors.New("config: failed to evaluate configuration")
	ErrUnmarshal = errors.New("config: failed to unmarshal configuration")
)

// Duration is a time.Duration that reads and writes Go duration strings.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// GC mirrors mvcc.Config with string durations.
type GC struct {
	Workers         int      `json:"workers"`
	BatchSize       int      `json:"batchSize"`
	GracePeriod     Duration `json:"gracePeriod"`
	BackoffMin      Duration `json:"backoffMin"`
	BackoffMax      Duration `json:"backoffMax"`
	MaxTxnsPerEpoch int      `json:"maxTxnsPerEpoch"`
	RetireInOrder   bool     `json:"retireInOrder"`
}

// QueryHistory configures the query history pool. It is disabled unless Enabled is set.
type QueryHistory struct {
	Enabled bool `json:"enabled"`
	Workers int  `json:"workers"`
	Buffer  int  `json:"buffer"`
}

// Metrics configures collector metrics.
type Metrics struct {
	BufferSize       int  `json:"bufferSize"`
	LatencyBuffer    int  `json:"latencyBuffer"`
	EnablePrometheus bool `json:"enablePrometheus"`
}

// Config is the complete engine configuration.
type Config struct {
	GC            GC           `json:"gc"`
	EpochInterval Duration     `json:"epochInterval"`
	QueryHistory  QueryHistory `json:"queryHistory"`
	Metrics       Metrics      `json:"metrics"`
	LogLevel      string       `json:"logLevel"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	gc := mvcc.DefaultConfig()
	m := metrics.DefaultMetricsConfig()
	return Config{
		GC: GC{
			Workers:         gc.Workers,
			BatchSize:       gc.BatchSize,
			GracePeriod:     Duration(gc.GracePeriod),
			BackoffMin:      Duration(gc.BackoffMin),
			BackoffMax:      Duration(gc.BackoffMax),
			MaxTxnsPerEpoch: gc.MaxTxnsPerEpoch,
			RetireInOrder:   gc.RetireInOrder,
		},
		EpochInterval: Duration(epoch.DefaultInterval),
		QueryHistory:  QueryHistory{Workers: 1, Buffer: 1024},
		Metrics: Metrics{
			BufferSize:    m.BufferSize,
			LatencyBuffer: m.LatencyBuffer,
		},
		LogLevel: "info",
	}
}

// LoadFile reads a Jsonnet file, or standard input when path is "-", and
// evaluates it on top of Default().
func LoadFile(path string) (Config, error) {
	var input []byte
	var err error
	if path == "-" {
		input, err = io.ReadAll(os.Stdin)
	} else {
		input, err = os.ReadFile(path)
	}
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrRead, err)
	}
	return Load(path, string(input), os.Environ())
}

// Load evaluates a Jsonnet snippet with env (KEY=VALUE pairs) available
// through std.extVar() and decodes the result on top of Default().
func Load(filename, snippet string, env []string) (Config, error) {
	vm := jsonnet.MakeVM()
	for _, kv := range env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return Config{}, fmt.Errorf("%w: invalid environment variable %q", ErrEvaluate, kv)
		}
		vm.ExtVar(key, value)
	}

	output, err := vm.EvaluateAnonymousSnippet(filename, snippet)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrEvaluate, err)
	}

	cfg := Default()
	dec := json.NewDecoder(strings.NewReader(output))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrUnmarshal, err)
	}
	if err := cfg.MVCC().Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MVCC converts the collector section.
func (c Config) MVCC() mvcc.Config {
	return mvcc.Config{
		Workers:         c.GC.Workers,
		BatchSize:       c.GC.BatchSize,
		GracePeriod:     time.Duration(c.GC.GracePeriod),
		BackoffMin:      time.Duration(c.GC.BackoffMin),
		BackoffMax:      time.Duration(c.GC.BackoffMax),
		MaxTxnsPerEpoch: c.GC.MaxTxnsPerEpoch,
		RetireInOrder:   c.GC.RetireInOrder,
	}
}

// MetricsConfig converts the metrics section.
func (c Config) MetricsConfig() metrics.MetricsConfig {
	return metrics.MetricsConfig{
		BufferSize:       c.Metrics.BufferSize,
		LatencyBuffer:    c.Metrics.LatencyBuffer,
		EnablePrometheus: c.Metrics.EnablePrometheus,
	}
}

// Level parses LogLevel, falling back to info.
func (c Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
