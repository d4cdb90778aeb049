// Licensed under the MIT License. See LICENSE file in the project root for details.

package mvcc

import (
	"errors"
	"fmt"
	"time"

	"github.com/kianostad/epochgc/internal/concurrency/epoch"
)

// ErrInvalidConfig is wrapped by every Config validation failure.
var ErrInvalidConfig = errors.New("mvcc: invalid gc config")

const (
	// DefaultBackoffMin is the first idle sleep of a collector worker.
	DefaultBackoffMin = 100 * time.Microsecond
	// DefaultBackoffMax caps the idle sleep; it is DefaultBackoffMin doubled 13 times.
	DefaultBackoffMax = DefaultBackoffMin << 13
)

// Config controls the garbage collector.
type Config struct {
	// Workers is the number of collector goroutines, each with its own reclaim set.
	Workers int `json:"workers"`
	// BatchSize is the maximum number of garbage nodes one unlink pass dequeues.
	BatchSize int `json:"batch_size"`
	// GracePeriod is how long a node must stay idle after being published
	// before it may be retired.
	GracePeriod time.Duration `json:"grace_period"`
	BackoffMin  time.Duration `json:"backoff_min"`
	BackoffMax  time.Duration `json:"backoff_max"`
	// MaxTxnsPerEpoch bounds the completed transactions bound to one epoch.
	MaxTxnsPerEpoch int `json:"max_txns_per_epoch"`
	// RetireInOrder restricts retirement to the oldest leaf in the tree.
	// Disabling it retires any idle leaf, which is only safe when readers
	// never observe versions superseded by transactions of older epochs.
	RetireInOrder bool `json:"retire_in_order"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		Workers:         1,
		BatchSize:       256,
		GracePeriod:     50 * time.Millisecond,
		BackoffMin:      DefaultBackoffMin,
		BackoffMax:      DefaultBackoffMax,
		MaxTxnsPerEpoch: epoch.DefaultLeafCapacity,
		RetireInOrder:   true,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.Workers <= 0:
		return fmt.Errorf("%w: workers must be positive, got %d", ErrInvalidConfig, c.Workers)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidConfig, c.BatchSize)
	case c.GracePeriod < 0:
		return fmt.Errorf("%w: negative grace period %v", ErrInvalidConfig, c.GracePeriod)
	case c.BackoffMin <= 0:
		return fmt.Errorf("%w: backoff min must be positive, got %v", ErrInvalidConfig, c.BackoffMin)
	case c.BackoffMax < c.BackoffMin:
		return fmt.Errorf("%w: backoff max %v below min %v", ErrInvalidConfig, c.BackoffMax, c.BackoffMin)
	case c.MaxTxnsPerEpoch <= 0:
		return fmt.Errorf("%w: max txns per epoch must be positive, got %d", ErrInvalidConfig, c.MaxTxnsPerEpoch)
	}
	return nil
}

// WithDefaults replaces zero fields with their DefaultConfig values.
// RetireInOrder is left as given.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Workers == 0 {
		c.Workers = d.Workers
	}
	if c.BatchSize == 0 {
		c.BatchSize = d.BatchSize
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.BackoffMin == 0 {
		c.BackoffMin = d.BackoffMin
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = max(d.BackoffMax, c.BackoffMin)
	}
	if c.MaxTxnsPerEpoch == 0 {
		c.MaxTxnsPerEpoch = d.MaxTxnsPerEpoch
	}
	return c
}
