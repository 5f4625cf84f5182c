package consensus

import (
	"time"

	"github.com/pkg/errors"
)

// Config contains the static parameters of one replica.
type Config struct {
	ID NodeID
	N  int
	F  int

	// RequestTimeout bounds how long a queued request may wait for progress
	// before the replica suspects the primary.
	RequestTimeout time.Duration

	// ViewChangeTimeout is the initial time allowed for a view change to
	// complete. It doubles on each consecutive failed attempt, up to
	// MaxViewChangeTimeout.
	ViewChangeTimeout time.Duration

	// MaxViewChangeTimeout caps the doubled view-change timeout. Zero means
	// 64 times ViewChangeTimeout.
	MaxViewChangeTimeout time.Duration

	// WatermarkWindow is L: sequence numbers in (h, h+L] are processed,
	// where h is the last stable checkpoint.
	WatermarkWindow Seq

	// CheckpointInterval is K: a checkpoint is taken every K executions.
	CheckpointInterval Seq

	// MaxBuffered bounds messages held for a future view or window. It must
	// be positive.
	MaxBuffered int

	// MaxPending bounds requests waiting for a sequence number.
	MaxPending int
}

// DefaultConfig returns a four-replica configuration for replica id.
func DefaultConfig(id NodeID) Config {
	return Config{
		ID:                 id,
		N:                  4,
		F:                  1,
		RequestTimeout:     2 * time.Second,
		ViewChangeTimeout:  4 * time.Second,
		WatermarkWindow:    100,
		CheckpointInterval: 50,
		MaxBuffered:        10000,
		MaxPending:         10000,
	}
}

// Validate checks the n = 3f+1 invariant and the remaining bounds.
func (c Config) Validate() error {
	if c.F < 1 {
		return errors.Wrapf(ErrInvalidConfig, "f must be at least 1, got %d", c.F)
	}
	if c.N != 3*c.F+1 {
		return errors.Wrapf(ErrInvalidConfig, "n must equal 3f+1: n=%d f=%d", c.N, c.F)
	}
	if c.ID < 0 || int(c.ID) >= c.N {
		return errors.Wrapf(ErrInvalidConfig, "node id %d outside [0, %d)", c.ID, c.N)
	}
	if c.RequestTimeout <= 0 || c.ViewChangeTimeout <= 0 {
		return errors.Wrap(ErrInvalidConfig, "timeouts must be positive")
	}
	if c.CheckpointInterval == 0 || c.WatermarkWindow == 0 {
		return errors.Wrap(ErrInvalidConfig, "checkpoint interval and watermark window must be positive")
	}
	if c.CheckpointInterval > c.WatermarkWindow {
		return errors.Wrapf(ErrInvalidConfig, "checkpoint interval %d exceeds watermark window %d",
			c.CheckpointInterval, c.WatermarkWindow)
	}
	if c.MaxViewChangeTimeout < 0 || (c.MaxViewChangeTimeout > 0 && c.MaxViewChangeTimeout < c.ViewChangeTimeout) {
		return errors.Wrap(ErrInvalidConfig, "max view-change timeout must not be below the view-change timeout")
	}
	if c.MaxBuffered <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "max buffered must be positive, got %d", c.MaxBuffered)
	}
	if c.MaxPending < 0 {
		return errors.Wrap(ErrInvalidConfig, "max pending must not be negative")
	}
	return nil
}

// viewChangeCap is the upper bound of the doubling view-change timeout.
func (c Config) viewChangeCap() time.Duration {
	if c.MaxViewChangeTimeout > 0 {
		return c.MaxViewChangeTimeout
	}
	return 64 * c.ViewChangeTimeout
}

// Quorum is the certificate size 2f+1.
func (c Config) Quorum() int {
	return 2*c.F + 1
}

// WeakQuorum is f+1: enough to contain one honest replica.
func (c Config) WeakQuorum() int {
	return c.F + 1
}

// Primary returns the primary of view v.
func (c Config) Primary(v View) NodeID {
	return NodeID(uint64(v) % uint64(c.N)) // #nosec G115 - N is small and positive
}
