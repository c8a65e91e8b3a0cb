package distance

import (
	"fmt"
	"time"

	"github.com/danmuck/rangectl/internal/hci"
)

// BackoffConfig shapes the delay between timed retries.
type BackoffConfig struct {
	Multiplier float64
	MaxDelay   time.Duration
	Jitter     bool
}

// NoRetries disables a retry policy. Zero retry fields mean "use the default".
const NoRetries = -1

// Config defines session retry and command defaults.
type Config struct {
	MaxConfigRetries          int
	MaxEnableRetries          int
	// EnableRetryMargin is added to the requested interval before a
	// procedure-enable retry.
	EnableRetryMargin         time.Duration
	EnableRetryBackoff        BackoffConfig
	// PrefetchLocalCapabilities reads local capabilities as soon as Run starts.
	PrefetchLocalCapabilities bool
	MaxTxPower                int8
	ChannelMap                hci.ChannelMap
}

func DefaultConfig() Config {
	return Config{
		MaxConfigRetries:          3,
		MaxEnableRetries:          3,
		EnableRetryMargin:         10 * time.Millisecond,
		EnableRetryBackoff:        BackoffConfig{Multiplier: 1.0},
		PrefetchLocalCapabilities: true,
		MaxTxPower:                20,
		ChannelMap:                hci.DefaultChannelMap,
	}
}

// WithDefaults fills unset fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MaxConfigRetries == 0 {
		c.MaxConfigRetries = d.MaxConfigRetries
	}
	if c.MaxEnableRetries == 0 {
		c.MaxEnableRetries = d.MaxEnableRetries
	}
	if c.EnableRetryMargin == 0 {
		c.EnableRetryMargin = d.EnableRetryMargin
	}
	if c.EnableRetryBackoff.Multiplier == 0 {
		c.EnableRetryBackoff.Multiplier = d.EnableRetryBackoff.Multiplier
	}
	if c.MaxTxPower == 0 {
		c.MaxTxPower = d.MaxTxPower
	}
	if c.ChannelMap == (hci.ChannelMap{}) {
		c.ChannelMap = d.ChannelMap
	}
	return c
}

func (c Config) Validate() error {
	if c.MaxConfigRetries < NoRetries {
		return fmt.Errorf("%w: max config retries %d", ErrInvalidConfig, c.MaxConfigRetries)
	}
	if c.MaxEnableRetries < NoRetries {
		return fmt.Errorf("%w: max enable retries %d", ErrInvalidConfig, c.MaxEnableRetries)
	}
	if c.EnableRetryMargin < 0 {
		return fmt.Errorf("%w: enable retry margin %s", ErrInvalidConfig, c.EnableRetryMargin)
	}
	if c.EnableRetryBackoff.Multiplier < 1.0 {
		return fmt.Errorf("%w: enable retry multiplier %v", ErrInvalidConfig, c.EnableRetryBackoff.Multiplier)
	}
	return nil
}

// retryLimit maps a configured retry count to a budget, NoRetries becoming 0.
func retryLimit(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
