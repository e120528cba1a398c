package connection

import (
	"time"

	"github.com/opd-ai/meshcore/dht"
)

// Config holds the connection manager's timing and health parameters.
type Config struct {
	// ConnectTimeout bounds a single connection attempt
	ConnectTimeout time.Duration
	// ConnectRetries is the number of attempts before giving up
	ConnectRetries int
	// RetryBackoff is the wait after the first failed attempt; it doubles
	// after every further failure up to MaxBackoff
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	// HealthInterval is the period of the health check loop; zero disables it
	HealthInterval time.Duration
	// MaxFailures consecutive failed exchanges drop a connection
	MaxFailures int
	// MinReliability is the score below which a failing peer is dropped
	MinReliability float64
	// EMAWeight is the weight of the newest latency or reliability sample
	EMAWeight float64
}

// DefaultConfig returns sensible defaults for connection management.
func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout: 3 * time.Second,
		ConnectRetries: 3,
		RetryBackoff:   200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		HealthInterval: 30 * time.Second,
		MaxFailures:    3,
		MinReliability: 0.1,
		EMAWeight:      dht.DefaultEMAWeight,
	}
}

func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}
	out := *c
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = def.ConnectTimeout
	}
	if out.ConnectRetries <= 0 {
		out.ConnectRetries = def.ConnectRetries
	}
	if out.RetryBackoff < 0 {
		out.RetryBackoff = 0
	}
	if out.MaxBackoff < out.RetryBackoff {
		out.MaxBackoff = out.RetryBackoff
	}
	if out.MaxFailures <= 0 {
		out.MaxFailures = def.MaxFailures
	}
	if out.EMAWeight <= 0 || out.EMAWeight > 1 {
		out.EMAWeight = def.EMAWeight
	}
	return &out
}

// backoff returns the wait after the given failed attempt, counted from 0.
func (c *Config) backoff(attempt int) time.Duration {
	d := c.RetryBackoff
	for i := 0; i < attempt && d < c.MaxBackoff; i++ {
		d *= 2
	}
	if d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	return d
}
