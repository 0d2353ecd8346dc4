package x402

import (
	"fmt"
	"time"
)

// TimeoutConfig bounds every blocking operation the gateway performs against the chain.
type TimeoutConfig struct {
	// LookupTimeout bounds a single read (receipt, transaction, log lookup).
	LookupTimeout time.Duration

	// SettleTimeout bounds a whole settlement, from submission to terminal receipt.
	SettleTimeout time.Duration

	// RequestTimeout bounds facilitator discovery calls made at startup.
	RequestTimeout time.Duration
}

// DefaultTimeouts are the timeouts used when a component is not configured explicitly.
var DefaultTimeouts = TimeoutConfig{
	LookupTimeout:  10 * time.Second,
	SettleTimeout:  30 * time.Second,
	RequestTimeout: 60 * time.Second,
}

// Validate checks that timeouts are positive and that a settlement may take at least as long
// as a lookup.
func (c TimeoutConfig) Validate() error {
	if c.LookupTimeout <= 0 {
		return fmt.Errorf("lookup timeout must be positive, got %v", c.LookupTimeout)
	}
	if c.SettleTimeout <= 0 {
		return fmt.Errorf("settle timeout must be positive, got %v", c.SettleTimeout)
	}
	if c.SettleTimeout < c.LookupTimeout {
		return fmt.Errorf("settle timeout (%v) must be >= lookup timeout (%v)", c.SettleTimeout, c.LookupTimeout)
	}
	return nil
}

// WithLookupTimeout returns a copy with LookupTimeout replaced.
func (c TimeoutConfig) WithLookupTimeout(d time.Duration) TimeoutConfig {
	c.LookupTimeout = d
	return c
}

// WithSettleTimeout returns a copy with SettleTimeout replaced.
func (c TimeoutConfig) WithSettleTimeout(d time.Duration) TimeoutConfig {
	c.SettleTimeout = d
	return c
}

// WithRequestTimeout returns a copy with RequestTimeout replaced.
func (c TimeoutConfig) WithRequestTimeout(d time.Duration) TimeoutConfig {
	c.RequestTimeout = d
	return c
}
