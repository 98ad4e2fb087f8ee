package session

import (
	"errors"
	"time"
)

var ErrInvalidPullWait = errors.New("session: pull wait must be positive")

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines hub session reliability defaults.
type Config struct {
	// PullWait bounds one blocking pull on the session.
	PullWait          time.Duration
	ConnectTimeout    time.Duration
	OperationTimeout  time.Duration
	AckWait           time.Duration
	MaxDeliver        int
	HeartbeatInterval time.Duration
	Backoff           BackoffConfig
	SecurityMode      SecurityMode
	TLS               TLSConfig
}

// DefaultConfig returns the defaults used by devicectl.
func DefaultConfig() Config {
	return Config{
		PullWait:          5 * time.Second,
		ConnectTimeout:    5 * time.Second,
		OperationTimeout:  10 * time.Second,
		AckWait:           30 * time.Second,
		MaxDeliver:        5,
		HeartbeatInterval: 30 * time.Second,
		SecurityMode:      SecurityModeDevelopment,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.PullWait <= 0 {
		c.PullWait = d.PullWait
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = d.OperationTimeout
	}
	if c.AckWait <= 0 {
		c.AckWait = d.AckWait
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = d.MaxDeliver
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = d.Backoff
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	return c
}

func (c Config) Validate() error {
	if c.PullWait <= 0 {
		return ErrInvalidPullWait
	}
	return c.ValidateClientTransport()
}
