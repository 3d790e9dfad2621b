package session

import "time"

// BackoffConfig defines reconnect backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Credentials identify the gateway to the aggregator.
type Credentials struct {
	SystemID   string
	Password   string
	SystemType string
}

// Addressing holds the submit_sm defaults.
type Addressing struct {
	SourceAddr         string
	SourceTON          byte
	SourceNPI          byte
	DestTON            byte
	DestNPI            byte
	DataCoding         byte
	RegisteredDelivery bool
}

// Config defines session timers and limits.
type Config struct {
	Addr                 string
	Credentials          Credentials
	Addressing           Addressing
	ConnectTimeout       time.Duration
	BindTimeout          time.Duration
	ResponseTimeout      time.Duration
	WriteTimeout         time.Duration
	EnquireLinkInterval  time.Duration
	MaxMissedKeepalives  int
	CloseTimeout         time.Duration
	Backoff              BackoffConfig
	MaxReconnectAttempts int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Addressing: Addressing{
			SourceTON:          5,
			DestTON:            1,
			DestNPI:            1,
			RegisteredDelivery: true,
		},
		ConnectTimeout:      10 * time.Second,
		BindTimeout:         10 * time.Second,
		ResponseTimeout:     10 * time.Second,
		WriteTimeout:        10 * time.Second,
		EnquireLinkInterval: 10 * time.Second,
		MaxMissedKeepalives: 2,
		CloseTimeout:        5 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 2 * time.Second,
			Multiplier:   2.0,
			MaxDelay:     60 * time.Second,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.BindTimeout <= 0 {
		c.BindTimeout = d.BindTimeout
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = d.ResponseTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.EnquireLinkInterval <= 0 {
		c.EnquireLinkInterval = d.EnquireLinkInterval
	}
	if c.MaxMissedKeepalives <= 0 {
		c.MaxMissedKeepalives = d.MaxMissedKeepalives
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = d.CloseTimeout
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	if c.Backoff.Multiplier < 1.0 {
		c.Backoff.Multiplier = 2.0
	}
	return c
}
