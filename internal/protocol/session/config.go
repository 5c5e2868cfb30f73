package session

import "time"

// SecurityMode selects how strictly transport security is enforced.
type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig configures client-side TLS toward directory and exchange services.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines protocol timing and transport defaults.
type Config struct {
	// MsgTimeout bounds propose, select and confirm calls.
	MsgTimeout time.Duration
	// ReconnectWait is the fixed pause before a subscription loop re-dials.
	ReconnectWait time.Duration
	// MigrationWait is how long a locked negotiation state waits before it is reset.
	MigrationWait time.Duration
	// DefaultKeepalive is used when the directory returns a non-positive interval.
	DefaultKeepalive time.Duration

	ConnectTimeout     time.Duration
	MaxConnectAttempts int
	Backoff            BackoffConfig

	SecurityMode SecurityMode
	TLS          TLSConfig
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		MsgTimeout:         20 * time.Second,
		ReconnectWait:      5 * time.Second,
		MigrationWait:      30 * time.Second,
		DefaultKeepalive:   10 * time.Second,
		ConnectTimeout:     5 * time.Second,
		MaxConnectAttempts: 3,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		SecurityMode: SecurityModeDevelopment,
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.MsgTimeout <= 0 {
		c.MsgTimeout = def.MsgTimeout
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = def.ReconnectWait
	}
	if c.MigrationWait <= 0 {
		c.MigrationWait = def.MigrationWait
	}
	if c.DefaultKeepalive <= 0 {
		c.DefaultKeepalive = def.DefaultKeepalive
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.MaxConnectAttempts == 0 {
		c.MaxConnectAttempts = def.MaxConnectAttempts
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	return c
}
