package session

import (
	"fmt"
	"time"

	"github.com/danmuck/netwire/internal/protocol"
	"github.com/danmuck/netwire/internal/protocol/field"
	"github.com/danmuck/netwire/internal/protocol/frame"
)

// BackoffConfig defines dial retry behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
	// MaxAttempts bounds Dial retries; zero means a single attempt.
	MaxAttempts int
}

// Config holds the client side of connection negotiation plus the timeouts
// applied to handshakes and synchronous channel calls.
//
// ChannelMax, FrameMax and Heartbeat are proposals. The server may lower them;
// the negotiated value is the smaller non-zero of the two.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	RPCTimeout       time.Duration
	CloseTimeout     time.Duration
	Heartbeat        time.Duration
	ChannelMax       uint16
	FrameMax         uint32
	Vhost            string
	Locale           string
	Properties       field.Table
	Auth             []Authentication
	TLS              TLSConfig
	Backoff          BackoffConfig
}

// DefaultConfig returns client defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		RPCTimeout:       15 * time.Second,
		CloseTimeout:     5 * time.Second,
		Heartbeat:        10 * time.Second,
		ChannelMax:       2047,
		FrameMax:         128 * 1024,
		Vhost:            "/",
		Locale:           "en_US",
		Auth:             []Authentication{&PlainAuth{Username: "guest", Password: "guest"}},
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
			MaxAttempts:  1,
		},
	}
}

// WithDefaults fills every zero field except Heartbeat, where zero asks the
// server not to send heartbeats.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = d.RPCTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = d.CloseTimeout
	}
	if c.ChannelMax == 0 {
		c.ChannelMax = d.ChannelMax
	}
	if c.FrameMax == 0 {
		c.FrameMax = d.FrameMax
	}
	if c.Vhost == "" {
		c.Vhost = d.Vhost
	}
	if c.Locale == "" {
		c.Locale = d.Locale
	}
	if len(c.Auth) == 0 {
		c.Auth = d.Auth
	}
	if c.Backoff.InitialDelay <= 0 && c.Backoff.MaxAttempts == 0 {
		c.Backoff = d.Backoff
	}
	return c
}

func (c Config) Validate() error {
	if c.FrameMax != 0 && c.FrameMax < frame.MinFrameMax {
		return fmt.Errorf("%w: frame_max=%d below %d", protocol.ErrInvalidArgument, c.FrameMax, frame.MinFrameMax)
	}
	if c.Heartbeat < 0 || c.Heartbeat > time.Duration(^uint16(0))*time.Second {
		return fmt.Errorf("%w: heartbeat=%s out of range", protocol.ErrInvalidArgument, c.Heartbeat)
	}
	if err := field.Validate(c.Properties); err != nil {
		return fmt.Errorf("%w: client properties: %v", protocol.ErrInvalidArgument, err)
	}
	return nil
}
