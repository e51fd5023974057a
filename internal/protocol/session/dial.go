package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/danmuck/netwire/internal/logging"
	"github.com/danmuck/netwire/internal/protocol"
)

// Dial connects to addr over TCP, or TLS when cfg.TLS is enabled, and runs
// the handshake. Transport failures are retried per cfg.Backoff; a server
// that refuses the handshake is not retried.
func Dial(ctx context.Context, addr string, cfg Config) (*Connection, error) {
	cfg = cfg.WithDefaults()
	logger := logging.Component("amqp.dial")
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var lastErr error
	for attempt := 1; attempt <= cfg.Backoff.attempts(); attempt++ {
		if delay := cfg.Backoff.Delay(attempt, rng); delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", protocol.ErrConnectFailed, ctx.Err())
			}
		}
		conn, err := dialTransport(ctx, addr, cfg)
		if err != nil {
			lastErr = err
			logger.Debug().Err(err).Int("attempt", attempt).Str("addr", addr).Msg("dial failed")
			continue
		}
		c, err := Open(ctx, conn, cfg)
		if err != nil {
			var refused *protocol.Error
			if errors.As(err, &refused) {
				return nil, err
			}
			lastErr = err
			logger.Debug().Err(err).Int("attempt", attempt).Str("addr", addr).Msg("handshake failed")
			continue
		}
		logger.Info().Str("addr", addr).Int("attempt", attempt).Msg("connected")
		return c, nil
	}
	return nil, lastErr
}

func dialTransport(ctx context.Context, addr string, cfg Config) (net.Conn, error) {
	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrConnectFailed, err)
	}
	if !cfg.TLS.Enabled {
		return conn, nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	tlsCfg, err := cfg.TLS.ClientConfig(host)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	tconn := tls.Client(conn, tlsCfg)
	hctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := tconn.HandshakeContext(hctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: tls: %v", protocol.ErrConnectFailed, err)
	}
	return tconn, nil
}
