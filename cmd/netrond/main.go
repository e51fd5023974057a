package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/netwire/internal/config"
	"github.com/danmuck/netwire/internal/logging"
	"github.com/danmuck/netwire/internal/netron"
	"github.com/danmuck/netwire/internal/observability"
	"github.com/danmuck/netwire/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	path := flag.String("config", "cmd/netrond/config.toml", "netrond config path")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, *path); err != nil {
		fmt.Fprintf(os.Stderr, "netrond: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, path string) error {
	cfg, err := loadDaemonConfig(path)
	if err != nil {
		return err
	}
	nodeFile, err := config.LoadNode(cfg.NodeConfig)
	if err != nil {
		return err
	}
	if cfg.Listen != "" {
		nodeFile.Listen = cfg.Listen
	}
	nodeCfg, err := nodeFile.Netron()
	if err != nil {
		return err
	}

	logging.ConfigureRuntime()
	logger := observability.InitLogger("netrond", cfg.LogLevel)

	node, err := netron.New(nodeCfg)
	if err != nil {
		return err
	}
	defer node.Close()

	started := time.Now()
	sys, err := newSystem(node, started)
	if err != nil {
		return err
	}
	if _, err := node.AttachContext(sys, "system"); err != nil {
		return err
	}

	l, err := net.Listen("tcp", nodeFile.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", nodeFile.Listen, err)
	}
	logger.Info().Str("node", node.ID()).Str("addr", l.Addr().String()).Msg("netron listening")

	gin.SetMode(gin.ReleaseMode)
	admin := &http.Server{
		Addr:              cfg.AdminListen,
		Handler:           newAdminRouter(node, cfg, logger, started),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return node.Serve(gctx, l)
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.AdminListen).Msg("admin listening")
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return admin.Shutdown(shutdownCtx)
	})
	for _, p := range nodeFile.Peers {
		g.Go(func() error {
			dialPeer(gctx, node, p, peerBackoff, logger)
			return nil
		})
	}
	return g.Wait()
}

// peerBackoff paces redials of configured peers.
var peerBackoff = session.BackoffConfig{
	InitialDelay: 500 * time.Millisecond,
	Multiplier:   2,
	MaxDelay:     30 * time.Second,
	Jitter:       true,
}

// dialPeer connects to a configured peer, retrying until it succeeds or ctx ends.
func dialPeer(ctx context.Context, node *netron.Node, p config.PeerConfig, backoff session.BackoffConfig, logger zerolog.Logger) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		if delay := backoff.Delay(attempt, rng); delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		peer, err := node.Dial(ctx, p.Addr)
		if err == nil {
			logger.Info().Str("peer", peer.ID()).Str("name", p.Name).Str("addr", p.Addr).Int("attempt", attempt).Msg("peer connected")
			return
		}
		if errors.Is(err, netron.ErrAlreadyExists) || errors.Is(err, netron.ErrNotAllowed) {
			logger.Warn().Err(err).Str("addr", p.Addr).Msg("peer skipped")
			return
		}
		if ctx.Err() != nil {
			return
		}
		logger.Warn().Err(err).Str("addr", p.Addr).Int("attempt", attempt).Msg("peer dial failed")
	}
}
