package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/Legatia/Tai/internal/config"
	redisSvc "github.com/Legatia/Tai/internal/service/redis"
	"github.com/Legatia/Tai/internal/service/server"
	"github.com/Legatia/Tai/internal/utils/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cfg := config.DefaultRelay()

	cmd := &cobra.Command{
		Use:   "tai-relay",
		Short: "Blind signaling relay for encrypted peer-to-peer rooms",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := log.Init(cfg.LogLevel, cfg.DevLog); err != nil {
				return err
			}
			defer log.Sync()

			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "address to serve /ws and /healthz on")
	f.Int64Var(&cfg.ReadLimit, "read-limit", cfg.ReadLimit, "max bytes per inbound frame")
	f.IntVar(&cfg.SendQueue, "send-queue", cfg.SendQueue, "outbound frames queued per connection")
	f.DurationVar(&cfg.PongWait, "pong-wait", cfg.PongWait, "drop a connection silent for this long")
	f.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "keepalive ping interval")
	f.Float64Var(&cfg.RateLimit, "rate", cfg.RateLimit, "inbound frames per second per connection")
	f.IntVar(&cfg.RateBurst, "burst", cfg.RateBurst, "inbound burst per connection")
	f.StringVar(&cfg.RedisURL, "redis", cfg.RedisURL, "redis url to share rooms across relay instances (e.g. redis://localhost:6379/0)")
	f.StringVar(&cfg.RedisChannel, "redis-channel", cfg.RedisChannel, "redis channel prefix for room events")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	f.BoolVar(&cfg.DevLog, "dev-log", cfg.DevLog, "human readable logs")
	return cmd
}

func run(ctx context.Context, cfg config.Relay) error {
	var backplane *server.RedisBackplane
	if cfg.RedisURL != "" {
		redis, err := redisSvc.NewRedisFromURL(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redis.Close()
		backplane = server.NewRedisBackplane(redis, cfg.RedisChannel, cfg.SendQueue)
	}

	var registry *server.Registry
	if backplane != nil {
		registry = server.NewRegistry(backplane)
		go func() {
			if err := backplane.Run(ctx, registry); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("backplane stopped", zap.Error(err))
			}
		}()
	} else {
		registry = server.NewRegistry(nil)
	}

	return server.NewHttpServer(cfg, registry).Run(ctx)
}
