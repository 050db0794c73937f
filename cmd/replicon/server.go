package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-replicon/config"
	"github.com/cyberinferno/go-replicon/logger"
	"github.com/cyberinferno/go-replicon/metrics"
	"github.com/cyberinferno/go-replicon/ops"
	"github.com/cyberinferno/go-replicon/pingpong"
	"github.com/cyberinferno/go-replicon/presence"
	"github.com/cyberinferno/go-replicon/server"
)

func serverCmd() *cobra.Command {
	var (
		address        string
		metricsAddress string
		presenceMode   string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the ping/pong server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.ServerFromEnv()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("address") {
				cfg.Address = address
			}
			if cmd.Flags().Changed("metrics-address") {
				cfg.MetricsAddress = metricsAddress
			}
			if cmd.Flags().Changed("presence") {
				cfg.PresenceBackend = presenceMode
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", ":5000", "UDP address to listen on")
	cmd.Flags().StringVar(&metricsAddress, "metrics-address", ":9090", "HTTP address for /metrics, /healthz and /sessions; empty disables it")
	cmd.Flags().StringVar(&presenceMode, "presence", "memory", "Presence backend: memory, redis or none")

	return cmd
}

func runServer(parent context.Context, cfg config.Server) error {
	instance := uuid.NewString()
	log := newLogger(cfg.Log, "replicon-server").With(logger.Field{Key: "instance", Value: instance})
	defer log.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(metrics.WithRegistry(reg))

	p, err := pingpong.NewProtocol(cfg.ProtocolID)
	if err != nil {
		return err
	}

	dir, closeDir, err := openPresence(cfg, instance)
	if err != nil {
		return err
	}
	defer closeDir()

	// Only the insecure authenticator ships; New refuses it unless
	// REPLICON_ALLOW_INSECURE is set.
	opts := []server.Option{server.WithLogger(log), server.WithMetrics(m)}

	var tracker *presence.Tracker
	if dir != nil {
		tracker = presence.NewTracker(dir, instance, presence.WithTTL(cfg.PresenceTTL), presence.WithLogger(log))
		opts = append(opts, server.WithSubscriber(tracker))
	}

	srv, err := server.New(cfg.ServerConfig(), p.Events, p.Components, opts...)
	if err != nil {
		return err
	}
	pingpong.NewServerApp(srv, log)

	if err := srv.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, cfg.TickRate)
	})

	if tracker != nil {
		g.Go(func() error {
			return tracker.Run(gctx)
		})
	}

	if cfg.MetricsAddress != "" {
		httpServer := &http.Server{
			Addr:              cfg.MetricsAddress,
			Handler:           ops.NewRouter(srv, srv.Now, dir, reg, log),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("ops endpoint listening", logger.Field{Key: "addr", Value: cfg.MetricsAddress})
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops endpoint: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if srv.Running() {
		srv.Stop()
	}
	return err
}

// openPresence builds the configured directory; nil when disabled.
func openPresence(cfg config.Server, instance string) (presence.Directory, func(), error) {
	switch cfg.PresenceBackend {
	case "memory":
		return presence.NewMemoryDirectory(cfg.PresenceTTL), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		dir := presence.NewRedisDirectory(client, cfg.PresencePrefix+":"+instance)

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := dir.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return dir, func() { _ = client.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}
