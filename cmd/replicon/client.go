package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cyberinferno/go-replicon/client"
	"github.com/cyberinferno/go-replicon/config"
	"github.com/cyberinferno/go-replicon/logger"
	"github.com/cyberinferno/go-replicon/pingpong"
)

func clientCmd() *cobra.Command {
	var serverAddress string

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run a ping/pong client",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.ClientFromEnv()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("server") {
				cfg.ServerAddress = serverAddress
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runClient(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&serverAddress, "server", "S", "127.0.0.1:5000", "Server UDP address")

	return cmd
}

func runClient(parent context.Context, cfg config.Client) error {
	log := newLogger(cfg.Log, "replicon-client")
	defer log.Close()

	p, err := pingpong.NewProtocol(cfg.ProtocolID)
	if err != nil {
		return err
	}

	c, err := client.New(cfg.ClientConfig(), p.Events, p.Components, client.WithLogger(log))
	if err != nil {
		return err
	}
	app := pingpong.NewClientApp(c, cfg.PingInterval, cfg.PingMessage, log)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	c.OnConnectionState(func(e client.ConnectionStateEvent) {
		fields := []logger.Field{{Key: "state", Value: e.State.String()}, {Key: "server", Value: e.Address}}
		if e.Error != nil {
			fields = append(fields, logger.Field{Key: "error", Value: e.Error})
		}
		log.Info("connection state changed", fields...)

		if e.State == client.Disconnected && e.Error != nil && !cfg.AutoReconnect {
			cancel(e.Error)
		}
	})

	if err := c.Connect(); err != nil {
		return err
	}
	c.Run(ctx, cfg.TickRate)

	log.Info("client finished",
		logger.Field{Key: "pings", Value: app.Sent()},
		logger.Field{Key: "pongs", Value: len(app.Pongs())})

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}
