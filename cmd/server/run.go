package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/gateway"
	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/transport"
)

const httpShutdownTimeout = 5 * time.Second

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyEnv()

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = listenAddr
	}
	if flags.Changed("http") {
		cfg.HTTP.Addr = httpAddr
	}
	if flags.Changed("framing") {
		if _, err := transport.ParseFraming(framingMode); err != nil {
			return nil, err
		}
		cfg.Framing = framingMode
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}

	cfg.Sanitize()
	return cfg, nil
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Log)
	log := logging.Module(logger, "main")

	framing, err := transport.ParseFraming(cfg.Framing)
	if err != nil {
		return err
	}
	tcp, err := transport.ListenTCP(cfg.Listen, transport.TCPOptions{
		Framing:      framing,
		MaxMessage:   cfg.FrameSize - 1,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}
	log.Info().Str("addr", tcp.Addr()).Str("framing", cfg.Framing).Msg("Starting roomchat server")

	listeners := []transport.Listener{tcp}
	var wsListener *transport.WebSocketListener
	if cfg.HTTP.Addr != "" {
		wsListener = transport.NewWebSocketListener(cfg.HTTP.Addr, cfg.FrameSize-1, cfg.WriteTimeout)
		listeners = append(listeners, wsListener)
	}

	srv := chat.New(cfg, transport.Merge(listeners...), logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})

	if wsListener != nil {
		g.Go(func() error {
			return serveGateway(gctx, cfg, srv, wsListener, logger)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		return err
	}
	log.Info().Msg("Server shutdown complete")
	return nil
}

func serveGateway(ctx context.Context, cfg *config.Config, srv *chat.Server, ws *transport.WebSocketListener, logger zerolog.Logger) error {
	log := logging.Module(logger, "gateway")
	origins := gateway.NewOriginPolicy(cfg.HTTP.AllowedOrigins, log)
	httpServer := gateway.CreateServer(cfg.HTTP.Addr, gateway.New(srv, ws, origins, log).Routes())

	errCh := make(chan error, 1)
	go func() {
		errCh <- gateway.StartServer(httpServer, log)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http gateway: %w", err)
		}
		return nil
	case <-ctx.Done():
		return gateway.ShutdownServer(httpServer, httpShutdownTimeout, log)
	}
}
