package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryanchriswhite/surfacehost/internal/api"
	"github.com/bryanchriswhite/surfacehost/internal/channel"
	"github.com/bryanchriswhite/surfacehost/internal/config"
	"github.com/bryanchriswhite/surfacehost/internal/display"
	"github.com/bryanchriswhite/surfacehost/internal/logger"
	"github.com/bryanchriswhite/surfacehost/internal/sink"
	"github.com/bryanchriswhite/surfacehost/internal/surface"
	"github.com/bryanchriswhite/surfacehost/internal/surface/memsurface"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the surface host",
	Long: `Start the surfacehost HTTP server.

The server exposes the method channel at /api/channel/<name>, registry state
at /api/surfaces and the bind event stream at /api/sink/stream.`,
	Example: `  # Start with the in-memory backend on the default port (8080)
  surfacehost serve

  # Start on a custom port
  surfacehost serve --port 9090

  # Start with specific config file
  surfacehost serve --config /path/to/config.yaml

  # Start with debug logging
  surfacehost serve --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to initialize config manager: %w", err)
	}

	// Override port from flag if provided
	if viper.IsSet("server_port") {
		if port := viper.GetInt("server_port"); port > 0 {
			if err := configMgr.SetPort(port); err != nil {
				return err
			}
		}
	}

	// Override log level from flag if provided
	if viper.IsSet("log_level") {
		if level := viper.GetString("log_level"); level != "" {
			if err := configMgr.SetLogLevel(level); err != nil {
				return err
			}
		}
	}

	cfg := configMgr.Get()
	logger.Init(cfg.LogLevel, true)
	log := logger.WithComponent("serve")
	log.Info().
		Str("config", configMgr.GetConfigPath()).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration loaded")

	alloc, closeAlloc, err := newAllocator(cfg)
	if err != nil {
		return err
	}
	defer closeAlloc()

	stream := sink.NewStreamSink(cfg.Sink.Dedupe)
	var native surface.NativeSink = stream
	if cfg.Sink.Log {
		native = sink.Multi{sink.LogSink{}, stream}
	}

	plugin := channel.NewPlugin(cfg.Channel, alloc, native)
	if err := plugin.Attach(cfg.ProducerSurface()); err != nil {
		return err
	}
	defer plugin.Detach()

	dispatcher := channel.NewDispatcher(plugin, 64)
	server := api.NewServer(plugin, dispatcher, stream, configMgr)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		log.Info().
			Int("port", cfg.ServerPort).
			Str("channel", cfg.Channel).
			Str("backend", cfg.Surface.Backend).
			Msg("surfacehost is running")
		return server.Start(cfg.ServerPort)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newAllocator builds the surface allocator named by the config
func newAllocator(cfg *config.Config) (surface.Allocator, func(), error) {
	switch cfg.Surface.Backend {
	case config.BackendX11:
		a, err := display.NewAllocator(cfg.Surface.Display)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize x11 allocator: %w", err)
		}
		return a, a.Close, nil
	default:
		return memsurface.NewAllocator(), func() {}, nil
	}
}
