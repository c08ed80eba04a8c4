package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/speechchunks/internal/config"
	"github.com/skypro1111/speechchunks/internal/metrics"
	"github.com/skypro1111/speechchunks/internal/server"
	"github.com/skypro1111/speechchunks/internal/stream"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingest service",
	Long: `Run the ingest service.

Streams are opened over UDP (open/audio/close packets) or over the
WebSocket endpoint /ingest. Every utterance is stored in the configured
sink and listed by the HTTP API.

Example:
  speechchunks serve --config configs/config.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		logger, closer, err := newLogger(cfg.Logging)
		if err != nil {
			return err
		}
		defer closer.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runServe(ctx, cfg, logger)
	},
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if !cfg.Server.Enabled && !(cfg.HTTP.Enabled && cfg.HTTP.Ingest) {
		return errors.New("no ingest transport enabled")
	}

	logger.Info("Service starting",
		slog.Bool("udp_enabled", cfg.Server.Enabled),
		slog.Int("udp_port", cfg.Server.UDPPort),
		slog.Bool("http_enabled", cfg.HTTP.Enabled),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("window_size", cfg.Audio.WindowSize),
		slog.String("vad_engine", cfg.VAD.Engine),
		slog.String("sink", cfg.Sink.Type),
		slog.String("sink_path", cfg.Sink.Path),
	)

	appMetrics := metrics.NewMetrics()

	store, err := openSink(cfg.Sink, logger)
	if err != nil {
		return fmt.Errorf("failed to open sink: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Error closing sink", slog.String("error", err.Error()))
		}
	}()

	streamMgr, err := stream.NewManager(logger, stream.ManagerConfig{
		Segmenter:  cfg.SegmenterConfig(),
		VAD:        cfg.OracleConfig(cfg.Audio.SampleRate),
		Engine:     cfg.VAD.Engine,
		MaxStreams: cfg.Server.MaxConcurrentStreams,
		Timeout:    cfg.Audio.GetStreamTimeoutDuration(),
	}, store, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create stream manager: %w", err)
	}
	// runs after the transports have stopped
	defer streamMgr.Stop()

	var udpServer *server.UDPServer
	if cfg.Server.Enabled {
		udpServer = server.NewUDPServer(&cfg.Server, logger, streamMgr, appMetrics)
		if err := udpServer.Start(); err != nil {
			return fmt.Errorf("failed to start UDP server: %w", err)
		}
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg, logger, streamMgr, udpServer, store, appMetrics)
		if err := httpServer.Start(); err != nil {
			if udpServer != nil {
				udpServer.Stop()
			}
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	logger.Info("Service started, waiting for signals...")
	<-ctx.Done()
	logger.Info("Starting graceful shutdown...")

	var g errgroup.Group
	if httpServer != nil {
		g.Go(func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Stop(shutdownCtx)
		})
	}
	if udpServer != nil {
		g.Go(udpServer.Stop)
	}
	if err := g.Wait(); err != nil {
		logger.Error("Error stopping transports", slog.String("error", err.Error()))
	}

	if udpServer != nil {
		stats := udpServer.GetStatistics()
		logger.Info("Final server statistics",
			slog.Uint64("packets_received", stats.PacketsReceived),
			slog.Uint64("packets_processed", stats.PacketsProcessed),
			slog.Uint64("packets_dropped", stats.PacketsDropped),
			slog.Uint64("parse_errors", stats.ParseErrors),
		)
	}

	logger.Info("Service stopped")
	return nil
}
