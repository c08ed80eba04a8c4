package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/skypro1111/speechchunks/internal/audio"
	"github.com/skypro1111/speechchunks/internal/config"
	"github.com/skypro1111/speechchunks/internal/segmenter"
	"github.com/skypro1111/speechchunks/internal/sink"
	"github.com/skypro1111/speechchunks/internal/source"
	"github.com/skypro1111/speechchunks/internal/vad"
)

var segmentCmd = &cobra.Command{
	Use:   "segment <input.wav>",
	Short: "Split a WAV file into utterances",
	Long: `Split a 16-bit mono WAV file into utterances.

Each utterance is written to the output directory as <id>.wav with a
<id>.json metadata file, and printed as one line on stdout.

Example:
  speechchunks segment call.wav --out ./utterances
  speechchunks segment call.wav --engine silero --realtime`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		if out, _ := cmd.Flags().GetString("out"); out != "" {
			cfg.Sink = config.SinkConfig{Type: "dir", Path: out}
		}
		if engine, _ := cmd.Flags().GetString("engine"); engine != "" {
			cfg.VAD.Engine = engine
		}
		realtime, _ := cmd.Flags().GetBool("realtime")

		logger, closer, err := newLogger(cfg.Logging)
		if err != nil {
			return err
		}
		defer closer.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		_, err = runSegment(ctx, cfg, args[0], realtime, cmd.OutOrStdout(), logger)
		return err
	},
}

func init() {
	segmentCmd.Flags().StringP("out", "o", "", "Output directory (overrides the configured sink)")
	segmentCmd.Flags().String("engine", "", "VAD engine (overrides the configured engine)")
	segmentCmd.Flags().Bool("realtime", false, "Pace the file at its real-time rate")
}

// runSegment replays path through a segmenter and stores every utterance. It
// returns the stored utterance metadata in emission order.
func runSegment(ctx context.Context, cfg *config.Config, path string, realtime bool, out io.Writer, logger *slog.Logger) ([]sink.Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	info, err := audio.GetWAVInfo(data)
	if err != nil {
		return nil, fmt.Errorf("invalid WAV file %s: %w", path, err)
	}
	sampleRate := int(info.SampleRate)

	store, err := openSink(cfg.Sink, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open sink: %w", err)
	}
	defer store.Close()

	oracle, err := vad.New(cfg.VAD.Engine, cfg.OracleConfig(sampleRate))
	if err != nil {
		return nil, err
	}

	src, err := source.NewWAVFile(source.WAVFileConfig{
		Path:       path,
		SampleRate: sampleRate,
		WindowSize: cfg.Audio.WindowSize,
		Realtime:   realtime,
	})
	if err != nil {
		oracle.Close()
		return nil, err
	}

	var (
		mu        sync.Mutex
		stored    []sink.Info
		startedAt time.Time
		storeErr  error
	)
	emit := func(encoded audio.Encoded) {
		now := time.Now()
		u := &sink.Utterance{
			ID:        uuid.NewString(),
			StreamID:  path,
			StartedAt: startedAt,
			EndedAt:   now,
			Audio:     encoded,
		}
		if u.StartedAt.IsZero() {
			u.StartedAt = now
		}

		if err := store.Store(ctx, u); err != nil {
			mu.Lock()
			storeErr = err
			mu.Unlock()
			logger.Error("Failed to store utterance", slog.String("error", err.Error()))
			return
		}

		info := u.Info()
		mu.Lock()
		stored = append(stored, info)
		mu.Unlock()
		fmt.Fprintf(out, "%s\t%.2fs\t%d bytes\n", info.ID, info.Duration, info.Bytes)
	}

	segCfg := cfg.SegmenterConfig()
	segCfg.SampleRate = sampleRate
	seg, err := segmenter.New(segCfg, src, oracle,
		func() { startedAt = time.Now() },
		emit,
		segmenter.WithLogger(logger.With(slog.String("file", path))),
	)
	if err != nil {
		oracle.Close()
		return nil, err
	}

	if err := seg.Start(ctx); err != nil {
		seg.Close()
		return nil, err
	}

	select {
	case <-src.Done():
	case <-ctx.Done():
	}
	// waits for the delivery goroutine
	if err := src.Stop(); err != nil {
		logger.Warn("Error stopping source", slog.String("error", err.Error()))
	}

	// speech still running at the end of the file
	if seg.State() == segmenter.Active {
		if segment := seg.DrainSegment(); len(segment) > 0 {
			encoded, err := audio.EncodeWAV(segment, sampleRate)
			if err != nil {
				logger.Error("Failed to encode final utterance", slog.String("error", err.Error()))
			} else {
				emit(encoded)
			}
		}
	}

	if err := seg.Close(); err != nil {
		logger.Warn("Error closing segmenter", slog.String("error", err.Error()))
	}

	stats := seg.Stats()
	logger.Info("Segmentation finished",
		slog.String("file", path),
		slog.Uint64("windows", stats.WindowsFed),
		slog.Uint64("utterances", uint64(len(stored))),
		slog.Uint64("oracle_failures", stats.OracleFailures),
	)

	if storeErr != nil {
		return stored, fmt.Errorf("failed to store utterances: %w", storeErr)
	}
	return stored, ctx.Err()
}
