package commands

import (
	"fmt"
	"log/slog"

	"github.com/skypro1111/speechchunks/internal/config"
	"github.com/skypro1111/speechchunks/internal/sink"
)

// openSink creates the utterance sink selected by cfg
func openSink(cfg config.SinkConfig, logger *slog.Logger) (sink.Sink, error) {
	switch cfg.Type {
	case "dir":
		return sink.NewDir(cfg.Path)
	case "badger":
		return sink.NewBadger(sink.BadgerOptions{
			Dir:    cfg.Path,
			Logger: logger,
		})
	default:
		return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
	}
}
