package segmenter

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/skypro1111/speechchunks/internal/audio"
)

// Config holds the parameters the segmenter itself interprets. Detection
// thresholds belong to the oracle.
type Config struct {
	SampleRate int
	WindowSize int
	// MaxSegmentDuration caps buffered audio per utterance. Zero means no cap,
	// in which case a stream that never reports an end grows without bound.
	MaxSegmentDuration time.Duration
}

// DefaultConfig returns the default stream parameters with no segment cap
func DefaultConfig() Config {
	return Config{
		SampleRate: audio.DefaultSampleRate,
		WindowSize: audio.DefaultWindowSize,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.WindowSize <= 0 {
		return fmt.Errorf("window size must be positive, got %d", c.WindowSize)
	}
	if c.MaxSegmentDuration < 0 {
		return fmt.Errorf("max segment duration cannot be negative, got %v", c.MaxSegmentDuration)
	}
	if c.MaxSegmentDuration > 0 && audio.SamplesFor(c.MaxSegmentDuration, c.SampleRate) < c.WindowSize {
		return fmt.Errorf("max segment duration %v is shorter than one window of %d samples", c.MaxSegmentDuration, c.WindowSize)
	}
	return nil
}

// Option configures a Segmenter
type Option func(*Segmenter)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Segmenter) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver registers a hook notified of every processing event
func WithObserver(o Observer) Option {
	return func(s *Segmenter) {
		if o != nil {
			s.observer = o
		}
	}
}
