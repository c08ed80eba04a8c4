//go:build silero

package vad

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/skypro1111/speechchunks/internal/audio"
)

// EngineSilero is the registry name of the Silero ONNX oracle
const EngineSilero = "silero"

// sileroEndOffset is the fixed gap the detector keeps between its start and
// end thresholds
const sileroEndOffset = 0.15

func init() {
	Register(EngineSilero, func(cfg Config) (Oracle, error) {
		return NewSilero(cfg, slog.Default())
	})
}

// Silero adapts the Silero VAD ONNX detector to the Oracle interface. It is
// not safe for concurrent use; wrap it with NewAsync.
type Silero struct {
	cfg      Config
	detector *speech.Detector
	logger   *slog.Logger

	// frame is a reusable copy of the window plus one trailing sample; the
	// detector only evaluates windows followed by at least one more sample
	frame []float32

	closed bool
	mu     sync.Mutex
}

// NewSilero loads the model at cfg.ModelPath
func NewSilero(cfg Config, logger *slog.Logger) (*Silero, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("silero engine requires a model path")
	}

	expectedEnd := cfg.StartThreshold - sileroEndOffset
	if math.Abs(float64(cfg.EndThreshold-expectedEnd)) > 1e-3 {
		logger.Warn("Silero detector uses a fixed end threshold",
			"configured", cfg.EndThreshold,
			"effective", expectedEnd)
	}

	detector, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            cfg.ModelPath,
		SampleRate:           cfg.SampleRate,
		Threshold:            cfg.StartThreshold,
		MinSilenceDurationMs: cfg.MinSilenceDurationMs,
		SpeechPadMs:          cfg.SpeechPadMs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load silero model: %w", err)
	}

	return &Silero{
		cfg:      cfg,
		detector: detector,
		logger:   logger,
		frame:    make([]float32, cfg.WindowSize+1),
	}, nil
}

// Apply implements Oracle
func (s *Silero) Apply(ctx context.Context, window audio.Window, reset bool) (Detection, error) {
	if err := ctx.Err(); err != nil {
		return Detection{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Detection{}, ErrClosed
	}

	if len(window.Samples) != s.cfg.WindowSize {
		return Detection{}, fmt.Errorf("expected %d samples, got %d", s.cfg.WindowSize, len(window.Samples))
	}

	if reset {
		if err := s.detector.Reset(); err != nil {
			return Detection{}, fmt.Errorf("failed to reset detector: %w", err)
		}
	}

	copy(s.frame, window.Samples)
	s.frame[len(s.frame)-1] = 0

	segments, err := s.detector.Detect(s.frame)
	if err != nil {
		// The detector reports an end without a start in the same call as an
		// error after it has already left the speaking state.
		if err.Error() == "unexpected speech end" {
			return Detection{Kind: End}, nil
		}
		return Detection{}, fmt.Errorf("silero detect failed: %w", err)
	}

	var started, ended bool
	var det Detection
	for _, seg := range segments {
		started = true
		det.Sample = int64(seg.SpeechStartAt * float64(s.cfg.SampleRate))
		if seg.SpeechEndAt > 0 {
			ended = true
		}
	}

	switch {
	case started && ended:
		return Detection{}, ErrContractViolation
	case started:
		det.Kind = Start
	default:
		det.Kind = None
	}

	return det, nil
}

// Reset implements Oracle
func (s *Silero) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if err := s.detector.Reset(); err != nil {
		s.logger.Warn("Failed to reset silero detector", "error", err)
	}
}

// Close implements Oracle
func (s *Silero) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.detector.Destroy()
}
