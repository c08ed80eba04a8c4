package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/skypro1111/speechchunks/internal/audio"
)

// WAVFileConfig holds WAV file source parameters
type WAVFileConfig struct {
	Path       string
	SampleRate int
	WindowSize int
	// Realtime paces delivery at one window per window duration
	Realtime bool
}

// WAVFile replays a 16-bit mono WAV file as a window stream. The final
// partial window is zero-padded.
type WAVFile struct {
	cfg WAVFileConfig

	handler Handler
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
}

// NewWAVFile creates a WAV file source
func NewWAVFile(cfg WAVFileConfig) (*WAVFile, error) {
	if cfg.Path == "" {
		return nil, errors.New("wav source requires a path")
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.WindowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", cfg.WindowSize)
	}

	return &WAVFile{cfg: cfg}, nil
}

// SetHandler implements Source
func (s *WAVFile) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Start implements Source. The file is read and validated before Start
// returns; delivery then continues on a background goroutine until the file
// is exhausted, Stop is called or ctx is cancelled.
func (s *WAVFile) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return errors.New("wav source already started")
	}
	if s.handler == nil {
		return errors.New("wav source has no handler")
	}

	data, err := os.ReadFile(s.cfg.Path)
	if err != nil {
		return &DeviceError{Device: s.cfg.Path, Err: err}
	}

	samples, rate, err := audio.DecodeWAVFloat(data)
	if err != nil {
		return &DeviceError{Device: s.cfg.Path, Err: err}
	}
	if rate != s.cfg.SampleRate {
		return &DeviceError{
			Device: s.cfg.Path,
			Err:    fmt.Errorf("sample rate %d does not match configured %d", rate, s.cfg.SampleRate),
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.deliver(runCtx, s.handler, samples, s.done)
	return nil
}

func (s *WAVFile) deliver(ctx context.Context, handler Handler, samples []float32, done chan struct{}) {
	defer close(done)

	framer := audio.NewFramer(s.cfg.SampleRate, s.cfg.WindowSize)

	var ticker *time.Ticker
	if s.cfg.Realtime {
		period := audio.Window{Samples: make([]float32, s.cfg.WindowSize), SampleRate: s.cfg.SampleRate}.Duration()
		ticker = time.NewTicker(period)
		defer ticker.Stop()
	}

	emit := func(w audio.Window) bool {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return false
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return false
		}
		handler(w)
		return true
	}

	for start := 0; start < len(samples); start += s.cfg.WindowSize {
		end := min(start+s.cfg.WindowSize, len(samples))
		for _, w := range framer.AddSamples(samples[start:end]) {
			if !emit(w) {
				return
			}
		}
	}

	if w, ok := framer.Flush(); ok {
		emit(w)
	}
}

// Stop implements Source. It waits for the delivery goroutine to exit.
func (s *WAVFile) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Cancel ends delivery without waiting for the delivery goroutine. It is the
// way to stop the source from inside its handler; a later Stop still waits.
func (s *WAVFile) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Done returns a channel closed when the current run finishes. It returns nil
// before Start.
func (s *WAVFile) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
