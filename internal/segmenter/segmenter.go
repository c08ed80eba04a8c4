package segmenter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/skypro1111/speechchunks/internal/audio"
	"github.com/skypro1111/speechchunks/internal/source"
	"github.com/skypro1111/speechchunks/internal/vad"
)

// State is the segmenter's speech state
type State int

const (
	// Inactive means no utterance is in progress
	Inactive State = iota
	// Active means windows are being buffered into an utterance
	Active
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Stats represents segmenter statistics
type Stats struct {
	State            State  `json:"state"`
	WindowsFed       uint64 `json:"windows_fed"`
	OracleFailures   uint64 `json:"oracle_failures"`
	RejectedWindows  uint64 `json:"rejected_windows"`
	DroppedWindows   uint64 `json:"dropped_windows"`
	SpeechStarts     uint64 `json:"speech_starts"`
	Utterances       uint64 `json:"utterances"`
	EncodingFailures uint64 `json:"encoding_failures"`
	BufferedSamples  int    `json:"buffered_samples"`
}

// Segmenter turns a window stream into utterances. It forwards every window
// to its oracle, buffers windows while speech is active and hands each
// finished utterance to onSpeechEnd as a WAV container.
//
// The buffered utterance spans the window that triggered Start up to, but not
// including, the window that triggered End. The buffer is cleared once it has
// been handed to onSpeechEnd and whenever the segmenter is stopped.
//
// Feed calls are serialized; a Segmenter handles one logical stream.
type Segmenter struct {
	cfg    Config
	src    source.Source
	oracle vad.Oracle

	onSpeechStart func()
	onSpeechEnd   func(audio.Encoded)

	logger   *slog.Logger
	observer Observer

	// feedMu serializes Feed so window N is applied before window N+1
	feedMu sync.Mutex

	mu              sync.Mutex
	state           State
	buffer          [][]float32
	bufferedSamples int
	maxSamples      int
	resetPending    bool
	inCallback      bool
	limitReached    bool
	closed          bool
	closeErr        error
	runCtx          context.Context
	stats           Stats
}

// New creates a segmenter. src may be nil when windows are fed directly
// through Feed. Either callback may be nil.
func New(cfg Config, src source.Source, oracle vad.Oracle, onSpeechStart func(), onSpeechEnd func(audio.Encoded), opts ...Option) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid segmenter config: %w", err)
	}
	if oracle == nil {
		return nil, errors.New("segmenter requires a vad oracle")
	}

	if onSpeechStart == nil {
		onSpeechStart = func() {}
	}
	if onSpeechEnd == nil {
		onSpeechEnd = func(audio.Encoded) {}
	}

	s := &Segmenter{
		cfg:           cfg,
		src:           src,
		oracle:        oracle,
		onSpeechStart: onSpeechStart,
		onSpeechEnd:   onSpeechEnd,
		logger:        slog.Default(),
		observer:      nopObserver{},
		runCtx:        context.Background(),
	}
	if cfg.MaxSegmentDuration > 0 {
		s.maxSamples = audio.SamplesFor(cfg.MaxSegmentDuration, cfg.SampleRate)
	}

	for _, opt := range opts {
		opt(s)
	}

	if src != nil {
		src.SetHandler(s.handleWindow)
	}

	return s, nil
}

func (s *Segmenter) handleWindow(w audio.Window) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()

	err := s.Feed(ctx, w)
	if err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, ErrSegmentLimit) {
		s.logger.Warn("Failed to process audio window", slog.String("error", err.Error()))
	}
}

// Feed processes one window. Oracle failures are logged and the window is
// skipped without a state change; Feed then returns nil. State and buffer are
// updated before any callback runs, so onSpeechStart already sees the
// triggering window buffered. Feed must not be called from the callbacks.
func (s *Segmenter) Feed(ctx context.Context, window audio.Window) error {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if len(window.Samples) != s.cfg.WindowSize {
		s.stats.RejectedWindows++
		s.mu.Unlock()
		s.observer.WindowDropped(DropInvalidLength)
		return &ValidationError{Expected: s.cfg.WindowSize, Got: len(window.Samples)}
	}
	reset := s.resetPending
	s.resetPending = false
	s.mu.Unlock()

	det, err := s.oracle.Apply(ctx, window, reset)
	if err == nil && !det.Kind.Valid() {
		err = fmt.Errorf("oracle returned unknown detection kind %d", uint8(det.Kind))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.stats.WindowsFed++

	if err != nil {
		s.stats.OracleFailures++
		// the oracle may not have seen the reset request
		s.resetPending = s.resetPending || reset
		state := s.state
		s.mu.Unlock()

		s.logger.Warn("VAD oracle failed, skipping window",
			slog.String("error", err.Error()),
			slog.String("state", state.String()))
		s.observer.OracleFailed(err)
		return nil
	}

	var (
		started     bool
		ended       bool
		endInactive bool
		segment     [][]float32
		appendErr   error
		firstLimit  bool
	)

	switch det.Kind {
	case vad.Start:
		s.state = Active
		s.stats.SpeechStarts++
		started = true
	case vad.End:
		endInactive = s.state == Inactive
		s.state = Inactive
		segment = s.buffer
		s.buffer = nil
		s.bufferedSamples = 0
		s.limitReached = false
		ended = true
	}

	if s.state == Active {
		if s.maxSamples > 0 && s.bufferedSamples+len(window.Samples) > s.maxSamples {
			s.stats.DroppedWindows++
			appendErr = ErrSegmentLimit
			firstLimit = !s.limitReached
			s.limitReached = true
		} else {
			samples := make([]float32, len(window.Samples))
			copy(samples, window.Samples)
			s.buffer = append(s.buffer, samples)
			s.bufferedSamples += len(samples)
		}
	}
	s.mu.Unlock()

	s.observer.WindowProcessed(det.Kind)
	if appendErr != nil {
		s.observer.WindowDropped(DropSegmentLimit)
	}
	if firstLimit {
		s.logger.Warn("Segment duration limit reached, dropping windows until speech ends",
			slog.Int("max_samples", s.maxSamples))
	}

	if started {
		s.runCallback(s.onSpeechStart)
	}

	if ended {
		if endInactive {
			s.logger.Warn("Speech end reported while inactive, emitting buffered audio",
				slog.Int("windows", len(segment)))
		}
		if err := s.emit(segment); err != nil {
			return err
		}
	}

	return appendErr
}

func (s *Segmenter) emit(segment [][]float32) error {
	encoded, err := audio.EncodeWAV(segment, s.cfg.SampleRate)
	if err != nil {
		s.mu.Lock()
		s.stats.EncodingFailures++
		s.mu.Unlock()

		s.logger.Error("Failed to encode utterance",
			slog.Int("windows", len(segment)),
			slog.String("error", err.Error()))
		s.observer.WindowDropped(DropEncoding)
		return err
	}

	s.runCallback(func() { s.onSpeechEnd(encoded) })

	s.mu.Lock()
	s.stats.Utterances++
	s.mu.Unlock()

	s.observer.UtteranceEmitted(encoded)
	return nil
}

// runCallback marks the segmenter as inside a speech callback while fn runs
func (s *Segmenter) runCallback(fn func()) {
	s.mu.Lock()
	s.inCallback = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inCallback = false
		s.mu.Unlock()
	}()

	fn()
}

// canceler is implemented by sources whose Stop waits for the goroutine that
// runs the handler
type canceler interface {
	Cancel()
}

// DrainSegment returns the buffered chunks of the utterance in progress and
// clears the buffer
func (s *Segmenter) DrainSegment() [][]float32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	segment := s.buffer
	s.buffer = nil
	s.bufferedSamples = 0
	s.limitReached = false
	return segment
}

// Reset clears the oracle's detection state and forces the segmenter
// Inactive. The buffer is left as is; use DrainSegment to clear it.
func (s *Segmenter) Reset() {
	s.oracle.Reset()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Inactive
	s.resetPending = true
}

// Start begins consuming windows from the source. Source failures are
// returned unchanged.
func (s *Segmenter) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.src == nil {
		s.mu.Unlock()
		return ErrNoSource
	}
	s.runCtx = ctx
	s.mu.Unlock()

	return s.src.Start(ctx)
}

// Stop halts the source, resets the oracle and discards any buffered audio.
// Calling it more than once is safe.
func (s *Segmenter) Stop() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return nil
	}
	return s.stop()
}

func (s *Segmenter) stop() error {
	s.mu.Lock()
	inCallback := s.inCallback
	s.mu.Unlock()

	var err error
	if c, ok := s.src.(canceler); ok && inCallback {
		// the handler is on this goroutine's stack
		c.Cancel()
	} else if s.src != nil {
		if stopErr := s.src.Stop(); stopErr != nil {
			err = fmt.Errorf("failed to stop audio source: %w", stopErr)
		}
	}

	s.Reset()

	s.mu.Lock()
	s.buffer = nil
	s.bufferedSamples = 0
	s.limitReached = false
	s.mu.Unlock()

	return err
}

// Close stops the segmenter and releases the oracle. An in-flight Feed's
// result is discarded. Close may be called from onSpeechStart or onSpeechEnd;
// delivery is then cancelled without waiting for the source. Calling it more
// than once is safe and returns the first result.
func (s *Segmenter) Close() error {
	s.mu.Lock()
	if s.closed {
		err := s.closeErr
		s.mu.Unlock()
		return err
	}
	s.closed = true
	s.mu.Unlock()

	err := s.stop()
	if closeErr := s.oracle.Close(); closeErr != nil {
		err = errors.Join(err, fmt.Errorf("failed to close vad oracle: %w", closeErr))
	}

	s.mu.Lock()
	s.closeErr = err
	s.mu.Unlock()

	return err
}

// State returns the current speech state
func (s *Segmenter) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns current segmenter statistics
func (s *Segmenter) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.State = s.state
	stats.BufferedSamples = s.bufferedSamples
	return stats
}

// Config returns the segmenter configuration
func (s *Segmenter) Config() Config {
	return s.cfg
}
