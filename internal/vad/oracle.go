package vad

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/skypro1111/speechchunks/internal/audio"
)

// Kind is the outcome of evaluating one window. Exactly one kind is reported
// per call.
type Kind uint8

const (
	// None means no speech boundary in this window
	None Kind = iota
	// Start means speech began in this window
	Start
	// End means speech ended in this window
	End
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case Start:
		return "start"
	case End:
		return "end"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the defined kinds
func (k Kind) Valid() bool {
	return k <= End
}

// Detection is the result of applying the oracle to one window
type Detection struct {
	Kind Kind `json:"kind"`
	// Probability is the speech probability the oracle computed, when it has one
	Probability float32 `json:"probability"`
	// Sample is the padded stream offset of the boundary for Start and End
	Sample int64 `json:"sample"`
}

var (
	// ErrClosed is returned by oracles after Close
	ErrClosed = errors.New("vad oracle closed")

	// ErrContractViolation is returned when a detector reports start and end
	// for the same window
	ErrContractViolation = errors.New("detector reported speech start and end for one window")
)

// Oracle decides speech boundaries for a stream of windows. Implementations
// keep per-stream state and must not be shared between streams.
type Oracle interface {
	// Apply evaluates one window. reset asks the oracle to drop any detection
	// state before evaluating it.
	Apply(ctx context.Context, window audio.Window, reset bool) (Detection, error)

	// Reset clears detection state (padding, silence timers).
	Reset()

	// Close releases resources. Calling it more than once is safe.
	Close() error
}

// Config holds the detection parameters passed to an oracle. The segmenter
// itself never interprets these values.
type Config struct {
	SampleRate           int     `json:"sample_rate"`
	WindowSize           int     `json:"window_size"`
	StartThreshold       float32 `json:"start_threshold"`
	EndThreshold         float32 `json:"end_threshold"`
	MinSilenceDurationMs int     `json:"min_silence_duration_ms"`
	SpeechPadMs          int     `json:"speech_pad_ms"`
	ModelPath            string  `json:"model_path,omitempty"`
}

// DefaultConfig returns the standard detection parameters
func DefaultConfig() Config {
	return Config{
		SampleRate:           audio.DefaultSampleRate,
		WindowSize:           audio.DefaultWindowSize,
		StartThreshold:       0.6,
		EndThreshold:         0.45,
		MinSilenceDurationMs: 600,
		SpeechPadMs:          500,
	}
}

// Validate checks the detection parameters
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}

	if c.WindowSize <= 0 {
		return fmt.Errorf("window size must be positive, got %d", c.WindowSize)
	}

	if c.StartThreshold < 0 || c.StartThreshold > 1 {
		return fmt.Errorf("start threshold must be between 0 and 1, got %f", c.StartThreshold)
	}

	if c.EndThreshold < 0 || c.EndThreshold > 1 {
		return fmt.Errorf("end threshold must be between 0 and 1, got %f", c.EndThreshold)
	}

	if c.EndThreshold > c.StartThreshold {
		return fmt.Errorf("end threshold (%f) must not exceed start threshold (%f)", c.EndThreshold, c.StartThreshold)
	}

	if c.MinSilenceDurationMs < 0 {
		return fmt.Errorf("min silence duration cannot be negative, got %d", c.MinSilenceDurationMs)
	}

	if c.SpeechPadMs < 0 {
		return fmt.Errorf("speech pad cannot be negative, got %d", c.SpeechPadMs)
	}

	return nil
}

// Factory builds an oracle for one stream
type Factory func(cfg Config) (Oracle, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes an oracle engine available under name. It panics on duplicates.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("vad: engine %q registered twice", name))
	}
	registry[name] = factory
}

// New builds an oracle using the engine registered under name
func New(name string, cfg Config) (Oracle, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown vad engine %q (available: %v)", name, Engines())
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid vad config: %w", err)
	}

	return factory(cfg)
}

// Engines returns the registered engine names in sorted order
func Engines() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
