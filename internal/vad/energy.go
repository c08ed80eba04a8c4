package vad

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/skypro1111/speechchunks/internal/audio"
)

// EngineEnergy is the registry name of the energy oracle
const EngineEnergy = "energy"

func init() {
	Register(EngineEnergy, func(cfg Config) (Oracle, error) {
		return NewEnergy(cfg)
	})
}

// Energy is a level-based oracle. It maps window RMS to a speech probability
// and applies start/end hysteresis with a minimum silence duration.
type Energy struct {
	cfg Config

	// referenceLevel is the RMS that maps to probability 1.0
	referenceLevel float64
	// smoothing is the weight of the newest probability in the moving average
	smoothing float32

	minSilenceSamples int64
	speechPadSamples  int64

	// detection state
	triggered  bool
	tempEnd    int64
	currSample int64
	lastResult float32
	haveResult bool

	// statistics
	totalWindows  uint64
	voiceWindows  uint64
	lastProcessed time.Time

	closed bool
	mu     sync.Mutex
}

// EnergyStats represents energy oracle statistics
type EnergyStats struct {
	TotalWindows    uint64    `json:"total_windows"`
	VoiceWindows    uint64    `json:"voice_windows"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastProcessed   time.Time `json:"last_processed"`
	Triggered       bool      `json:"triggered"`
}

// NewEnergy creates an energy oracle
func NewEnergy(cfg Config) (*Energy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Energy{
		cfg:               cfg,
		referenceLevel:    0.3,
		smoothing:         0.5,
		minSilenceSamples: int64(cfg.SampleRate) * int64(cfg.MinSilenceDurationMs) / 1000,
		speechPadSamples:  int64(cfg.SampleRate) * int64(cfg.SpeechPadMs) / 1000,
	}, nil
}

// SetReferenceLevel changes the RMS level treated as certain speech
func (e *Energy) SetReferenceLevel(level float64) error {
	if level <= 0 || level > 1 {
		return fmt.Errorf("reference level must be in (0, 1], got %f", level)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.referenceLevel = level
	return nil
}

// SetSmoothing changes the moving-average weight of the newest window.
// 1 disables smoothing.
func (e *Energy) SetSmoothing(weight float32) error {
	if weight <= 0 || weight > 1 {
		return fmt.Errorf("smoothing must be in (0, 1], got %f", weight)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.smoothing = weight
	return nil
}

// Apply implements Oracle
func (e *Energy) Apply(ctx context.Context, window audio.Window, reset bool) (Detection, error) {
	if err := ctx.Err(); err != nil {
		return Detection{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return Detection{}, ErrClosed
	}

	if len(window.Samples) == 0 {
		return Detection{}, fmt.Errorf("empty window")
	}

	if reset {
		e.resetLocked()
	}

	windowLen := int64(len(window.Samples))
	e.currSample += windowLen

	probability := e.probability(window.Samples)
	if e.haveResult {
		probability = e.smoothing*probability + (1-e.smoothing)*e.lastResult
	}
	e.lastResult = probability
	e.haveResult = true

	e.totalWindows++
	if probability >= e.cfg.StartThreshold {
		e.voiceWindows++
	}
	e.lastProcessed = time.Now()

	det := Detection{Kind: None, Probability: probability}

	if probability >= e.cfg.StartThreshold && e.tempEnd != 0 {
		e.tempEnd = 0
	}

	if probability >= e.cfg.StartThreshold && !e.triggered {
		e.triggered = true
		det.Kind = Start
		det.Sample = max(0, e.currSample-e.speechPadSamples-windowLen)
		return det, nil
	}

	if probability < e.cfg.EndThreshold && e.triggered {
		if e.tempEnd == 0 {
			e.tempEnd = e.currSample
		}
		if e.currSample-e.tempEnd < e.minSilenceSamples {
			return det, nil
		}

		det.Kind = End
		det.Sample = e.tempEnd + e.speechPadSamples - windowLen
		e.tempEnd = 0
		e.triggered = false
	}

	return det, nil
}

// probability maps the RMS level of samples onto [0, 1]
func (e *Energy) probability(samples []float32) float32 {
	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	rms := math.Sqrt(energy / float64(len(samples)))

	p := rms / e.referenceLevel
	if p > 1 {
		p = 1
	}
	return float32(p)
}

// Reset implements Oracle
func (e *Energy) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
}

func (e *Energy) resetLocked() {
	e.triggered = false
	e.tempEnd = 0
	e.currSample = 0
	e.lastResult = 0
	e.haveResult = false
}

// Close implements Oracle
func (e *Energy) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// GetStats returns current oracle statistics
func (e *Energy) GetStats() EnergyStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	voicePercentage := float64(0)
	if e.totalWindows > 0 {
		voicePercentage = float64(e.voiceWindows) / float64(e.totalWindows) * 100
	}

	return EnergyStats{
		TotalWindows:    e.totalWindows,
		VoiceWindows:    e.voiceWindows,
		VoicePercentage: voicePercentage,
		LastProcessed:   e.lastProcessed,
		Triggered:       e.triggered,
	}
}
