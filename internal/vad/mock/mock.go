// Package mock provides a scripted test double for vad.Oracle.
//
// Each Apply call consumes the next Step of Script; once the script is
// exhausted Apply returns a None detection. Steps may carry an error or a
// channel that blocks the call until it is closed, which lets tests observe a
// segmenter while an oracle call is in flight.
//
// Example:
//
//	o := &mock.Oracle{Script: mock.Kinds(vad.None, vad.Start, vad.End)}
//	seg, _ := segmenter.New(cfg, src, o, onStart, onEnd)
package mock

import (
	"context"
	"sync"

	"github.com/skypro1111/speechchunks/internal/audio"
	"github.com/skypro1111/speechchunks/internal/vad"
)

// Step is the scripted outcome of one Apply call
type Step struct {
	Detection vad.Detection
	Err       error
	// Block, if non-nil, delays the call until it is closed
	Block chan struct{}
}

// Kinds builds a script of plain detections, one per kind
func Kinds(kinds ...vad.Kind) []Step {
	steps := make([]Step, len(kinds))
	for i, k := range kinds {
		steps[i] = Step{Detection: vad.Detection{Kind: k}}
	}
	return steps
}

// ApplyCall records a single invocation of Oracle.Apply.
type ApplyCall struct {
	// Window is a copy of the window passed to Apply.
	Window audio.Window
	// Reset is the reset flag passed to Apply.
	Reset bool
}

// Oracle is a mock implementation of vad.Oracle.
type Oracle struct {
	mu sync.Mutex

	// Script lists the outcome of each Apply call in order.
	Script []Step

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// Entered, if non-nil, receives a value each time Apply starts.
	Entered chan struct{}

	// --- Call records ---

	// ApplyCalls records every call to Apply in order.
	ApplyCalls []ApplyCall

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Apply records the call and returns the next scripted step.
func (o *Oracle) Apply(ctx context.Context, window audio.Window, reset bool) (vad.Detection, error) {
	o.mu.Lock()
	o.ApplyCalls = append(o.ApplyCalls, ApplyCall{Window: window.Clone(), Reset: reset})
	var step Step
	if len(o.Script) > 0 {
		step = o.Script[0]
		o.Script = o.Script[1:]
	}
	entered := o.Entered
	o.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}

	if step.Block != nil {
		select {
		case <-step.Block:
		case <-ctx.Done():
			return vad.Detection{}, ctx.Err()
		}
	}

	return step.Detection, step.Err
}

// Reset records the call by incrementing ResetCallCount.
func (o *Oracle) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ResetCallCount++
}

// Close records the call and returns CloseErr.
func (o *Oracle) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CloseCallCount++
	return o.CloseErr
}

// Calls returns a snapshot of the recorded Apply calls. Thread-safe.
func (o *Oracle) Calls() []ApplyCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]ApplyCall(nil), o.ApplyCalls...)
}

// Resets returns ResetCallCount. Thread-safe.
func (o *Oracle) Resets() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ResetCallCount
}

// Closes returns CloseCallCount. Thread-safe.
func (o *Oracle) Closes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CloseCallCount
}

// Ensure Oracle implements vad.Oracle at compile time.
var _ vad.Oracle = (*Oracle)(nil)
