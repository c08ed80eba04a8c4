package audio

import "time"

// Stream defaults used when a configuration leaves a field unset
const (
	DefaultSampleRate = 16000
	DefaultWindowSize = 512
)

// Window is a fixed-length run of normalized samples in [-1.0, 1.0]
type Window struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback duration covered by the window
func (w Window) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(w.Samples)) * time.Second / time.Duration(w.SampleRate)
}

// Clone returns a window backed by its own copy of the samples
func (w Window) Clone() Window {
	samples := make([]float32, len(w.Samples))
	copy(samples, w.Samples)
	return Window{Samples: samples, SampleRate: w.SampleRate}
}

// SamplesFor returns how many samples cover d at the given rate
func SamplesFor(d time.Duration, sampleRate int) int {
	return int(d * time.Duration(sampleRate) / time.Second)
}
