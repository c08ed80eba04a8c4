package audio

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// DefaultMaxGap is how many missing sequence numbers the framer waits for
// before declaring them lost
const DefaultMaxGap = 20

// Framer reassembles sequenced little-endian PCM-16 packets into fixed-size
// windows. Out-of-order packets are held until the gap closes or grows past
// the configured maximum.
type Framer struct {
	sampleRate int
	windowSize int
	maxGap     uint32

	// pending holds in-order samples not yet emitted as a full window
	pending []float32

	started     bool
	lastSeq     uint32
	expectedSeq uint32
	reorder     map[uint32][]byte

	lastUpdate   time.Time
	totalPackets uint32
	lostCount    uint32
	lateCount    uint32
	windowsOut   uint64

	mu sync.Mutex
}

// FramerStats represents framer statistics for monitoring
type FramerStats struct {
	TotalPackets   uint32  `json:"total_packets"`
	LostPackets    uint32  `json:"lost_packets"`
	LatePackets    uint32  `json:"late_packets"`
	LossRate       float64 `json:"loss_rate"`
	PendingSamples int     `json:"pending_samples"`
	PendingSeqs    int     `json:"pending_sequences"`
	LastSequence   uint32  `json:"last_sequence"`
	WindowsEmitted uint64  `json:"windows_emitted"`
}

// NewFramer creates a framer producing windows of windowSize samples
func NewFramer(sampleRate, windowSize int) *Framer {
	return &Framer{
		sampleRate: sampleRate,
		windowSize: windowSize,
		maxGap:     DefaultMaxGap,
		pending:    make([]float32, 0, windowSize*2),
		reorder:    make(map[uint32][]byte),
		lastUpdate: time.Now(),
	}
}

// SetMaxGap changes how many missing packets are awaited before skipping ahead
func (f *Framer) SetMaxGap(gap uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxGap = gap
}

// Add accepts one packet and returns every window it completed, in order
func (f *Framer) Add(sequence uint32, raw []byte) ([]Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("audio data length must be even (got %d bytes)", len(raw))
	}

	f.lastUpdate = time.Now()
	f.totalPackets++

	if !f.started {
		f.started = true
		f.expectedSeq = sequence
		f.lastSeq = sequence - 1
	}

	switch {
	case sequence == f.expectedSeq:
		f.appendPCM(raw)
		f.lastSeq = sequence
		f.expectedSeq = sequence + 1
		f.flushReordered()

	case sequence > f.expectedSeq:
		f.reorder[sequence] = append([]byte(nil), raw...)

		if sequence-f.expectedSeq > f.maxGap {
			f.skipTo(sequence)
		}

	default:
		f.lateCount++
		return nil, fmt.Errorf("ignoring old/duplicate packet: seq=%d, lastSeq=%d", sequence, f.lastSeq)
	}

	return f.drainWindows(), nil
}

// AddSamples appends already-ordered float samples, for transports without sequencing
func (f *Framer) AddSamples(samples []float32) []Window {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastUpdate = time.Now()
	f.pending = append(f.pending, samples...)
	return f.drainWindows()
}

// Flush zero-pads any partial window and returns it. It returns false when
// nothing is pending.
func (f *Framer) Flush() (Window, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for len(f.reorder) > 0 {
		next, found := uint32(0), false
		for seq := range f.reorder {
			if seq >= f.expectedSeq && (!found || seq < next) {
				next, found = seq, true
			}
		}
		if !found {
			break
		}
		f.skipTo(next)
	}

	if len(f.pending) == 0 {
		return Window{}, false
	}

	samples := make([]float32, f.windowSize)
	n := copy(samples, f.pending)
	f.pending = f.pending[n:]
	f.windowsOut++
	return Window{Samples: samples, SampleRate: f.sampleRate}, true
}

// skipTo declares every missing sequence before target lost and resumes from
// target. Packets already buffered below target are kept in sequence order.
func (f *Framer) skipTo(target uint32) {
	var buffered []uint32
	for seq := range f.reorder {
		if seq < target {
			buffered = append(buffered, seq)
		}
	}
	slices.Sort(buffered)

	var kept uint32
	for _, seq := range buffered {
		if seq >= f.expectedSeq {
			f.appendPCM(f.reorder[seq])
			f.lastSeq = seq
			kept++
		}
		delete(f.reorder, seq)
	}

	f.lostCount += target - f.expectedSeq - kept
	f.expectedSeq = target
	f.flushReordered()
}

// flushReordered moves consecutive buffered packets into the pending samples
func (f *Framer) flushReordered() {
	for {
		raw, ok := f.reorder[f.expectedSeq]
		if !ok {
			break
		}
		f.appendPCM(raw)
		delete(f.reorder, f.expectedSeq)
		f.lastSeq = f.expectedSeq
		f.expectedSeq++
	}
}

func (f *Framer) appendPCM(raw []byte) {
	for i := 0; i+1 < len(raw); i += 2 {
		s := int16(uint16(raw[i]) | uint16(raw[i+1])<<8)
		f.pending = append(f.pending, PCM16ToFloat(s))
	}
}

func (f *Framer) drainWindows() []Window {
	var windows []Window
	for len(f.pending) >= f.windowSize {
		samples := make([]float32, f.windowSize)
		copy(samples, f.pending[:f.windowSize])
		windows = append(windows, Window{Samples: samples, SampleRate: f.sampleRate})
		f.windowsOut++
		f.pending = f.pending[f.windowSize:]
	}
	return windows
}

// LastUpdate returns when the framer last received data
func (f *Framer) LastUpdate() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastUpdate
}

// GetStats returns current framer statistics
func (f *Framer) GetStats() FramerStats {
	f.mu.Lock()
	defer f.mu.Unlock()

	lossRate := float64(0)
	if f.totalPackets > 0 {
		lossRate = float64(f.lostCount) / float64(f.totalPackets) * 100
	}

	return FramerStats{
		TotalPackets:   f.totalPackets,
		LostPackets:    f.lostCount,
		LatePackets:    f.lateCount,
		LossRate:       lossRate,
		PendingSamples: len(f.pending),
		PendingSeqs:    len(f.reorder),
		LastSequence:   f.lastSeq,
		WindowsEmitted: f.windowsOut,
	}
}
