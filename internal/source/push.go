package source

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/skypro1111/speechchunks/internal/audio"
)

// Push is a source fed by its owner. Network transports write packets or
// samples into it and it delivers complete windows to the handler on the
// writer's goroutine. Audio written while stopped is counted and discarded.
type Push struct {
	framer *audio.Framer

	handler Handler
	running bool
	dropped uint64
	mu      sync.Mutex

	// deliverMu keeps windows from concurrent writers in order
	deliverMu sync.Mutex
}

// PushStats represents push source statistics
type PushStats struct {
	Running bool              `json:"running"`
	Dropped uint64            `json:"dropped_writes"`
	Framer  audio.FramerStats `json:"framer"`
}

// NewPush creates a push source emitting windows of windowSize samples
func NewPush(sampleRate, windowSize int) *Push {
	return &Push{
		framer: audio.NewFramer(sampleRate, windowSize),
	}
}

// SetHandler implements Source
func (p *Push) SetHandler(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// Start implements Source
func (p *Push) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.handler == nil {
		return errors.New("push source has no handler")
	}
	p.running = true
	return nil
}

// Stop implements Source
func (p *Push) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	return nil
}

// Running reports whether the source is delivering windows
func (p *Push) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// WritePacket adds one sequenced PCM-16 packet
func (p *Push) WritePacket(sequence uint32, raw []byte) error {
	handler, ok := p.activeHandler()
	if !ok {
		return nil
	}

	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	windows, err := p.framer.Add(sequence, raw)
	for _, w := range windows {
		handler(w)
	}
	return err
}

// WriteSamples adds already-ordered normalized samples
func (p *Push) WriteSamples(samples []float32) {
	handler, ok := p.activeHandler()
	if !ok {
		return
	}

	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	for _, w := range p.framer.AddSamples(samples) {
		handler(w)
	}
}

// Flush delivers any partial window, zero-padded to full length
func (p *Push) Flush() {
	handler, ok := p.activeHandler()
	if !ok {
		return
	}

	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	if w, ok := p.framer.Flush(); ok {
		handler(w)
	}
}

func (p *Push) activeHandler() (Handler, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		p.dropped++
		return nil, false
	}
	return p.handler, true
}

// LastUpdate returns when audio was last written
func (p *Push) LastUpdate() time.Time {
	return p.framer.LastUpdate()
}

// GetStats returns current push source statistics
func (p *Push) GetStats() PushStats {
	p.mu.Lock()
	running, dropped := p.running, p.dropped
	p.mu.Unlock()

	return PushStats{
		Running: running,
		Dropped: dropped,
		Framer:  p.framer.GetStats(),
	}
}
