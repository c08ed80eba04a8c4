package source

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/speechchunks/internal/audio"
)

type collector struct {
	mu      sync.Mutex
	windows []audio.Window
}

func (c *collector) handle(w audio.Window) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.windows = append(c.windows, w)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.windows)
}

func TestPushDeliversWindowsWhileRunning(t *testing.T) {
	p := NewPush(16000, 4)
	c := &collector{}
	p.SetHandler(c.handle)

	// written before Start: dropped
	p.WriteSamples([]float32{1, 1, 1, 1})
	if c.count() != 0 {
		t.Fatalf("Expected no windows before start, got %d", c.count())
	}

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	p.WriteSamples([]float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6})
	if c.count() != 1 {
		t.Fatalf("Expected 1 window, got %d", c.count())
	}

	p.Flush()
	if c.count() != 2 {
		t.Fatalf("Expected padded window after flush, got %d", c.count())
	}
	last := c.windows[1]
	if last.Samples[1] != 0.6 || last.Samples[2] != 0 {
		t.Errorf("Unexpected flushed samples: %v", last.Samples)
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Errorf("Second Stop failed: %v", err)
	}

	p.WriteSamples([]float32{1, 1, 1, 1})
	if c.count() != 2 {
		t.Errorf("Expected writes after stop to be dropped, got %d windows", c.count())
	}

	stats := p.GetStats()
	if stats.Dropped != 2 {
		t.Errorf("Expected 2 dropped writes, got %d", stats.Dropped)
	}
	if stats.Running {
		t.Error("Expected source to be stopped")
	}
}

func TestPushWritePacket(t *testing.T) {
	p := NewPush(8000, 2)
	c := &collector{}
	p.SetHandler(c.handle)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := p.WritePacket(0, []byte{0, 0, 0, 0}); err != nil {
		t.Fatalf("WritePacket failed: %v", err)
	}
	if err := p.WritePacket(0, []byte{0, 0}); err == nil {
		t.Error("Expected error for duplicate packet")
	}
	if c.count() != 1 {
		t.Errorf("Expected 1 window, got %d", c.count())
	}
	if stats := p.GetStats(); stats.Framer.TotalPackets != 2 {
		t.Errorf("Expected 2 packets seen, got %d", stats.Framer.TotalPackets)
	}
}

func TestPushStartRequiresHandler(t *testing.T) {
	p := NewPush(16000, 512)
	if err := p.Start(context.Background()); err == nil {
		t.Error("Expected error when starting without handler")
	}
}

func writeTestWAV(t *testing.T, samples []float32, rate int) string {
	t.Helper()

	encoded, err := audio.EncodeWAV([][]float32{samples}, rate)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "input.wav")
	if err := os.WriteFile(path, encoded.Data, 0o644); err != nil {
		t.Fatalf("Failed to write WAV: %v", err)
	}
	return path
}

func TestWAVFileReplaysWindows(t *testing.T) {
	path := writeTestWAV(t, make([]float32, 10), 16000)

	src, err := NewWAVFile(WAVFileConfig{Path: path, SampleRate: 16000, WindowSize: 4})
	if err != nil {
		t.Fatalf("NewWAVFile failed: %v", err)
	}
	c := &collector{}
	src.SetHandler(c.handle)

	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-src.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for replay to finish")
	}

	// 10 samples: two full windows and one padded
	if c.count() != 3 {
		t.Fatalf("Expected 3 windows, got %d", c.count())
	}
	for i, w := range c.windows {
		if len(w.Samples) != 4 {
			t.Errorf("Window %d: expected 4 samples, got %d", i, len(w.Samples))
		}
	}

	if err := src.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Errorf("Second Stop failed: %v", err)
	}
}

func TestWAVFileStopInterruptsRealtimeReplay(t *testing.T) {
	// one second of audio in 32 ms windows
	path := writeTestWAV(t, make([]float32, 16000), 16000)

	src, err := NewWAVFile(WAVFileConfig{Path: path, SampleRate: 16000, WindowSize: 512, Realtime: true})
	if err != nil {
		t.Fatalf("NewWAVFile failed: %v", err)
	}
	c := &collector{}
	src.SetHandler(c.handle)

	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if n := c.count(); n >= 32 {
		t.Errorf("Expected replay to be interrupted, got all %d windows", n)
	}
}

func TestWAVFileDeviceErrors(t *testing.T) {
	tests := []struct {
		name    string
		path    func(t *testing.T) string
		wantErr error
	}{
		{
			name:    "missing file",
			path:    func(t *testing.T) string { return filepath.Join(t.TempDir(), "missing.wav") },
			wantErr: fs.ErrNotExist,
		},
		{
			name: "not a wav file",
			path: func(t *testing.T) string {
				p := filepath.Join(t.TempDir(), "junk.wav")
				if err := os.WriteFile(p, []byte("definitely not riff data, but long enough to parse"), 0o644); err != nil {
					t.Fatal(err)
				}
				return p
			},
		},
		{
			name: "sample rate mismatch",
			path: func(t *testing.T) string { return writeTestWAV(t, make([]float32, 8), 8000) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := NewWAVFile(WAVFileConfig{Path: tt.path(t), SampleRate: 16000, WindowSize: 4})
			if err != nil {
				t.Fatalf("NewWAVFile failed: %v", err)
			}
			src.SetHandler(func(audio.Window) {})

			err = src.Start(context.Background())
			var devErr *DeviceError
			if !errors.As(err, &devErr) {
				t.Fatalf("Expected *DeviceError, got %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v in chain, got %v", tt.wantErr, err)
			}
		})
	}
}
