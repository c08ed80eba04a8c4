package audio

import (
	"encoding/binary"
	"testing"
	"time"
)

// pcmPacket builds a little-endian PCM-16 payload with every sample set to value
func pcmPacket(n int, value int16) []byte {
	raw := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(value))
	}
	return raw
}

func TestFramerEmitsFixedWindows(t *testing.T) {
	framer := NewFramer(16000, 512)

	var windows []Window
	for seq := uint32(0); seq < 10; seq++ {
		out, err := framer.Add(seq, pcmPacket(160, 1000))
		if err != nil {
			t.Fatalf("Add(%d) failed: %v", seq, err)
		}
		windows = append(windows, out...)
	}

	// 10 packets * 160 samples = 1600 samples = 3 full windows + 64 pending
	if len(windows) != 3 {
		t.Fatalf("Expected 3 windows, got %d", len(windows))
	}
	for i, w := range windows {
		if len(w.Samples) != 512 {
			t.Errorf("Window %d: expected 512 samples, got %d", i, len(w.Samples))
		}
		if w.SampleRate != 16000 {
			t.Errorf("Window %d: expected sample rate 16000, got %d", i, w.SampleRate)
		}
	}

	stats := framer.GetStats()
	if stats.PendingSamples != 64 {
		t.Errorf("Expected 64 pending samples, got %d", stats.PendingSamples)
	}
	if stats.WindowsEmitted != 3 {
		t.Errorf("Expected 3 windows emitted, got %d", stats.WindowsEmitted)
	}
}

func TestFramerReordersPackets(t *testing.T) {
	framer := NewFramer(8000, 4)

	if _, err := framer.Add(1, pcmPacket(2, 100)); err != nil {
		t.Fatalf("Add(1) failed: %v", err)
	}

	// seq 3 arrives before seq 2
	out, err := framer.Add(3, pcmPacket(2, 300))
	if err != nil {
		t.Fatalf("Add(3) failed: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("Expected no window while seq 2 is missing, got %d", len(out))
	}

	out, err = framer.Add(2, pcmPacket(2, 200))
	if err != nil {
		t.Fatalf("Add(2) failed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("Expected 1 window after gap closed, got %d", len(out))
	}

	expected := []int16{100, 100, 200, 200}
	for i, want := range expected {
		if got := Quantize(out[0].Samples[i]); got != want {
			t.Errorf("Sample %d: expected %d, got %d", i, want, got)
		}
	}

	stats := framer.GetStats()
	if stats.PendingSamples != 2 {
		t.Errorf("Expected seq 3 samples pending, got %d", stats.PendingSamples)
	}
	if stats.LastSequence != 3 {
		t.Errorf("Expected last sequence 3, got %d", stats.LastSequence)
	}
}

func TestFramerSkipsLargeGap(t *testing.T) {
	framer := NewFramer(8000, 2)
	framer.SetMaxGap(2)

	if _, err := framer.Add(10, pcmPacket(2, 1)); err != nil {
		t.Fatalf("Add(10) failed: %v", err)
	}

	out, err := framer.Add(20, pcmPacket(2, 2))
	if err != nil {
		t.Fatalf("Add(20) failed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("Expected window after skipping gap, got %d", len(out))
	}

	stats := framer.GetStats()
	if stats.LostPackets != 9 {
		t.Errorf("Expected 9 lost packets, got %d", stats.LostPackets)
	}
}

func TestFramerSkipKeepsBufferedPackets(t *testing.T) {
	framer := NewFramer(8000, 2)
	framer.SetMaxGap(4)

	if _, err := framer.Add(0, pcmPacket(1, 10)); err != nil {
		t.Fatalf("Add(0) failed: %v", err)
	}
	if _, err := framer.Add(3, pcmPacket(1, 30)); err != nil {
		t.Fatalf("Add(3) failed: %v", err)
	}

	out, err := framer.Add(10, pcmPacket(1, 100))
	if err != nil {
		t.Fatalf("Add(10) failed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("Expected 1 window, got %d", len(out))
	}
	if a, b := Quantize(out[0].Samples[0]), Quantize(out[0].Samples[1]); a != 10 || b != 30 {
		t.Errorf("Expected samples 10, 30, got %d, %d", a, b)
	}

	stats := framer.GetStats()
	// 1, 2 and 4..9 never arrived
	if stats.LostPackets != 8 {
		t.Errorf("Expected 8 lost packets, got %d", stats.LostPackets)
	}
	if stats.PendingSeqs != 0 {
		t.Errorf("Expected no buffered sequences, got %d", stats.PendingSeqs)
	}
	if stats.LastSequence != 10 {
		t.Errorf("Expected last sequence 10, got %d", stats.LastSequence)
	}
}

func TestFramerFarAheadSequence(t *testing.T) {
	framer := NewFramer(8000, 32)

	if _, err := framer.Add(0, pcmPacket(32, 1)); err != nil {
		t.Fatalf("Add(0) failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := framer.Add(0xFFFFFFF0, pcmPacket(32, 2))
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Add far ahead failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Add with a far-ahead sequence did not return")
	}

	stats := framer.GetStats()
	if stats.LostPackets != 0xFFFFFFF0-1 {
		t.Errorf("Expected %d lost packets, got %d", uint32(0xFFFFFFF0-1), stats.LostPackets)
	}
	if stats.LastSequence != 0xFFFFFFF0 {
		t.Errorf("Expected last sequence %d, got %d", uint32(0xFFFFFFF0), stats.LastSequence)
	}
}

func TestFramerRejectsDuplicates(t *testing.T) {
	framer := NewFramer(8000, 512)

	if _, err := framer.Add(5, pcmPacket(10, 1)); err != nil {
		t.Fatalf("Add(5) failed: %v", err)
	}
	if _, err := framer.Add(5, pcmPacket(10, 1)); err == nil {
		t.Error("Expected error for duplicate packet")
	}
	if _, err := framer.Add(6, []byte{1, 2, 3}); err == nil {
		t.Error("Expected error for odd-length payload")
	}

	if stats := framer.GetStats(); stats.LatePackets != 1 {
		t.Errorf("Expected 1 late packet, got %d", stats.LatePackets)
	}
}

func TestFramerFlushPadsPartialWindow(t *testing.T) {
	framer := NewFramer(16000, 8)

	windows := framer.AddSamples([]float32{0.1, 0.2, 0.3})
	if len(windows) != 0 {
		t.Fatalf("Expected no full window, got %d", len(windows))
	}

	w, ok := framer.Flush()
	if !ok {
		t.Fatal("Expected a flushed window")
	}
	if len(w.Samples) != 8 {
		t.Fatalf("Expected padded window of 8 samples, got %d", len(w.Samples))
	}
	if w.Samples[2] != 0.3 || w.Samples[3] != 0 {
		t.Errorf("Unexpected padded samples: %v", w.Samples)
	}

	if _, ok := framer.Flush(); ok {
		t.Error("Expected nothing left to flush")
	}
}
