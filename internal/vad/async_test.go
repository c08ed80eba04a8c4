package vad_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/skypro1111/speechchunks/internal/audio"
	"github.com/skypro1111/speechchunks/internal/vad"
	"github.com/skypro1111/speechchunks/internal/vad/mock"
)

func TestAsyncForwardsCalls(t *testing.T) {
	inner := &mock.Oracle{Script: mock.Kinds(vad.Start, vad.End)}
	a := vad.NewAsync(inner)
	defer a.Close()

	ctx := context.Background()
	w := audio.Window{Samples: make([]float32, 4), SampleRate: 16000}

	det, err := a.Apply(ctx, w, true)
	if err != nil || det.Kind != vad.Start {
		t.Fatalf("Expected start, got %s (err %v)", det.Kind, err)
	}
	det, err = a.Apply(ctx, w, false)
	if err != nil || det.Kind != vad.End {
		t.Fatalf("Expected end, got %s (err %v)", det.Kind, err)
	}

	a.Reset()
	if inner.Resets() != 1 {
		t.Errorf("Expected 1 reset, got %d", inner.Resets())
	}

	calls := inner.Calls()
	if len(calls) != 2 {
		t.Fatalf("Expected 2 calls, got %d", len(calls))
	}
	if !calls[0].Reset || calls[1].Reset {
		t.Errorf("Unexpected reset flags: %v, %v", calls[0].Reset, calls[1].Reset)
	}
}

func TestAsyncPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	inner := &mock.Oracle{Script: []mock.Step{{Err: boom}}}
	a := vad.NewAsync(inner)
	defer a.Close()

	_, err := a.Apply(context.Background(), audio.Window{Samples: []float32{0}}, false)
	if !errors.Is(err, boom) {
		t.Errorf("Expected inner error, got %v", err)
	}
}

func TestAsyncApplyHonoursContext(t *testing.T) {
	block := make(chan struct{})
	inner := &mock.Oracle{Script: []mock.Step{{Block: block}}}
	a := vad.NewAsync(inner)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.Apply(ctx, audio.Window{Samples: []float32{0}}, false)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}

	close(block)
	if err := a.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestAsyncCloseIsIdempotent(t *testing.T) {
	closeErr := errors.New("close failed")
	inner := &mock.Oracle{CloseErr: closeErr}
	a := vad.NewAsync(inner)

	if err := a.Close(); !errors.Is(err, closeErr) {
		t.Errorf("Expected inner close error, got %v", err)
	}
	if err := a.Close(); !errors.Is(err, closeErr) {
		t.Errorf("Expected same error on second close, got %v", err)
	}
	if inner.Closes() != 1 {
		t.Errorf("Expected inner closed once, got %d", inner.Closes())
	}

	if _, err := a.Apply(context.Background(), audio.Window{Samples: []float32{0}}, false); !errors.Is(err, vad.ErrClosed) {
		t.Errorf("Expected ErrClosed after close, got %v", err)
	}

	a.Reset()
	if inner.Resets() != 0 {
		t.Errorf("Expected no reset after close, got %d", inner.Resets())
	}
}
