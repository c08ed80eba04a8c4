package source

import (
	"context"
	"fmt"

	"github.com/skypro1111/speechchunks/internal/audio"
)

// Handler receives one window per window boundary, in delivery order
type Handler func(audio.Window)

// Source produces fixed-length windows at a fixed sample rate and pushes
// them to its registered handler
type Source interface {
	// SetHandler registers the consumer. It must be called before Start.
	SetHandler(h Handler)

	// Start begins delivery. Failures to open the underlying device are
	// reported as *DeviceError.
	Start(ctx context.Context) error

	// Stop halts delivery. Calling it more than once is safe.
	Stop() error
}

// DeviceError reports that a source could not open or read its device
type DeviceError struct {
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio device %q: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}
