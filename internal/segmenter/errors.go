package segmenter

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by Feed and Start after Close
	ErrClosed = errors.New("segmenter closed")

	// ErrSegmentLimit is returned when a window would push the active segment
	// past the configured maximum duration. The window is dropped and the
	// segment stays active.
	ErrSegmentLimit = errors.New("segment duration limit reached")

	// ErrNoSource is returned by Start when the segmenter was built without a source
	ErrNoSource = errors.New("segmenter has no audio source")
)

// ValidationError reports a window whose length does not match the
// configured window size
type ValidationError struct {
	Expected int
	Got      int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("window has %d samples, expected %d", e.Got, e.Expected)
}
