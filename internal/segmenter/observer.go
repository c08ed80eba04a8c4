package segmenter

import (
	"github.com/skypro1111/speechchunks/internal/audio"
	"github.com/skypro1111/speechchunks/internal/vad"
)

// Observer receives processing events, typically to update metrics. Calls are
// made from the feeding goroutine and must not block.
type Observer interface {
	// WindowProcessed is called for every window the oracle classified
	WindowProcessed(kind vad.Kind)
	// OracleFailed is called for every window skipped after an oracle failure
	OracleFailed(err error)
	// WindowDropped is called for windows rejected before or after classification
	WindowDropped(reason string)
	// UtteranceEmitted is called after onSpeechEnd returns
	UtteranceEmitted(encoded audio.Encoded)
}

// Drop reasons reported to Observer.WindowDropped
const (
	DropInvalidLength = "invalid_length"
	DropSegmentLimit  = "segment_limit"
	DropEncoding      = "encoding"
)

type nopObserver struct{}

func (nopObserver) WindowProcessed(vad.Kind)       {}
func (nopObserver) OracleFailed(error)             {}
func (nopObserver) WindowDropped(string)           {}
func (nopObserver) UtteranceEmitted(audio.Encoded) {}
