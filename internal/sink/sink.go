package sink

import (
	"context"
	"errors"
	"time"

	"github.com/skypro1111/speechchunks/internal/audio"
)

// ErrNotFound is returned when an utterance ID is unknown
var ErrNotFound = errors.New("utterance not found")

// Utterance is one finished speech segment
type Utterance struct {
	ID        string
	StreamID  string
	StartedAt time.Time
	EndedAt   time.Time
	Audio     audio.Encoded
}

// Info returns the utterance metadata
func (u *Utterance) Info() Info {
	return Info{
		ID:         u.ID,
		StreamID:   u.StreamID,
		StartedAt:  u.StartedAt,
		EndedAt:    u.EndedAt,
		SampleRate: u.Audio.SampleRate,
		NumSamples: u.Audio.NumSamples,
		Duration:   u.Audio.Duration().Seconds(),
		Bytes:      u.Audio.Len(),
	}
}

// Info describes a stored utterance without its audio
type Info struct {
	ID         string    `json:"id"`
	StreamID   string    `json:"stream_id"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	SampleRate int       `json:"sample_rate"`
	NumSamples int       `json:"num_samples"`
	Duration   float64   `json:"duration_seconds"`
	Bytes      int       `json:"bytes"`
}

// Sink persists utterances
type Sink interface {
	// Store saves an utterance under its ID
	Store(ctx context.Context, u *Utterance) error
	// Load returns the WAV container stored under id
	Load(ctx context.Context, id string) ([]byte, Info, error)
	// List returns metadata for all stored utterances, oldest first
	List(ctx context.Context) ([]Info, error)
	Close() error
}

func validate(u *Utterance) error {
	if u == nil {
		return errors.New("nil utterance")
	}
	if u.ID == "" {
		return errors.New("utterance has no id")
	}
	return nil
}
