// Package stream owns the per-stream pipeline of the service. Each session
// pairs a push source with its own oracle and segmenter, hands finished
// utterances to the sink and is removed on close or after a period of
// inactivity. Speech still in progress when a session goes away is stored as
// a final utterance.
package stream
