// Package audio holds the audio primitives shared by the pipeline: fixed-size
// sample windows, the sequenced PCM framer that turns network packets into
// windows, and the RIFF/WAVE encoder that serializes finished utterances.
package audio
