// Package segmenter implements the speech segmentation state machine. A
// Segmenter consults a vad.Oracle for every window, buffers windows while
// speech is active and emits each utterance as a WAV container.
package segmenter
