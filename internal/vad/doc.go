// Package vad defines the voice activity oracle consulted once per audio
// window. It provides an energy-based engine, an optional Silero ONNX engine
// (built with the "silero" tag) and an asynchronous wrapper that confines an
// engine to its own goroutine.
package vad
