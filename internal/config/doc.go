// Package config loads and validates the YAML service configuration. Values
// missing from the file fall back to Default, and the loaded values are
// converted into per-stream segmenter and detector parameters.
package config
