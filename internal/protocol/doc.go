// Package protocol implements the binary UDP ingest protocol: an 8-byte
// header followed by an open, audio or close payload. It provides parsing,
// validation and packet builders.
package protocol
