// Package sink persists finished utterances, either as WAV files in a
// directory or in an embedded BadgerDB.
package sink
