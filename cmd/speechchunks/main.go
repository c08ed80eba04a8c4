// Package main provides the speechchunks command.
//
// Usage:
//
//	speechchunks [flags] <command> [args]
//
// Commands:
//
//	serve   - run the UDP/WebSocket ingest service with the HTTP API
//	segment - split a WAV file into utterance WAV files
//	send    - stream a WAV file to a running service over UDP
package main

import (
	"fmt"
	"os"

	"github.com/skypro1111/speechchunks/cmd/speechchunks/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
