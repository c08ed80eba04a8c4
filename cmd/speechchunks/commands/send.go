package commands

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/speechchunks/internal/audio"
	"github.com/skypro1111/speechchunks/internal/protocol"
)

var sendCmd = &cobra.Command{
	Use:   "send <input.wav>",
	Short: "Stream a WAV file to a running service over UDP",
	Long: `Stream a 16-bit mono WAV file to a running service.

The file is sent as one open packet, audio packets of --packet-ms each and
a close packet.

Example:
  speechchunks send call.wav --addr 127.0.0.1:4444 --stream-id 7 --label desk`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		streamID, _ := cmd.Flags().GetUint32("stream-id")
		label, _ := cmd.Flags().GetString("label")
		packetMs, _ := cmd.Flags().GetInt("packet-ms")
		realtime, _ := cmd.Flags().GetBool("realtime")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		samples, sampleRate, err := audio.DecodeWAV(data)
		if err != nil {
			return fmt.Errorf("invalid WAV file %s: %w", args[0], err)
		}

		packets, err := buildPackets(streamID, label, samples, sampleRate, packetMs)
		if err != nil {
			return err
		}

		conn, err := net.Dial("udp", addr)
		if err != nil {
			return fmt.Errorf("failed to dial %s: %w", addr, err)
		}
		defer conn.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		interval := time.Duration(0)
		if realtime {
			interval = time.Duration(packetMs) * time.Millisecond
		}
		if err := sendPackets(ctx, conn, packets, interval); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "sent %d packets (%d samples at %d Hz) to %s\n",
			len(packets), len(samples), sampleRate, addr)
		return nil
	},
}

func init() {
	sendCmd.Flags().String("addr", "127.0.0.1:4444", "Service UDP address")
	sendCmd.Flags().Uint32("stream-id", 1, "Stream identifier")
	sendCmd.Flags().String("label", "", "Stream label (at most 63 bytes)")
	sendCmd.Flags().Int("packet-ms", 20, "Audio per packet in milliseconds")
	sendCmd.Flags().Bool("realtime", true, "Pace packets at the audio rate")
}

// buildPackets encodes a complete stream: open, audio packets and close
func buildPackets(streamID uint32, label string, samples []int16, sampleRate, packetMs int) ([][]byte, error) {
	if packetMs <= 0 {
		return nil, fmt.Errorf("packet-ms must be positive, got %d", packetMs)
	}
	perPacket := max(sampleRate*packetMs/1000, 1)

	open, err := protocol.BuildOpen(streamID, label, uint32(sampleRate), uint32(time.Now().Unix()))
	if err != nil {
		return nil, err
	}
	packets := [][]byte{open}

	var sequence uint32
	for start := 0; start < len(samples); start += perPacket {
		end := min(start+perPacket, len(samples))

		pcm := make([]byte, (end-start)*2)
		for i, s := range samples[start:end] {
			binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
		}

		packet, err := protocol.BuildAudio(streamID, sequence, pcm)
		if err != nil {
			return nil, err
		}
		packets = append(packets, packet)
		sequence++
	}

	return append(packets, protocol.BuildClose(streamID)), nil
}

// sendPackets writes packets in order, waiting interval between audio packets
func sendPackets(ctx context.Context, conn net.Conn, packets [][]byte, interval time.Duration) error {
	var ticker *time.Ticker
	if interval > 0 {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}

	for i, packet := range packets {
		if ticker != nil && i > 0 && i < len(packets)-1 {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if _, err := conn.Write(packet); err != nil {
			return fmt.Errorf("failed to send packet %d: %w", i, err)
		}
	}
	return nil
}
