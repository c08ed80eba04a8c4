package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/skypro1111/speechchunks/internal/audio"
	"github.com/skypro1111/speechchunks/internal/config"
	"github.com/skypro1111/speechchunks/internal/protocol"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name  string
		level slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseLevel(tt.name); got != tt.level {
				t.Errorf("Expected %v, got %v", tt.level, got)
			}
		})
	}
}

func TestNewHandlerFormats(t *testing.T) {
	var buf bytes.Buffer
	slog.New(newHandler(&buf, "json", slog.LevelInfo, false)).Info("hello", slog.String("stream_id", "s1"))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("Expected JSON output, got %q: %v", buf.String(), err)
	}
	if record["msg"] != "hello" || record["stream_id"] != "s1" {
		t.Errorf("Unexpected record: %v", record)
	}

	buf.Reset()
	logger := slog.New(newHandler(&buf, "text", slog.LevelWarn, false))
	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("Expected info record to be filtered, got %q", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("Expected warn record, got %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Errorf("Expected no color codes off a terminal, got %q", out)
	}
}

func TestNewLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.log")

	logger, closer, err := newLogger(config.LoggingConfig{Level: "info", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("newLogger failed: %v", err)
	}
	logger.Info("to file")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("Expected log line in file, got %q", data)
	}
}

func TestBuildPackets(t *testing.T) {
	samples := []int16{1, -1, 2, -2, 3, -3, 4, -4, 5, -5}

	packets, err := buildPackets(9, "desk", samples, 1000, 4)
	if err != nil {
		t.Fatalf("buildPackets failed: %v", err)
	}
	if len(packets) != 5 {
		t.Fatalf("Expected open, 3 audio and close packets, got %d", len(packets))
	}

	first, err := protocol.ParsePacket(packets[0])
	if err != nil {
		t.Fatalf("ParsePacket(open) failed: %v", err)
	}
	if first.Open == nil || first.Open.GetLabel() != "desk" || first.Open.SampleRate != 1000 {
		t.Errorf("Unexpected open packet: %+v", first.Open)
	}

	wantLens := []int{8, 8, 4}
	for i, want := range wantLens {
		parsed, err := protocol.ParsePacket(packets[i+1])
		if err != nil {
			t.Fatalf("ParsePacket(audio %d) failed: %v", i, err)
		}
		if parsed.Audio.Sequence != uint32(i) {
			t.Errorf("Packet %d: expected sequence %d, got %d", i, i, parsed.Audio.Sequence)
		}
		if len(parsed.Audio.AudioData) != want {
			t.Errorf("Packet %d: expected %d bytes, got %d", i, want, len(parsed.Audio.AudioData))
		}
	}

	last, err := protocol.ParsePacket(packets[4])
	if err != nil {
		t.Fatalf("ParsePacket(close) failed: %v", err)
	}
	if last.Header.PacketType != protocol.PacketTypeClose || last.Header.StreamID != 9 {
		t.Errorf("Unexpected close packet: %v", last.Header)
	}

	if _, err := buildPackets(9, "", samples, 1000, 0); err == nil {
		t.Errorf("Expected error for zero packet duration")
	}
}

// writeTestWAV writes silence, a loud square wave and then more silence
func writeTestWAV(t *testing.T, lead, tone, tail float64) string {
	t.Helper()

	const rate = 16000
	var samples []float32
	samples = append(samples, make([]float32, int(lead*rate))...)
	for i := 0; i < int(tone*rate); i++ {
		if i%2 == 0 {
			samples = append(samples, 0.5)
		} else {
			samples = append(samples, -0.5)
		}
	}
	samples = append(samples, make([]float32, int(tail*rate))...)

	encoded, err := audio.EncodeWAV([][]float32{samples}, rate)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "input.wav")
	if err := os.WriteFile(path, encoded.Data, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestRunSegment(t *testing.T) {
	tests := []struct {
		name       string
		lead, tone float64
		tail       float64
	}{
		{"speech followed by silence", 0.5, 1.0, 1.5},
		{"speech until end of file", 0.5, 1.0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := writeTestWAV(t, tt.lead, tt.tone, tt.tail)

			cfg := config.Default()
			cfg.Sink = config.SinkConfig{Type: "dir", Path: t.TempDir()}

			var out bytes.Buffer
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))

			infos, err := runSegment(context.Background(), cfg, input, false, &out, logger)
			if err != nil {
				t.Fatalf("runSegment failed: %v", err)
			}
			if len(infos) != 1 {
				t.Fatalf("Expected 1 utterance, got %d", len(infos))
			}

			info := infos[0]
			if info.SampleRate != 16000 {
				t.Errorf("Expected sample rate 16000, got %d", info.SampleRate)
			}
			if info.Duration < 0.9 {
				t.Errorf("Expected the tone to be covered, got %.2fs", info.Duration)
			}
			if !strings.Contains(out.String(), info.ID) {
				t.Errorf("Expected utterance %s on stdout, got %q", info.ID, out.String())
			}

			data, err := os.ReadFile(filepath.Join(cfg.Sink.Path, info.ID+".wav"))
			if err != nil {
				t.Fatalf("Expected stored WAV: %v", err)
			}
			if err := audio.ValidateWAV(data); err != nil {
				t.Errorf("Stored WAV is invalid: %v", err)
			}
		})
	}
}

func TestRunSegmentMissingFile(t *testing.T) {
	cfg := config.Default()
	cfg.Sink = config.SinkConfig{Type: "dir", Path: t.TempDir()}

	_, err := runSegment(context.Background(), cfg, "missing.wav", false, io.Discard,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		t.Fatalf("Expected error for missing input")
	}
}
