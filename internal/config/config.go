package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skypro1111/speechchunks/internal/audio"
	"github.com/skypro1111/speechchunks/internal/segmenter"
	"github.com/skypro1111/speechchunks/internal/vad"
)

// Config represents the complete service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	HTTP    HTTPConfig    `yaml:"http"`
	Audio   AudioConfig   `yaml:"audio"`
	VAD     VADConfig     `yaml:"vad"`
	Sink    SinkConfig    `yaml:"sink"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains UDP server configuration
type ServerConfig struct {
	Enabled              bool   `yaml:"enabled"`
	UDPPort              int    `yaml:"udp_port"`
	BindAddress          string `yaml:"bind_address"`
	BufferSize           int    `yaml:"buffer_size"`
	Workers              int    `yaml:"workers"`
	QueueSize            int    `yaml:"queue_size"`
	MaxConcurrentStreams int    `yaml:"max_concurrent_streams"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
	// Ingest enables the WebSocket audio endpoint
	Ingest bool `yaml:"ingest"`
}

// AudioConfig contains stream parameters shared by every source
type AudioConfig struct {
	SampleRate         int     `yaml:"sample_rate"`
	WindowSize         int     `yaml:"window_size"`          // samples
	StreamTimeout      int     `yaml:"stream_timeout"`       // seconds
	MaxSegmentDuration float64 `yaml:"max_segment_duration"` // seconds, 0 disables the cap
}

// VADConfig contains voice activity detection configuration
type VADConfig struct {
	Engine               string  `yaml:"engine"`
	ModelPath            string  `yaml:"model_path"`
	StartThreshold       float32 `yaml:"start_threshold"`
	EndThreshold         float32 `yaml:"end_threshold"`
	MinSilenceDurationMs int     `yaml:"min_silence_duration_ms"`
	SpeechPadMs          int     `yaml:"speech_pad_ms"`
}

// SinkConfig selects where finished utterances are stored
type SinkConfig struct {
	Type string `yaml:"type"` // "dir" or "badger"
	Path string `yaml:"path"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Enabled:              true,
			UDPPort:              4444,
			BindAddress:          "0.0.0.0",
			BufferSize:           65536,
			Workers:              4,
			QueueSize:            1000,
			MaxConcurrentStreams: 1000,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
			Ingest:  true,
		},
		Audio: AudioConfig{
			SampleRate:         audio.DefaultSampleRate,
			WindowSize:         audio.DefaultWindowSize,
			StreamTimeout:      60,
			MaxSegmentDuration: 60,
		},
		VAD: VADConfig{
			Engine:               vad.EngineEnergy,
			StartThreshold:       0.6,
			EndThreshold:         0.45,
			MinSilenceDurationMs: 600,
			SpeechPadMs:          500,
		},
		Sink: SinkConfig{
			Type: "dir",
			Path: "./utterances",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file. Fields missing from the
// file keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// LoadOrDefault loads path, or returns the validated defaults when path is empty
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		config := Default()
		return config, config.Validate()
	}
	return Load(path)
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Sink.Validate(); err != nil {
		return fmt.Errorf("sink config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if !s.Enabled {
		return nil
	}

	if s.UDPPort < 1 || s.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", s.UDPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", s.BufferSize)
	}

	if s.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", s.Workers)
	}

	if s.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", s.QueueSize)
	}

	if s.MaxConcurrentStreams < 1 {
		return fmt.Errorf("max_concurrent_streams must be at least 1, got %d", s.MaxConcurrentStreams)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}

	if a.WindowSize < 64 || a.WindowSize > 8192 {
		return fmt.Errorf("window_size must be between 64 and 8192 samples, got %d", a.WindowSize)
	}

	if a.StreamTimeout < 1 {
		return fmt.Errorf("stream_timeout must be at least 1 second, got %d", a.StreamTimeout)
	}

	if a.MaxSegmentDuration < 0 {
		return fmt.Errorf("max_segment_duration cannot be negative, got %f", a.MaxSegmentDuration)
	}

	if a.MaxSegmentDuration > 0 && a.MaxSegmentDuration*float64(a.SampleRate) < float64(a.WindowSize) {
		return fmt.Errorf("max_segment_duration must cover at least one window (%d samples), got %f", a.WindowSize, a.MaxSegmentDuration)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	validEngines := map[string]bool{"energy": true, "silero": true}
	if !validEngines[v.Engine] {
		return fmt.Errorf("engine must be 'energy' or 'silero', got '%s'", v.Engine)
	}

	if v.Engine == "silero" && v.ModelPath == "" {
		return fmt.Errorf("model_path cannot be empty for the silero engine")
	}

	if v.StartThreshold < 0 || v.StartThreshold > 1 {
		return fmt.Errorf("start_threshold must be between 0 and 1, got %f", v.StartThreshold)
	}

	if v.EndThreshold < 0 || v.EndThreshold > v.StartThreshold {
		return fmt.Errorf("end_threshold must be between 0 and start_threshold (%f), got %f",
			v.StartThreshold, v.EndThreshold)
	}

	if v.MinSilenceDurationMs < 0 {
		return fmt.Errorf("min_silence_duration_ms cannot be negative, got %d", v.MinSilenceDurationMs)
	}

	if v.SpeechPadMs < 0 {
		return fmt.Errorf("speech_pad_ms cannot be negative, got %d", v.SpeechPadMs)
	}

	return nil
}

// Validate validates sink configuration
func (s *SinkConfig) Validate() error {
	validTypes := map[string]bool{"dir": true, "badger": true}
	if !validTypes[s.Type] {
		return fmt.Errorf("type must be 'dir' or 'badger', got '%s'", s.Type)
	}

	if s.Path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	return nil
}

// Validate validates logging configuration. Output may be stdout, stderr or
// a file path.
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetStreamTimeoutDuration returns the stream timeout as a time.Duration
func (a *AudioConfig) GetStreamTimeoutDuration() time.Duration {
	return time.Duration(a.StreamTimeout) * time.Second
}

// GetMaxSegmentDuration returns the segment cap as a time.Duration
func (a *AudioConfig) GetMaxSegmentDuration() time.Duration {
	return time.Duration(a.MaxSegmentDuration * float64(time.Second))
}

// GetMinSilenceDuration returns the minimum silence duration as a time.Duration
func (v *VADConfig) GetMinSilenceDuration() time.Duration {
	return time.Duration(v.MinSilenceDurationMs) * time.Millisecond
}

// SegmenterConfig returns the per-stream segmenter parameters
func (c *Config) SegmenterConfig() segmenter.Config {
	return segmenter.Config{
		SampleRate:         c.Audio.SampleRate,
		WindowSize:         c.Audio.WindowSize,
		MaxSegmentDuration: c.Audio.GetMaxSegmentDuration(),
	}
}

// OracleConfig returns the detection parameters for sampleRate. Streams may
// announce a rate different from the configured default.
func (c *Config) OracleConfig(sampleRate int) vad.Config {
	return vad.Config{
		SampleRate:           sampleRate,
		WindowSize:           c.Audio.WindowSize,
		StartThreshold:       c.VAD.StartThreshold,
		EndThreshold:         c.VAD.EndThreshold,
		MinSilenceDurationMs: c.VAD.MinSilenceDurationMs,
		SpeechPadMs:          c.VAD.SpeechPadMs,
		ModelPath:            c.VAD.ModelPath,
	}
}
