package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// WAVHeaderSize is the size of the canonical RIFF/WAVE header in bytes
const WAVHeaderSize = 44

// ErrTooLarge is returned when the PCM payload does not fit the 32-bit size fields
var ErrTooLarge = errors.New("audio payload exceeds 32-bit container size")

// EncodingError reports a failure to serialize samples into a WAV container
type EncodingError struct {
	NumSamples int
	Err        error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode %d samples: %v", e.NumSamples, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// Encoded is one finished utterance serialized as a WAV container
type Encoded struct {
	Data       []byte
	SampleRate int
	NumSamples int
}

// Len returns the declared byte length of the container
func (e Encoded) Len() int {
	return len(e.Data)
}

// Duration returns the playback duration of the encoded audio
func (e Encoded) Duration() time.Duration {
	if e.SampleRate <= 0 {
		return 0
	}
	return time.Duration(e.NumSamples) * time.Second / time.Duration(e.SampleRate)
}

// Quantize converts a normalized float sample to signed 16-bit PCM.
// Negative values scale by 32768 and positive values by 32767.
func Quantize(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	if v < 0 {
		return int16(math.Round(v * 32768))
	}
	return int16(math.Round(v * 32767))
}

// PCM16ToFloat converts a 16-bit sample back to the normalized float range
func PCM16ToFloat(s int16) float32 {
	if s < 0 {
		return float32(s) / 32768
	}
	return float32(s) / 32767
}

// EncodeWAV concatenates the chunks in order, quantizes them to 16-bit PCM and
// wraps them in a mono WAV container. An empty input yields a bare 44-byte header.
func EncodeWAV(chunks [][]float32, sampleRate int) (Encoded, error) {
	numSamples := 0
	for _, chunk := range chunks {
		numSamples += len(chunk)
	}

	samples := make([]int16, 0, numSamples)
	for _, chunk := range chunks {
		for _, s := range chunk {
			samples = append(samples, Quantize(s))
		}
	}

	data, err := EncodePCM16(samples, sampleRate)
	if err != nil {
		return Encoded{}, &EncodingError{NumSamples: numSamples, Err: err}
	}

	return Encoded{Data: data, SampleRate: sampleRate, NumSamples: numSamples}, nil
}

// EncodePCM16 encodes PCM-16 samples into WAV format
func EncodePCM16(samples []int16, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	dataSize, chunkSize, err := containerSizes(uint64(len(samples)))
	if err != nil {
		return nil, err
	}
	if uint64(sampleRate)*2 > math.MaxUint32 {
		return nil, fmt.Errorf("sample rate %d overflows byte rate field", sampleRate)
	}

	numChannels := uint16(1)
	bitsPerSample := uint16(16)

	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     chunkSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, WAVHeaderSize+int(dataSize)))

	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	return buf.Bytes(), nil
}

// containerSizes computes the data and RIFF chunk sizes for n mono 16-bit samples
func containerSizes(n uint64) (dataSize, chunkSize uint32, err error) {
	data := n * 2
	if n > math.MaxUint64/2 || data > math.MaxUint32 || 36+data > math.MaxUint32 {
		return 0, 0, ErrTooLarge
	}
	return uint32(data), uint32(36 + data), nil
}

// DecodeWAV decodes WAV format data back to PCM-16 samples
func DecodeWAV(data []byte) ([]int16, int, error) {
	header, err := readHeader(data)
	if err != nil {
		return nil, 0, err
	}

	if header.AudioFormat != 1 {
		return nil, 0, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", header.AudioFormat)
	}

	if header.BitsPerSample != 16 {
		return nil, 0, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", header.BitsPerSample)
	}

	if header.NumChannels != 1 {
		return nil, 0, fmt.Errorf("unsupported channel count: %d (only mono is supported)", header.NumChannels)
	}

	payload := data[WAVHeaderSize:]
	if uint64(header.Subchunk2Size) > uint64(len(payload)) {
		return nil, 0, fmt.Errorf("truncated data chunk: header says %d bytes, got %d", header.Subchunk2Size, len(payload))
	}

	numSamples := int(header.Subchunk2Size) / 2
	samples := make([]int16, numSamples)
	if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, samples); err != nil {
		return nil, 0, fmt.Errorf("failed to read audio samples: %w", err)
	}

	return samples, int(header.SampleRate), nil
}

// DecodeWAVFloat decodes a WAV container into normalized float samples
func DecodeWAVFloat(data []byte) ([]float32, int, error) {
	pcm, sampleRate, err := DecodeWAV(data)
	if err != nil {
		return nil, 0, err
	}
	samples := make([]float32, len(pcm))
	for i, s := range pcm {
		samples[i] = PCM16ToFloat(s)
	}
	return samples, sampleRate, nil
}

func readHeader(data []byte) (*WAVHeader, error) {
	if err := ValidateWAV(data); err != nil {
		return nil, err
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}
	return &header, nil
}

// ValidateWAV validates a WAV file format without decoding the entire audio data
func ValidateWAV(data []byte) error {
	if len(data) < WAVHeaderSize {
		return fmt.Errorf("WAV data too short: need at least %d bytes, got %d", WAVHeaderSize, len(data))
	}

	if string(data[0:4]) != "RIFF" {
		return fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(data[8:12]) != "WAVE" {
		return fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	if string(data[12:16]) != "fmt " {
		return fmt.Errorf("invalid WAV file: missing fmt chunk")
	}

	if string(data[36:40]) != "data" {
		return fmt.Errorf("invalid WAV file: missing data chunk")
	}

	return nil
}

// GetWAVDuration calculates the duration of a WAV file in seconds
func GetWAVDuration(data []byte) (float64, error) {
	info, err := GetWAVInfo(data)
	if err != nil {
		return 0, err
	}
	return info.Duration, nil
}

// WAVInfo holds basic information about a WAV file
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumSamples    uint32  `json:"num_samples"`
}

// GetWAVInfo extracts metadata from a WAV file
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	header, err := readHeader(data)
	if err != nil {
		return nil, err
	}

	if header.SampleRate == 0 {
		return nil, fmt.Errorf("invalid sample rate: 0")
	}
	if header.BitsPerSample < 8 {
		return nil, fmt.Errorf("invalid bit depth: %d", header.BitsPerSample)
	}

	numSamples := header.Subchunk2Size / (uint32(header.BitsPerSample) / 8)

	return &WAVInfo{
		SampleRate:    header.SampleRate,
		Channels:      header.NumChannels,
		BitsPerSample: header.BitsPerSample,
		Duration:      float64(numSamples) / float64(header.SampleRate),
		DataSize:      header.Subchunk2Size,
		NumSamples:    numSamples,
	}, nil
}
