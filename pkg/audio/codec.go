// Package audio converts between normalized float samples and the base64
// wrapped 16-bit PCM carried on the realtime channel.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// InputSampleRate is the rate of captured microphone audio.
	InputSampleRate = 16000
	// OutputSampleRate is the rate of synthesized speech from the model.
	OutputSampleRate = 24000

	// InputMIMEType tags every outbound blob so the receiver needs no
	// separate format negotiation.
	InputMIMEType = "audio/pcm;rate=16000"

	bytesPerSample = 2
)

var ErrInvalidChannels = errors.New("channel count must be > 0")

// Blob is base64 PCM tagged with its format.
type Blob struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

// EncodeBytes returns the standard base64 encoding of b.
func EncodeBytes(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBase64 reverses EncodeBytes.
func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64 audio: %w", err)
	}
	return b, nil
}

// FloatsToPCMBlob packs samples as signed 16-bit little-endian PCM at the
// input sample rate. Samples outside [-1, 1] are clamped first.
func FloatsToPCMBlob(samples []float32) Blob {
	return Blob{MIMEType: InputMIMEType, Data: EncodeBytes(FloatsToPCM(samples))}
}

// FloatsToPCM packs samples as signed 16-bit little-endian PCM.
func FloatsToPCM(samples []float32) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(quantize(s)))
	}
	return out
}

// PCMToFloats unpacks signed 16-bit little-endian PCM. A trailing odd byte
// is ignored.
func PCMToFloats(pcm []byte) []float32 {
	n := len(pcm) / bytesPerSample
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = dequantize(int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:])))
	}
	return out
}

// DecodeToBuffer decodes base64 PCM into a playable buffer. Interleaved
// samples are split into one plane per channel; a partial trailing frame is
// dropped.
func DecodeToBuffer(data string, sampleRate, channels int) (*Buffer, error) {
	if channels <= 0 {
		return nil, ErrInvalidChannels
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be > 0")
	}
	pcm, err := DecodeBase64(data)
	if err != nil {
		return nil, err
	}
	samples := PCMToFloats(pcm)
	frames := len(samples) / channels
	planes := make([][]float32, channels)
	for ch := range planes {
		planes[ch] = make([]float32, frames)
	}
	for f := 0; f < frames; f++ {
		for ch := 0; ch < channels; ch++ {
			planes[ch][f] = samples[f*channels+ch]
		}
	}
	return &Buffer{SampleRate: sampleRate, Channels: planes}, nil
}

// RMS returns the root-mean-square level of samples in [0, 1].
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(clamp(s))
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// quantize scales negative values by 32768 and positive values by 32767 so
// both ends of [-1, 1] land exactly on the int16 limits.
func quantize(s float32) int16 {
	v := float64(clamp(s))
	if v < 0 {
		return int16(math.Round(v * 32768))
	}
	return int16(math.Round(v * 32767))
}

func dequantize(v int16) float32 {
	if v < 0 {
		return float32(float64(v) / 32768)
	}
	return float32(float64(v) / 32767)
}

func clamp(s float32) float32 {
	switch {
	case math.IsNaN(float64(s)):
		return 0
	case s > 1:
		return 1
	case s < -1:
		return -1
	default:
		return s
	}
}
