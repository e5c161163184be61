package entities

import "time"

// Codec tags the encoding of an AudioFrame
type Codec string

const (
	// CodecMulaw is the telephony narrowband codec: 8 kHz, mono, 8-bit companded
	CodecMulaw Codec = "mulaw"
	// CodecPCM16 is 16-bit little-endian linear PCM used by the speech service
	CodecPCM16 Codec = "pcm16"
)

// TelephonySampleRate is the sample rate of the telephony leg
const TelephonySampleRate = 8000

// AudioFrame is an immutable chunk of audio
type AudioFrame struct {
	Codec      Codec
	SampleRate int
	Timestamp  time.Duration
	Sequence   int64
	Payload    []byte
}

// DurationMs returns the playback length of the frame
func (f AudioFrame) DurationMs() int {
	if f.SampleRate == 0 {
		return 0
	}
	samples := len(f.Payload)
	if f.Codec == CodecPCM16 {
		samples /= 2
	}
	return samples * 1000 / f.SampleRate
}
