package codec

import (
	"errors"
	"fmt"

	"github.com/satriahrh/voxbridge/domain/entities"
	"github.com/satriahrh/voxbridge/domain/repositories"
)

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// ErrMalformedAudio is returned for input that cannot be transcoded
var ErrMalformedAudio = errors.New("malformed audio")

var mulawDecodeTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		mulawDecodeTable[i] = decodeMulawSample(byte(i))
	}
}

// G711Codec converts 8 kHz mu-law to 16-bit linear PCM at a wideband rate and back
type G711Codec struct {
	speechRate int
}

// Ensure G711Codec implements the AudioCodec interface
var _ repositories.AudioCodec = (*G711Codec)(nil)

// NewG711Codec creates a codec exchanging PCM at speechRate with the speech service
func NewG711Codec(speechRate int) (*G711Codec, error) {
	switch speechRate {
	case 8000, 16000, 24000:
	default:
		return nil, fmt.Errorf("unsupported speech sample rate: %d", speechRate)
	}
	return &G711Codec{speechRate: speechRate}, nil
}

// SpeechSampleRate implements repositories.AudioCodec
func (c *G711Codec) SpeechSampleRate() int { return c.speechRate }

// Decode implements repositories.AudioCodec
func (c *G711Codec) Decode(telephony []byte) ([]byte, error) {
	if len(telephony) == 0 {
		return []byte{}, nil
	}
	samples := Resample(decodeMulaw(telephony), entities.TelephonySampleRate, c.speechRate)
	return samplesToPCM(samples), nil
}

// Encode implements repositories.AudioCodec
func (c *G711Codec) Encode(pcm []byte) ([]byte, error) {
	if len(pcm) == 0 {
		return []byte{}, nil
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd PCM16 byte length %d", ErrMalformedAudio, len(pcm))
	}
	samples := Resample(pcmToSamples(pcm), c.speechRate, entities.TelephonySampleRate)
	return encodeMulaw(samples), nil
}

// NewStream implements repositories.AudioCodec
func (c *G711Codec) NewStream() repositories.AudioStream {
	return &G711Stream{
		up:   NewResampler(entities.TelephonySampleRate, c.speechRate),
		down: NewResampler(c.speechRate, entities.TelephonySampleRate),
	}
}

// G711Stream transcodes one call's audio. Each direction keeps its own
// resampler so chunk boundaries neither drop nor repeat samples.
type G711Stream struct {
	up   *Resampler
	down *Resampler
}

// Decode implements repositories.AudioStream
func (s *G711Stream) Decode(telephony []byte) ([]byte, error) {
	if len(telephony) == 0 {
		return []byte{}, nil
	}
	return samplesToPCM(s.up.Process(decodeMulaw(telephony))), nil
}

// Encode implements repositories.AudioStream
func (s *G711Stream) Encode(pcm []byte) ([]byte, error) {
	if len(pcm) == 0 {
		return []byte{}, nil
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd PCM16 byte length %d", ErrMalformedAudio, len(pcm))
	}
	return encodeMulaw(s.down.Process(pcmToSamples(pcm))), nil
}

func decodeMulaw(telephony []byte) []int16 {
	samples := make([]int16, len(telephony))
	for i, b := range telephony {
		samples[i] = mulawDecodeTable[b]
	}
	return samples
}

func encodeMulaw(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = encodeMulawSample(s)
	}
	return out
}

func decodeMulawSample(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	sample := ((int32(mantissa) << 3) + mulawBias) << exponent
	sample -= mulawBias
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

func encodeMulawSample(sample int16) byte {
	s := int32(sample)
	sign := byte(0)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

func pcmToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
	}
	return samples
}

func samplesToPCM(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[2*i] = byte(s)
		pcm[2*i+1] = byte(s >> 8)
	}
	return pcm
}
