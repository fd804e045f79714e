package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// OpusSampleRate and OpusChannels describe the format gopus is configured
// for. Remote microphones encode mono speech; the decoder is built once per
// session and reused across every packet in that session to preserve Opus
// decoder state across consecutive frames.
const (
	OpusSampleRate = 48000
	OpusChannels   = 1

	// opusMaxFrameSamples bounds the largest frame gopus will be asked to
	// decode into, per channel. Datagrams may carry variably sized Opus
	// frames, so this is sized for the 120 ms maximum the codec allows
	// rather than computed from a fixed frame duration.
	opusMaxFrameSamples = OpusSampleRate * 120 / 1000
)

// Decoder wraps a gopus Opus decoder for a single session's audio stream.
// Decoders are not safe for concurrent use — callers must serialize calls
// per session, which the dispatch pipeline already does via the session
// mutex.
type Decoder struct {
	dec *gopus.Decoder
}

// NewDecoder creates an Opus decoder for one session.
func NewDecoder() (*Decoder, error) {
	dec, err := gopus.NewDecoder(OpusSampleRate, OpusChannels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &Decoder{dec: dec}, nil
}

// Decode decodes one Opus packet into interleaved little-endian int16 PCM.
func (d *Decoder) Decode(opusPacket []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(opusPacket, opusMaxFrameSamples, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
