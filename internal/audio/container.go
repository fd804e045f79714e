package audio

import (
	"fmt"

	"github.com/relaytrans/relaytrans/internal/oggcapture"
)

// DecodeContainer decodes the audio-bearing Ogg pages already present in a
// session's buffer snapshot into a single PCM stream, resampled to target.
// The header pages (identification + comment) must already have been
// excluded by the caller via oggcapture.AudioPages — dec carries the Opus
// decoder state across every page in this call and must be reused across
// calls for the same session, not recreated per snapshot, or Opus's
// inter-frame prediction desyncs.
func DecodeContainer(dec *Decoder, conv *FormatConverter, pages []oggcapture.Page) ([]byte, error) {
	var pcm []byte
	for _, p := range pages {
		if len(p.Payload) == 0 {
			continue
		}
		decoded, err := dec.Decode(p.Payload)
		if err != nil {
			return nil, fmt.Errorf("audio: decode container page (seq %d): %w", p.SequenceNumber, err)
		}
		pcm = append(pcm, decoded...)
	}
	if len(pcm) == 0 {
		return nil, nil
	}
	converted := conv.Convert(AudioFrame{
		Data:       pcm,
		SampleRate: OpusSampleRate,
		Channels:   OpusChannels,
	})
	return converted.Data, nil
}
