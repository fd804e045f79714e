package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// AudioFrame is a chunk of little-endian int16 PCM flowing from the Opus
// decoder to the transcriber.
type AudioFrame struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// FormatConverter resamples decoded speech to the transcriber's input
// format. The relay's audio path is mono end to end — the Opus decoder
// emits mono and the transcriber consumes mono — so only mono-to-mono
// conversion is supported: a frame with any other channel layout is
// dropped with a one-time warning rather than handed to the model in the
// wrong shape. Create one per session; not safe for shared use across
// goroutines.
type FormatConverter struct {
	Target Format

	warnedRate    sync.Once
	warnedLayout  sync.Once
	warnedCorrupt sync.Once
}

// Convert resamples frame to the target format. A frame already in the
// target format is returned unchanged.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	dropped := AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels}

	if len(frame.Data)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: odd byte count in int16 PCM, dropping frame",
				"bytes", len(frame.Data))
		})
		return dropped
	}
	if frame.Channels != 1 || c.Target.Channels != 1 {
		c.warnedLayout.Do(func() {
			slog.Warn("audio: unsupported channel layout, dropping frame",
				"from", Format{SampleRate: frame.SampleRate, Channels: frame.Channels}.String(),
				"to", c.Target.String())
		})
		return dropped
	}
	if frame.SampleRate == c.Target.SampleRate {
		return frame
	}

	c.warnedRate.Do(func() {
		slog.Warn("audio: sample rate mismatch, resampling",
			"from", Format{SampleRate: frame.SampleRate, Channels: 1}.String(),
			"to", c.Target.String())
	})

	return AudioFrame{
		Data:       ResampleMono16(frame.Data, frame.SampleRate, c.Target.SampleRate),
		SampleRate: c.Target.SampleRate,
		Channels:   1,
	}
}

// ResampleMono16 resamples little-endian int16 mono PCM from srcRate to
// dstRate by linear interpolation. The input is returned unchanged when the
// rates already match or are nonsensical.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	step := float64(srcRate) / float64(dstRate)
	for i := 0; i < dstSamples; i++ {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)

		s0 := monoSample(pcm, j)
		s1 := s0
		if j+1 < srcSamples {
			s1 = monoSample(pcm, j+1)
		}
		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

func monoSample(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}
