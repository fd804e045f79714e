// Package transcribe adapts whisper.cpp into the one collaborator the
// dispatch pipeline needs: a function from buffered PCM audio to text.
//
// The dispatch pipeline already owns buffering, phrase-windowing, and
// container-header capture, so a Transcriber is a single blocking call
// over one already-assembled phrase of audio — no streaming state, no
// silence detector.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// Transcriber converts one phrase of PCM audio to text. Implementations
// must be safe for concurrent use by multiple workers.
type Transcriber interface {
	// Transcribe runs inference over pcm (16-bit little-endian mono PCM at
	// SampleRate) and returns the recognised text. An empty string with a
	// nil error means no speech was recognised.
	Transcribe(ctx context.Context, pcm []byte) (string, error)

	// Close releases the underlying model. Safe to call once per
	// Transcriber; callers must not use the Transcriber afterward.
	Close() error
}

// SampleRate is the PCM sample rate every Transcriber implementation
// expects its input to already be resampled to.
const SampleRate = 16000

// loadMu serializes model loading across every WhisperTranscriber in the
// process. It does not guard Transcribe.
var loadMu sync.Mutex

// WhisperTranscriber runs batch inference via the whisper.cpp Go bindings.
// Each worker loads its own copy of the model; loading itself is
// serialized process-wide via loadMu to avoid duplicate concurrent model
// loads, but concurrent Transcribe calls on distinct instances
// run in parallel.
type WhisperTranscriber struct {
	model     whisperlib.Model
	language  string
	translate bool
}

// NewWhisperTranscriber loads the ggml model for modelName from modelDir
// (e.g. modelDir="/models", modelName="medium" → "/models/ggml-medium.bin"),
// matching the naming convention whisper.cpp's model downloader uses.
// task must be "transcribe" or "translate".
func NewWhisperTranscriber(modelDir, modelName, language, task string) (*WhisperTranscriber, error) {
	path := filepath.Join(modelDir, fmt.Sprintf("ggml-%s.bin", modelName))

	loadMu.Lock()
	model, err := whisperlib.New(path)
	loadMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("transcribe: load model %q: %w", path, err)
	}

	return &WhisperTranscriber{
		model:     model,
		language:  language,
		translate: task == "translate",
	}, nil
}

// Transcribe implements Transcriber.
func (t *WhisperTranscriber) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(pcm) == 0 {
		return "", nil
	}

	samples := pcmToFloat32Mono(pcm, 1)

	wctx, err := t.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("transcribe: create context: %w", err)
	}

	if t.language != "" {
		if err := wctx.SetLanguage(t.language); err != nil {
			slog.Warn("transcribe: failed to set language, using model default", "language", t.language, "error", err)
		}
	}
	if t.translate {
		wctx.SetTranslate(true)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("transcribe: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("transcribe: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), nil
}

// Close implements Transcriber.
func (t *WhisperTranscriber) Close() error {
	if t.model != nil {
		return t.model.Close()
	}
	return nil
}

var _ Transcriber = (*WhisperTranscriber)(nil)
