// Package relay pairs each stream-channel client with its datagram-channel
// counterpart into a Session, and buffers that session's inbound audio
// until the dispatch worker pool is ready to transcribe it.
package relay

import (
	"sync"
	"time"

	"github.com/relaytrans/relaytrans/internal/audio"
	"github.com/relaytrans/relaytrans/internal/transport/datagram"
	"github.com/relaytrans/relaytrans/internal/transport/stream"
)

// Session is one paired speaker: a stream client for control/auth/text
// return, a datagram client for inbound audio, and the append-only audio
// buffer the dispatch worker pool drains. All buffer/queued/header state is
// guarded by mu; lock ordering elsewhere in the relay is session_table →
// Session → dispatch queue, never the reverse (no session method may call
// back into the dispatch queue while holding mu).
type Session struct {
	Stream   *stream.Client
	Datagram *datagram.Client

	mu             sync.Mutex
	buffer         []byte
	headerPrefix   []byte
	headerComplete bool
	phraseStart    time.Time
	queued         bool
	lastText       string

	decOnce sync.Once
	dec     *audio.Decoder
	decErr  error
	conv    *audio.FormatConverter
}

// NewSession constructs a Session pairing sc and dc.
func NewSession(sc *stream.Client, dc *datagram.Client) *Session {
	return &Session{Stream: sc, Datagram: dc}
}

// Append adds data to the audio buffer. It reports whether the caller must
// enqueue this session for dispatch: true the first time data arrives while
// the session is not already queued, false if a dispatch pass is already
// pending.
func (s *Session) Append(data []byte) (enqueue bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = append(s.buffer, data...)
	if s.queued {
		return false
	}
	s.queued = true
	return true
}

// ClearQueued clears the queued flag. This must happen before the worker
// snapshots the buffer, so that datagrams arriving during
// transcription re-enqueue the session for a subsequent pass rather than
// being silently absorbed into a buffer nobody will look at again.
func (s *Session) ClearQueued() {
	s.mu.Lock()
	s.queued = false
	s.mu.Unlock()
}

// BeginPhrase sets phraseStart to now if it is not already set, and returns
// the (possibly pre-existing) phrase start time together with a snapshot of
// the current audio buffer — both read under the same lock acquisition so
// the snapshot is consistent with the timestamp.
func (s *Session) BeginPhrase(now time.Time) (phraseStart time.Time, snapshot []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phraseStart.IsZero() {
		s.phraseStart = now
	}
	snapshot = make([]byte, len(s.buffer))
	copy(snapshot, s.buffer)
	return s.phraseStart, snapshot
}

// HeaderComplete reports whether the container header prefix has already
// been captured.
func (s *Session) HeaderComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headerComplete
}

// SetHeaderPrefix records the captured container header pages and marks
// header capture complete.
func (s *Session) SetHeaderPrefix(prefix []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headerPrefix = append([]byte(nil), prefix...)
	s.headerComplete = true
}

// StoreText records the most recent transcription result.
func (s *Session) StoreText(text string) {
	s.mu.Lock()
	s.lastText = text
	s.mu.Unlock()
}

// LastText returns the most recently stored transcription.
func (s *Session) LastText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastText
}

// MaybeResetPhrase resets the audio buffer to the captured header prefix
// and clears the phrase start timestamp if now is more than recordTimeout
// past phraseStart.
func (s *Session) MaybeResetPhrase(now time.Time, recordTimeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phraseStart.IsZero() || now.Sub(s.phraseStart) <= recordTimeout {
		return
	}
	s.buffer = append([]byte(nil), s.headerPrefix...)
	s.phraseStart = time.Time{}
}

// Codec returns this session's Opus decoder and format converter, creating
// them on first use. The decoder is reused for every worker pass on this
// session so Opus's inter-frame prediction state stays consistent across
// datagram loss and phrase resets; only one worker processes a given
// session at a time (it is not re-enqueued until ClearQueued runs), so no
// additional locking is needed here.
func (s *Session) Codec(target audio.Format) (*audio.Decoder, *audio.FormatConverter, error) {
	s.decOnce.Do(func() {
		s.dec, s.decErr = audio.NewDecoder()
		s.conv = &audio.FormatConverter{Target: target}
	})
	return s.dec, s.conv, s.decErr
}

// BufferLen returns the current audio buffer length, for metrics and tests.
func (s *Session) BufferLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}
