package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relaytrans/relaytrans/internal/audio"
	"github.com/relaytrans/relaytrans/internal/observe"
	"github.com/relaytrans/relaytrans/internal/oggcapture"
	"github.com/relaytrans/relaytrans/internal/relay"
	"github.com/relaytrans/relaytrans/internal/transcribe"
)

// idlePoll is how long an empty-queue worker sleeps before retrying.
const idlePoll = 250 * time.Millisecond

// pcmFormat is the format every Transcriber in this relay expects its
// input resampled to.
var pcmFormat = audio.Format{SampleRate: transcribe.SampleRate, Channels: 1}

// TranscriberFactory builds one Transcriber. Pool calls it once per
// worker, so every worker holds its own copy of the model; implementations
// that need to serialize loading (e.g. transcribe.WhisperTranscriber) do so
// internally.
type TranscriberFactory func() (transcribe.Transcriber, error)

// Pool is the fixed-size transcription worker pool. Each
// worker repeatedly pops a session from Queue, converts its buffered
// container audio to PCM, transcribes it, and sends the text back over
// the session's stream channel.
type Pool struct {
	queue         *Queue
	factory       TranscriberFactory
	workerCount   int
	recordTimeout time.Duration
	metrics       *observe.Metrics

	wg   sync.WaitGroup
	done chan struct{}
}

// NewPool creates a Pool. metrics may be nil, in which case no metrics are
// recorded.
func NewPool(queue *Queue, factory TranscriberFactory, workerCount int, recordTimeout time.Duration, metrics *observe.Metrics) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	return &Pool{
		queue:         queue,
		factory:       factory,
		workerCount:   workerCount,
		recordTimeout: recordTimeout,
		metrics:       metrics,
	}
}

// Start launches the worker pool. It returns once every worker has loaded
// its model.
func (p *Pool) Start(ctx context.Context) error {
	p.done = make(chan struct{})

	transcribers := make([]transcribe.Transcriber, p.workerCount)
	for i := 0; i < p.workerCount; i++ {
		t, err := p.factory()
		if err != nil {
			for _, built := range transcribers[:i] {
				if built != nil {
					_ = built.Close()
				}
			}
			return err
		}
		transcribers[i] = t
	}

	for i := 0; i < p.workerCount; i++ {
		if p.metrics != nil {
			p.metrics.Workers.Add(ctx, 1)
		}
		p.wg.Add(1)
		go p.run(ctx, i, transcribers[i])
	}

	slog.Info("dispatch worker pool started", "workers", p.workerCount)
	return nil
}

// Stop signals every worker to drain in-flight transcriptions before
// exiting, then waits for all of them to return. Safe to call on a Pool
// that was never started.
func (p *Pool) Stop() {
	if p.done == nil {
		return
	}
	select {
	case <-p.done:
		return // already stopped
	default:
	}
	close(p.done)
	p.wg.Wait()
	slog.Info("dispatch worker pool stopped")
}

func (p *Pool) run(ctx context.Context, id int, transcriber transcribe.Transcriber) {
	defer p.wg.Done()
	defer func() {
		if err := transcriber.Close(); err != nil {
			slog.Warn("dispatch worker: error closing transcriber", "worker", id, "error", err)
		}
		if p.metrics != nil {
			p.metrics.Workers.Add(ctx, -1)
		}
	}()

	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		session, enqueuedAt, ok := p.queue.Pop()
		if !ok {
			time.Sleep(idlePoll)
			continue
		}

		p.process(ctx, session, enqueuedAt, transcriber)
	}
}

// process runs one worker pass over session.
func (p *Pool) process(ctx context.Context, session *relay.Session, enqueuedAt time.Time, transcriber transcribe.Transcriber) {
	if p.metrics != nil {
		p.metrics.QueueWait.Record(ctx, time.Since(enqueuedAt).Seconds())
	}

	// queued must be cleared before the snapshot below, so datagrams that
	// arrive while this pass runs re-enqueue the session for another pass
	// instead of being silently absorbed.
	session.ClearQueued()

	now := time.Now()
	phraseStart, snapshot := session.BeginPhrase(now)

	if !session.HeaderComplete() {
		if prefix, complete := oggcapture.CaptureHeaderPrefix(snapshot); complete {
			session.SetHeaderPrefix(prefix)
			slog.Debug("dispatch: captured container header", "remote", session.Stream.RemoteAddr())
		}
		return // not yet minimally decodable this round
	}

	pages := oggcapture.AudioPages(snapshot)
	if len(pages) == 0 {
		return
	}

	dec, conv, err := session.Codec(pcmFormat)
	if err != nil {
		slog.Error("dispatch: failed to create opus decoder", "remote", session.Stream.RemoteAddr(), "error", err)
		return
	}

	pcm, err := audio.DecodeContainer(dec, conv, pages)
	if err != nil {
		slog.Warn("dispatch: container decode error, dropping phrase", "remote", session.Stream.RemoteAddr(), "error", err)
		return
	}
	if len(pcm) == 0 {
		return
	}

	start := time.Now()
	text, err := transcriber.Transcribe(ctx, pcm)
	if p.metrics != nil {
		p.metrics.TranscriptionDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		slog.Warn("dispatch: transcription error, dropping phrase", "remote", session.Stream.RemoteAddr(), "error", err)
		return
	}

	session.StoreText(text)
	if text != "" {
		if err := session.Stream.Send([]byte(text)); err != nil {
			slog.Warn("dispatch: failed to send transcription", "remote", session.Stream.RemoteAddr(), "error", err)
		}
		if p.metrics != nil {
			p.metrics.EndToEndDuration.Record(ctx, time.Since(enqueuedAt).Seconds())
		}
	}

	if time.Since(phraseStart) > p.recordTimeout {
		session.MaybeResetPhrase(time.Now(), p.recordTimeout)
	}
}
