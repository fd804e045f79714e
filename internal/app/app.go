// Package app wires all relay subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run blocks until shutdown is requested, and Shutdown tears
// everything down in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/relaytrans/relaytrans/internal/config"
	"github.com/relaytrans/relaytrans/internal/cryptochan"
	"github.com/relaytrans/relaytrans/internal/dispatch"
	"github.com/relaytrans/relaytrans/internal/health"
	"github.com/relaytrans/relaytrans/internal/observe"
	"github.com/relaytrans/relaytrans/internal/relay"
	"github.com/relaytrans/relaytrans/internal/transcribe"
	"github.com/relaytrans/relaytrans/internal/transport/datagram"
	"github.com/relaytrans/relaytrans/internal/transport/stream"
)

// sessionTimeout is the stream channel's liveness deadline. Deliberately
// not part of the env-var surface.
const sessionTimeout = 5 * time.Second

// streamPoolSize is the bounded worker pool size for accepted stream
// connections.
const streamPoolSize = 10

// shutdownHTTPTimeout bounds how long an HTTP server is given to drain
// in-flight requests during Shutdown.
const shutdownHTTPTimeout = 5 * time.Second

// App owns all subsystem lifetimes and orchestrates the relay.
type App struct {
	cfg *config.Config

	streamSrv   *stream.Server
	datagramSrv *datagram.Server
	manager     *relay.Manager
	queue       *dispatch.Queue
	pool        *dispatch.Pool

	transcriberFactory dispatch.TranscriberFactory

	metrics *observe.Metrics

	healthSrv   *http.Server
	metricsSrv  *http.Server
	healthAddr  string
	metricsAddr string

	httpGroup errgroup.Group

	status   atomic.Value // string
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTranscriberFactory injects the dispatch worker pool's TranscriberFactory
// instead of building [transcribe.WhisperTranscriber] instances from config.
// Tests use this to avoid loading a real whisper.cpp model.
func WithTranscriberFactory(f dispatch.TranscriberFactory) Option {
	return func(a *App) { a.transcriberFactory = f }
}

// WithMetrics injects the [observe.Metrics] instance New should record
// through, instead of the package-level [observe.DefaultMetrics]. Tests use
// this to bind to a private [metric.MeterProvider] rather than whatever
// process-wide provider main has (or hasn't) installed.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together: a process-wide RSA
// key pair, the stream and datagram transport servers, the relay manager
// that pairs them into sessions, the dispatch queue and worker pool that
// drain buffered audio into text, and the metrics/health HTTP surface. New
// starts every network listener before returning.
//
// New does not itself initialise the OTel SDK providers — that is a
// process-wide concern owned by cmd/relaytrans/main.go, via
// [observe.InitProvider]. New only records through [observe.Metrics]
// instruments, which degrade to no-ops against the default global no-op
// provider.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	a.status.Store("starting")
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	priv, err := cryptochan.GenerateKeyPair(cfg.RSAKeySize)
	if err != nil {
		return nil, fmt.Errorf("app: generate RSA key pair: %w", err)
	}

	streamSrv, err := stream.New(priv, cfg.Secret, sessionTimeout, streamPoolSize)
	if err != nil {
		return nil, fmt.Errorf("app: create stream server: %w", err)
	}
	a.streamSrv = streamSrv
	a.datagramSrv = datagram.New()

	streamAddr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.PortTCP)
	if err := streamSrv.Start(streamAddr); err != nil {
		return nil, fmt.Errorf("app: start stream server: %w", err)
	}
	datagramAddr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.PortUDP)
	if err := a.datagramSrv.Start(datagramAddr); err != nil {
		_ = streamSrv.Stop()
		return nil, fmt.Errorf("app: start datagram server: %w", err)
	}

	a.manager = relay.NewManager(streamSrv, a.datagramSrv, cfg.ExternalHost, cfg.PortUDP)
	a.manager.SessionConnected.Subscribe(func(*relay.Session) {
		a.metrics.ConnectedClients.Add(ctx, 1)
	})
	a.manager.SessionDisconnected.Subscribe(func(*relay.Session) {
		a.metrics.ConnectedClients.Add(ctx, -1)
	})

	a.queue = dispatch.NewQueue(cfg.MaxQueueDepth)
	a.manager.SetEnqueueFunc(a.queue.Push)

	if a.transcriberFactory == nil {
		a.transcriberFactory = func() (transcribe.Transcriber, error) {
			return transcribe.NewWhisperTranscriber(cfg.ModelPath, cfg.ModelSelector(), "", cfg.Task)
		}
	}
	a.pool = dispatch.NewPool(a.queue, a.transcriberFactory, cfg.WorkerCount, cfg.RecordTimeout, a.metrics)
	if err := a.pool.Start(ctx); err != nil {
		_ = a.datagramSrv.Stop()
		_ = streamSrv.Stop()
		return nil, fmt.Errorf("app: start dispatch worker pool: %w", err)
	}

	if err := a.startHTTPServers(cfg); err != nil {
		a.pool.Stop()
		_ = a.datagramSrv.Stop()
		_ = streamSrv.Stop()
		return nil, fmt.Errorf("app: start HTTP servers: %w", err)
	}

	a.status.Store(health.StatusRunning)
	slog.Info("relay application ready",
		"stream_addr", streamAddr, "datagram_addr", datagramAddr,
		"workers", cfg.WorkerCount)
	return a, nil
}

// startHTTPServers binds the /health and /metrics listeners and begins
// serving both in background goroutines. Binding (rather than just
// constructing *http.Server) happens here so New can report a concrete
// error, and so tests can target the actual bound port when cfg requests
// an ephemeral one.
func (a *App) startHTTPServers(cfg *config.Config) error {
	healthMux := http.NewServeMux()
	h := health.New(func() string { v, _ := a.status.Load().(string); return v })
	h.Register(healthMux)
	a.healthSrv = &http.Server{Handler: observe.Middleware(a.metrics)(healthMux)}

	healthLn, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.HealthCheckPort))
	if err != nil {
		return fmt.Errorf("listen health: %w", err)
	}
	a.healthAddr = healthLn.Addr().String()
	a.httpGroup.Go(func() error { return a.serveHTTP(a.healthSrv, healthLn, "health") })

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	a.metricsSrv = &http.Server{Handler: observe.Middleware(a.metrics)(metricsMux)}

	metricsLn, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.MetricsPort))
	if err != nil {
		_ = healthLn.Close()
		return fmt.Errorf("listen metrics: %w", err)
	}
	a.metricsAddr = metricsLn.Addr().String()
	a.httpGroup.Go(func() error { return a.serveHTTP(a.metricsSrv, metricsLn, "metrics") })

	return nil
}

func (a *App) serveHTTP(srv *http.Server, ln net.Listener, name string) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("relay: "+name+" HTTP server error", "error", err)
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// Run blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// Shutdown tears down all subsystems in reverse-init order, respecting
// ctx's deadline for the HTTP servers' graceful drain.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.status.Store("stopped")
		slog.Info("shutting down relay application")

		if a.healthSrv != nil {
			sctx, cancel := context.WithTimeout(ctx, shutdownHTTPTimeout)
			_ = a.healthSrv.Shutdown(sctx)
			cancel()
		}
		if a.metricsSrv != nil {
			sctx, cancel := context.WithTimeout(ctx, shutdownHTTPTimeout)
			_ = a.metricsSrv.Shutdown(sctx)
			cancel()
		}
		if err := a.httpGroup.Wait(); err != nil {
			slog.Warn("HTTP serve group exited with error", "error", err)
		}
		if a.pool != nil {
			a.pool.Stop()
		}
		if a.datagramSrv != nil {
			if err := a.datagramSrv.Stop(); err != nil {
				slog.Warn("datagram server stop error", "error", err)
			}
		}
		if a.streamSrv != nil {
			if err := a.streamSrv.Stop(); err != nil {
				slog.Warn("stream server stop error", "error", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return nil
}

// Status returns the application's current status string, as reported by
// the /health endpoint.
func (a *App) Status() string {
	v, _ := a.status.Load().(string)
	return v
}

// SessionCount returns the number of currently established sessions.
func (a *App) SessionCount() int {
	return a.manager.Count()
}

// StreamAddr returns the address the stream channel server is bound to.
func (a *App) StreamAddr() string { return a.streamSrv.ListenAddr() }

// DatagramAddr returns the address the datagram channel server is bound to.
func (a *App) DatagramAddr() string { return a.datagramSrv.LocalAddr() }

// HealthAddr returns the address the /health HTTP server is bound to.
func (a *App) HealthAddr() string { return a.healthAddr }

// MetricsAddr returns the address the Prometheus /metrics HTTP server is
// bound to.
func (a *App) MetricsAddr() string { return a.metricsAddr }
