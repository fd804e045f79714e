package app_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/relaytrans/relaytrans/internal/app"
	"github.com/relaytrans/relaytrans/internal/config"
	"github.com/relaytrans/relaytrans/internal/observe"
	"github.com/relaytrans/relaytrans/internal/transcribe"
)

// fakeTranscriber is a [transcribe.Transcriber] stub that avoids loading a
// real whisper.cpp model in tests.
type fakeTranscriber struct {
	closed bool
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ []byte) (string, error) {
	return "", nil
}

func (f *fakeTranscriber) Close() error {
	f.closed = true
	return nil
}

// testConfig returns a config that binds every listener to an ephemeral
// port, so tests never collide with each other or a real deployment.
func testConfig() *config.Config {
	return &config.Config{
		ServerHost:      "127.0.0.1",
		ExternalHost:    "127.0.0.1",
		PortTCP:         0,
		PortUDP:         0,
		Secret:          "test-secret",
		RecordTimeout:   10 * time.Second,
		Task:            "transcribe",
		Model:           "tiny",
		HealthCheckPort: 0,
		MetricsPort:     0,
		RSAKeySize:      2048, // small key size: tests generate many key pairs
		WorkerCount:     1,
		MaxQueueDepth:   0,
		LogLevel:        "info",
	}
}

// testMetrics builds a private [observe.Metrics] bound to an isolated
// [sdkmetric.MeterProvider], so tests never touch the process-wide
// Prometheus registry InitProvider would otherwise install.
func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	cfg := testConfig()
	a, err := app.New(
		context.Background(),
		cfg,
		app.WithMetrics(testMetrics(t)),
		app.WithTranscriberFactory(func() (transcribe.Transcriber, error) {
			return &fakeTranscriber{}, nil
		}),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

// TestApp exercises the full lifecycle through a single App instance:
// constructing more than one in the same process would mean a second
// in-process stream/datagram pair bound to ephemeral ports, which is safe,
// but there is no reason to pay RSA key generation twice per subtest when
// one App answers every assertion below.
func TestApp(t *testing.T) {
	a := newTestApp(t)

	t.Run("ready after New", func(t *testing.T) {
		if got := a.Status(); got != "running" {
			t.Errorf("Status() = %q, want %q", got, "running")
		}
	})

	t.Run("session count starts at zero", func(t *testing.T) {
		if got := a.SessionCount(); got != 0 {
			t.Errorf("SessionCount() = %d, want 0", got)
		}
	})

	t.Run("stream and datagram listeners are bound", func(t *testing.T) {
		if a.StreamAddr() == "" {
			t.Error("StreamAddr() is empty")
		}
		if a.DatagramAddr() == "" {
			t.Error("DatagramAddr() is empty")
		}
	})

	t.Run("health endpoint reports running", func(t *testing.T) {
		resp, err := http.Get("http://" + a.HealthAddr() + "/health")
		if err != nil {
			t.Fatalf("GET /health: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
		}
	})

	t.Run("metrics endpoint is scrapeable", func(t *testing.T) {
		resp, err := http.Get("http://" + a.MetricsAddr() + "/metrics")
		if err != nil {
			t.Fatalf("GET /metrics: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
		}
	})
}

func TestApp_ShutdownIsIdempotent(t *testing.T) {
	a := newTestApp(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown() error: %v", err)
	}
	if got := a.Status(); got != "stopped" {
		t.Errorf("Status() after shutdown = %q, want %q", got, "stopped")
	}

	// A second call must not panic or block on an already-closed server.
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}

	resp, err := http.Get("http://" + a.HealthAddr() + "/health")
	if err == nil {
		resp.Body.Close()
		t.Error("health endpoint still serving after Shutdown")
	}
}

func TestApp_RunReturnsOnContextCancel(t *testing.T) {
	a := newTestApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Run() returned nil error, want context.Canceled")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}

func TestNew_InvalidRSAKeySizeFails(t *testing.T) {
	cfg := testConfig()
	cfg.RSAKeySize = 0

	_, err := app.New(
		context.Background(),
		cfg,
		app.WithMetrics(testMetrics(t)),
		app.WithTranscriberFactory(func() (transcribe.Transcriber, error) {
			return &fakeTranscriber{}, nil
		}),
	)
	if err == nil {
		t.Fatal("New() with an invalid RSA key size returned nil error")
	}
}
