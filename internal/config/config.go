// Package config provides the configuration schema and loader for the
// relaytrans transcription relay.
package config

import "time"

// Config is the root configuration for the relay server. Most fields come
// from environment variables (see Load); RSAKeySize, WorkerCount, and
// MaxQueueDepth may additionally be set from an optional YAML overrides
// file, with environment variables taking precedence when both are set.
type Config struct {
	// ServerHost is the bind address for both the stream and datagram
	// listeners.
	ServerHost string

	// ExternalHost is advertised to peers in the init_udpaddr control
	// message so they know where to send datagrams.
	ExternalHost string

	// PortTCP is the stream channel listen port.
	PortTCP int

	// PortUDP is the datagram channel listen port.
	PortUDP int

	// Secret is the shared bearer token every peer must present during the
	// stream handshake.
	Secret string

	// RecordTimeout is the phrase window: once this much time has passed
	// since a phrase started, the next worker pass resets the buffer.
	RecordTimeout time.Duration

	// Task selects the transcription mode: "transcribe" or "translate".
	Task string

	// Model selects the transcription model (e.g. "medium", "small.en").
	Model string

	// OnlyEnglish appends a ".en" suffix to Model when true.
	OnlyEnglish bool

	// HealthCheckPort serves the /health liveness endpoint.
	HealthCheckPort int

	// MetricsPort serves the Prometheus scrape endpoint.
	MetricsPort int

	// ModelPath is the directory whisper.cpp model files are loaded from.
	ModelPath string

	// RSAKeySize is the bit length of the handshake key pair generated at
	// startup. Reference deployment uses 4096.
	RSAKeySize int

	// WorkerCount is the fixed size of the transcription worker pool.
	// Reference deployment uses 2.
	WorkerCount int

	// MaxQueueDepth bounds the dispatch queue. 0 means unbounded, which is
	// the reference design's default.
	MaxQueueDepth int

	// LogLevel controls slog verbosity: "debug", "info", "warn", "error".
	LogLevel string
}

// Default values applied before environment and file overrides are layered
// in.
const (
	DefaultServerHost      = "0.0.0.0"
	DefaultExternalHost    = "127.0.0.1"
	DefaultPortTCP         = 5000
	DefaultPortUDP         = 5001
	DefaultSecret          = "your_secret_token"
	DefaultRecordTimeout   = 10 * time.Second
	DefaultTask            = "transcribe"
	DefaultModel           = "medium"
	DefaultHealthCheckPort = 8001
	DefaultMetricsPort     = 2112
	DefaultRSAKeySize      = 4096
	DefaultWorkerCount     = 2
	DefaultLogLevel        = "info"
)

// fileOverrides is the schema of the optional YAML overrides file. Only the
// handful of settings that genuinely warrant structured config (rather than
// a single env var) live here.
type fileOverrides struct {
	RSAKeySize    *int `yaml:"rsa_key_size"`
	WorkerCount   *int `yaml:"worker_count"`
	MaxQueueDepth *int `yaml:"max_queue_depth"`
}

// defaults returns a Config populated with the reference deployment's
// default values, before any file or environment layering.
func defaults() *Config {
	return &Config{
		ServerHost:      DefaultServerHost,
		ExternalHost:    DefaultExternalHost,
		PortTCP:         DefaultPortTCP,
		PortUDP:         DefaultPortUDP,
		Secret:          DefaultSecret,
		RecordTimeout:   DefaultRecordTimeout,
		Task:            DefaultTask,
		Model:           DefaultModel,
		OnlyEnglish:     false,
		HealthCheckPort: DefaultHealthCheckPort,
		MetricsPort:     DefaultMetricsPort,
		RSAKeySize:      DefaultRSAKeySize,
		WorkerCount:     DefaultWorkerCount,
		MaxQueueDepth:   0,
		LogLevel:        DefaultLogLevel,
	}
}

// ModelSelector returns Model with the ".en" suffix applied when
// OnlyEnglish is set.
func (c *Config) ModelSelector() string {
	if c.OnlyEnglish {
		return c.Model + ".en"
	}
	return c.Model
}
