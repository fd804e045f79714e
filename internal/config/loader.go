package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// environment variables consulted by Load.
const (
	envServerHost      = "SERVER_HOST"
	envExternalHost    = "EXTERNAL_HOST"
	envPortTCP         = "PORT_TCP"
	envPortUDP         = "PORT_UDP"
	envSecret          = "SECRET"
	envRecordTimeout   = "RECORD_TIMEOUT"
	envTask            = "TASK"
	envModel           = "MODEL"
	envOnlyEnglish     = "ONLY_ENGLISH"
	envHealthCheckPort = "HEALTH_CHECK_PORT"
	envMetricsPort     = "METRICS_PORT"
	envModelPath       = "MODEL_PATH"
	envRSAKeySize      = "RSA_KEY_SIZE"
	envWorkerCount     = "WORKER_COUNT"
	envMaxQueueDepth   = "MAX_QUEUE_DEPTH"
	envLogLevel        = "LOG_LEVEL"
)

// Load builds a Config from defaults, an optional YAML overrides file at
// yamlPath (ignored if it does not exist), and environment variables, in
// that priority order — environment variables win. It then validates the
// result; a non-nil error means the process must exit before opening any
// socket.
func Load(yamlPath string) (*Config, error) {
	cfg := defaults()

	if yamlPath != "" {
		if err := applyFileOverrides(cfg, yamlPath); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	applyEnv(cfg, os.LookupEnv)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFileOverrides decodes the optional YAML overrides file and merges
// any set fields into cfg. A missing file is not an error; a malformed one
// is.
func applyFileOverrides(cfg *Config, path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open overrides file %q: %w", path, err)
	}
	defer f.Close()

	var ov fileOverrides
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&ov); err != nil {
		return fmt.Errorf("decode overrides file %q: %w", path, err)
	}

	if ov.RSAKeySize != nil {
		cfg.RSAKeySize = *ov.RSAKeySize
	}
	if ov.WorkerCount != nil {
		cfg.WorkerCount = *ov.WorkerCount
	}
	if ov.MaxQueueDepth != nil {
		cfg.MaxQueueDepth = *ov.MaxQueueDepth
	}
	return nil
}

// lookupFunc matches os.LookupEnv's signature; tests supply a fake to avoid
// mutating the real process environment.
type lookupFunc func(string) (string, bool)

// applyEnv overlays environment variables onto cfg. Unparsable numeric or
// duration values are logged and left at their previous value rather than
// treated as hard errors — Validate catches the cases that matter.
func applyEnv(cfg *Config, lookup lookupFunc) {
	if v, ok := lookup(envServerHost); ok {
		cfg.ServerHost = v
	}
	if v, ok := lookup(envExternalHost); ok {
		cfg.ExternalHost = v
	}
	if v, ok := lookup(envPortTCP); ok {
		setInt(&cfg.PortTCP, envPortTCP, v)
	}
	if v, ok := lookup(envPortUDP); ok {
		setInt(&cfg.PortUDP, envPortUDP, v)
	}
	if v, ok := lookup(envSecret); ok {
		cfg.Secret = v
	}
	if v, ok := lookup(envRecordTimeout); ok {
		setSecondsDuration(&cfg.RecordTimeout, envRecordTimeout, v)
	}
	if v, ok := lookup(envTask); ok {
		cfg.Task = v
	}
	if v, ok := lookup(envModel); ok {
		cfg.Model = v
	}
	if v, ok := lookup(envOnlyEnglish); ok {
		setBool(&cfg.OnlyEnglish, envOnlyEnglish, v)
	}
	if v, ok := lookup(envHealthCheckPort); ok {
		setInt(&cfg.HealthCheckPort, envHealthCheckPort, v)
	}
	if v, ok := lookup(envMetricsPort); ok {
		setInt(&cfg.MetricsPort, envMetricsPort, v)
	}
	if v, ok := lookup(envModelPath); ok {
		cfg.ModelPath = v
	}
	if v, ok := lookup(envRSAKeySize); ok {
		setInt(&cfg.RSAKeySize, envRSAKeySize, v)
	}
	if v, ok := lookup(envWorkerCount); ok {
		setInt(&cfg.WorkerCount, envWorkerCount, v)
	}
	if v, ok := lookup(envMaxQueueDepth); ok {
		setInt(&cfg.MaxQueueDepth, envMaxQueueDepth, v)
	}
	if v, ok := lookup(envLogLevel); ok {
		cfg.LogLevel = v
	}
}

func setInt(dst *int, name, raw string) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("config: ignoring unparsable integer env var", "name", name, "value", raw, "error", err)
		return
	}
	*dst = n
}

func setBool(dst *bool, name, raw string) {
	b, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("config: ignoring unparsable boolean env var", "name", name, "value", raw, "error", err)
		return
	}
	*dst = b
}

// setSecondsDuration parses raw as a decimal number of seconds, so
// RECORD_TIMEOUT=10.0 works the way deployments expect.
func setSecondsDuration(dst *time.Duration, name, raw string) {
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("config: ignoring unparsable duration env var", "name", name, "value", raw, "error", err)
		return
	}
	*dst = time.Duration(secs * float64(time.Second))
}

// Validate checks that cfg contains a coherent, startable configuration.
// It returns a joined error listing every failure found; soft issues are
// logged via slog.Warn and do not block startup.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Secret == "" {
		errs = append(errs, errors.New("SECRET must not be empty"))
	}
	if cfg.Secret == DefaultSecret {
		slog.Warn("config: SECRET left at its insecure default value")
	}

	if cfg.PortTCP <= 0 || cfg.PortTCP > 65535 {
		errs = append(errs, fmt.Errorf("PORT_TCP %d is out of range [1, 65535]", cfg.PortTCP))
	}
	if cfg.PortUDP <= 0 || cfg.PortUDP > 65535 {
		errs = append(errs, fmt.Errorf("PORT_UDP %d is out of range [1, 65535]", cfg.PortUDP))
	}
	if cfg.PortTCP == cfg.PortUDP {
		errs = append(errs, fmt.Errorf("PORT_TCP and PORT_UDP must differ, both are %d", cfg.PortTCP))
	}
	if cfg.HealthCheckPort == cfg.PortTCP || cfg.HealthCheckPort == cfg.PortUDP {
		slog.Warn("config: HEALTH_CHECK_PORT collides with a relay port", "port", cfg.HealthCheckPort)
	}
	if cfg.MetricsPort == cfg.PortTCP || cfg.MetricsPort == cfg.PortUDP {
		slog.Warn("config: METRICS_PORT collides with a relay port", "port", cfg.MetricsPort)
	}

	if cfg.RecordTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RECORD_TIMEOUT must be positive, got %s", cfg.RecordTimeout))
	}

	switch cfg.Task {
	case "transcribe", "translate":
	default:
		errs = append(errs, fmt.Errorf("TASK %q is invalid; valid values: transcribe, translate", cfg.Task))
	}

	if cfg.Model == "" {
		errs = append(errs, errors.New("MODEL must not be empty"))
	}

	if cfg.ModelPath == "" {
		slog.Warn("config: MODEL_PATH is empty; the transcriber will need an explicit path to load a model from")
	} else if info, err := os.Stat(cfg.ModelPath); err != nil || !info.IsDir() {
		errs = append(errs, fmt.Errorf("MODEL_PATH %q is not an accessible directory", cfg.ModelPath))
	}

	if cfg.RSAKeySize < 2048 {
		errs = append(errs, fmt.Errorf("RSA_KEY_SIZE %d is too small; must be >= 2048", cfg.RSAKeySize))
	}

	if cfg.WorkerCount < 1 {
		errs = append(errs, fmt.Errorf("WORKER_COUNT must be >= 1, got %d", cfg.WorkerCount))
	}

	if cfg.MaxQueueDepth < 0 {
		errs = append(errs, fmt.Errorf("MAX_QUEUE_DEPTH must be >= 0 (0 = unbounded), got %d", cfg.MaxQueueDepth))
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "":
	default:
		slog.Warn("config: unrecognised LOG_LEVEL, defaulting to info", "value", cfg.LogLevel)
	}

	return errors.Join(errs...)
}
