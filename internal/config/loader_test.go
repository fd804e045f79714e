package config

import (
	"strings"
	"testing"
	"time"
)

func fakeLookup(vars map[string]string) lookupFunc {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func TestApplyEnvOverridesDefaults(t *testing.T) {
	cfg := defaults()
	applyEnv(cfg, fakeLookup(map[string]string{
		envSecret:        "topsecret",
		envPortTCP:       "6000",
		envPortUDP:       "6001",
		envRecordTimeout: "7.5",
		envOnlyEnglish:   "true",
		envTask:          "translate",
	}))

	if cfg.Secret != "topsecret" {
		t.Errorf("Secret = %q, want topsecret", cfg.Secret)
	}
	if cfg.PortTCP != 6000 || cfg.PortUDP != 6001 {
		t.Errorf("ports = %d/%d, want 6000/6001", cfg.PortTCP, cfg.PortUDP)
	}
	if cfg.RecordTimeout != 7500*time.Millisecond {
		t.Errorf("RecordTimeout = %s, want 7.5s", cfg.RecordTimeout)
	}
	if !cfg.OnlyEnglish {
		t.Error("OnlyEnglish = false, want true")
	}
	if cfg.Task != "translate" {
		t.Errorf("Task = %q, want translate", cfg.Task)
	}
}

func TestApplyEnvIgnoresUnparsableValues(t *testing.T) {
	cfg := defaults()
	before := cfg.PortTCP
	applyEnv(cfg, fakeLookup(map[string]string{envPortTCP: "not-a-number"}))
	if cfg.PortTCP != before {
		t.Errorf("PortTCP changed to %d on unparsable input, want unchanged %d", cfg.PortTCP, before)
	}
}

func TestModelSelectorAppendsEnglishSuffix(t *testing.T) {
	cfg := defaults()
	cfg.Model = "medium"
	cfg.OnlyEnglish = true
	if got := cfg.ModelSelector(); got != "medium.en" {
		t.Errorf("ModelSelector() = %q, want medium.en", got)
	}
	cfg.OnlyEnglish = false
	if got := cfg.ModelSelector(); got != "medium" {
		t.Errorf("ModelSelector() = %q, want medium", got)
	}
}

func TestValidateRejectsBadPorts(t *testing.T) {
	cfg := defaults()
	cfg.ModelPath = t.TempDir()
	cfg.PortTCP = 0
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "PORT_TCP") {
		t.Errorf("Validate() = %v, want an error mentioning PORT_TCP", err)
	}
}

func TestValidateRejectsSharedPorts(t *testing.T) {
	cfg := defaults()
	cfg.ModelPath = t.TempDir()
	cfg.PortUDP = cfg.PortTCP
	if err := Validate(cfg); err == nil {
		t.Error("Validate() = nil, want error for PORT_TCP == PORT_UDP")
	}
}

func TestValidateRejectsUnknownTask(t *testing.T) {
	cfg := defaults()
	cfg.ModelPath = t.TempDir()
	cfg.Task = "summarize"
	if err := Validate(cfg); err == nil {
		t.Error("Validate() = nil, want error for unknown TASK")
	}
}

func TestValidateRejectsSmallRSAKey(t *testing.T) {
	cfg := defaults()
	cfg.ModelPath = t.TempDir()
	cfg.RSAKeySize = 512
	if err := Validate(cfg); err == nil {
		t.Error("Validate() = nil, want error for undersized RSA_KEY_SIZE")
	}
}

func TestValidatePassesDefaults(t *testing.T) {
	cfg := defaults()
	cfg.ModelPath = t.TempDir()
	if err := Validate(cfg); err != nil {
		t.Errorf("Validate() = %v, want nil for defaults with a valid MODEL_PATH", err)
	}
}

func TestLoadMissingOverridesFileIsNotAnError(t *testing.T) {
	t.Setenv("MODEL_PATH", t.TempDir())
	cfg, err := Load("/nonexistent/overrides.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	if cfg.WorkerCount != DefaultWorkerCount {
		t.Errorf("WorkerCount = %d, want default %d", cfg.WorkerCount, DefaultWorkerCount)
	}
}
