package rspc

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rspc.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadOptionsDefaults(t *testing.T) {
	opts, err := LoadOptions("")
	if err != nil {
		t.Fatalf("LoadOptions: %v", err)
	}
	if opts.SendQueueSize != 100 || opts.ContextPolicy != ContextPerRequest {
		t.Errorf("Unexpected defaults %+v", opts)
	}
}

func TestLoadOptionsFromFile(t *testing.T) {
	path := writeConfig(t, `
sendQueueSize: 8
maxSubscriptions: 4
emitCompletion: true
contextPolicy: per-batch
heartbeatInterval: 10s
rateLimit:
  rps: 2.5
  burst: 5
`)
	opts, err := LoadOptions(path)
	if err != nil {
		t.Fatalf("LoadOptions: %v", err)
	}
	if opts.SendQueueSize != 8 || opts.MaxSubscriptions != 4 || !opts.EmitCompletion {
		t.Errorf("Unexpected sizes %+v", opts)
	}
	if opts.ContextPolicy != ContextPerBatch {
		t.Errorf("Expected per-batch, got %s", opts.ContextPolicy)
	}
	if opts.HeartbeatInterval != 10*time.Second || opts.HeartbeatTimeout != 5*time.Second {
		t.Errorf("Unexpected heartbeat %v/%v", opts.HeartbeatInterval, opts.HeartbeatTimeout)
	}
	if opts.RateLimit.RPS != 2.5 || opts.RateLimit.Burst != 5 {
		t.Errorf("Unexpected rate limit %+v", opts.RateLimit)
	}
}

func TestLoadOptionsEnvOverrides(t *testing.T) {
	path := writeConfig(t, "sendQueueSize: 8\n")
	t.Setenv(EnvSendQueueSize, "16")
	t.Setenv(EnvEmitCompletion, "true")
	t.Setenv(EnvContextPolicy, "PER-BATCH")
	t.Setenv(EnvHeartbeatInterval, "-1s")
	t.Setenv(EnvRateLimitRPS, "3")

	opts, err := LoadOptions(path)
	if err != nil {
		t.Fatalf("LoadOptions: %v", err)
	}
	if opts.SendQueueSize != 16 || !opts.EmitCompletion || opts.ContextPolicy != ContextPerBatch {
		t.Errorf("Overrides not applied: %+v", opts)
	}
	if opts.HeartbeatInterval >= 0 {
		t.Errorf("Expected heartbeat to be disabled, got %v", opts.HeartbeatInterval)
	}
	if opts.RateLimit.RPS != 3 {
		t.Errorf("Expected RPS 3, got %v", opts.RateLimit.RPS)
	}
}

func TestLoadOptionsErrors(t *testing.T) {
	if _, err := LoadOptions(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected an error for a missing file")
	}
	if _, err := LoadOptions(writeConfig(t, "sendQueueSize: [")); err == nil {
		t.Error("Expected a parse error")
	}
	if _, err := LoadOptions(writeConfig(t, "contextPolicy: sometimes\n")); err == nil {
		t.Error("Expected an unknown policy to be rejected")
	}
	if _, err := LoadOptions(writeConfig(t, "maxSubscriptions: -1\n")); err == nil {
		t.Error("Expected a negative limit to be rejected")
	}

	t.Setenv(EnvMaxMessageBytes, "lots")
	if _, err := LoadOptions(""); err == nil {
		t.Error("Expected an invalid env value to be rejected")
	}
}
