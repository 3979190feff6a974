package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Synth.Mode != "mock" {
		t.Fatalf("expected mock synth mode by default, got %s", cfg.Synth.Mode)
	}
	if cfg.Assembly.SegmentDuration != 3.5 {
		t.Fatalf("expected default segment duration, got %v", cfg.Assembly.SegmentDuration)
	}
	if _, ok := cfg.Assembly.Components["breath_in"]; !ok {
		t.Fatal("expected base component dictionary to be populated")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HAVEN_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("HAVEN_BUS_USERNAME", "alice")
	t.Setenv("HAVEN_BUS_PASSWORD", "secret")
	t.Setenv("HAVEN_JOB_STORE_PATH", "./tmp.db")
	t.Setenv("HAVEN_BLOB_ROOT", "./tmp-blobs")
	t.Setenv("HAVEN_SYNTH_MODE", "elevenlabs")
	t.Setenv("HAVEN_SYNTH_API_KEY", "xi-test")
	t.Setenv("HAVEN_SYNTH_TIMEOUT_SECONDS", "30")
	t.Setenv("HAVEN_ASSEMBLY_MAX_CONCURRENCY", "2")
	t.Setenv("HAVEN_ASSEMBLY_DEFAULT_VOICE", "voice-123")
	t.Setenv("HAVEN_ASSEMBLY_SEGMENT_DURATION_SECONDS", "4.0")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.JobStore.Path != "./tmp.db" {
		t.Fatalf("expected job store path override")
	}
	if cfg.Blob.Root != "./tmp-blobs" {
		t.Fatalf("expected blob root override")
	}
	if cfg.Synth.Mode != "elevenlabs" || cfg.Synth.APIKey != "xi-test" {
		t.Fatalf("expected synth overrides, got %+v", cfg.Synth)
	}
	if cfg.Synth.TimeoutSeconds != 30 {
		t.Fatalf("expected synth timeout override, got %d", cfg.Synth.TimeoutSeconds)
	}
	if cfg.Assembly.MaxConcurrency != 2 {
		t.Fatalf("expected concurrency override")
	}
	if cfg.Assembly.DefaultVoice != "voice-123" {
		t.Fatalf("expected default voice override")
	}
	if cfg.Assembly.SegmentDuration != 4.0 {
		t.Fatalf("expected segment duration override")
	}
}

func TestValidateRejectsBadSynthMode(t *testing.T) {
	t.Setenv("HAVEN_SYNTH_MODE", "cloudtts")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for unknown synth mode")
	}
}
