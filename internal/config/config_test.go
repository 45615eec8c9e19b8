package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Session.MaxUploadBytes != 50<<20 {
		t.Fatalf("expected 50MiB upload ceiling, got %d", cfg.Session.MaxUploadBytes)
	}
	if cfg.STT.Mode != "mock" {
		t.Fatalf("expected mock stt by default, got %s", cfg.STT.Mode)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.yaml")
	content := `
http:
  port: 8088
storage:
  output_dir: ./out
  feedback_dir: ./fb
llm:
  enabled: true
  mode: ollama
  model: qwen2.5:7b
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != 8088 {
		t.Fatalf("expected port 8088, got %d", cfg.HTTP.Port)
	}
	if cfg.Storage.OutputDir != "./out" || cfg.Storage.FeedbackDir != "./fb" {
		t.Fatalf("unexpected storage config: %+v", cfg.Storage)
	}
	if cfg.Storage.UploadDir != "./uploads" {
		t.Fatalf("expected default upload dir preserved, got %s", cfg.Storage.UploadDir)
	}
	if cfg.LLM.Model != "qwen2.5:7b" {
		t.Fatalf("expected model override, got %s", cfg.LLM.Model)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_ENABLED", "true")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_EVENTS_DRIVER", "nats")
	t.Setenv("LOQA_SESSION_MAX_UPLOAD_BYTES", "1024")
	t.Setenv("LOQA_STT_MODE", "exec")
	t.Setenv("LOQA_STT_COMMAND", "whisper-cli --json")
	t.Setenv("LOQA_LLM_ENABLED", "true")
	t.Setenv("LOQA_LLM_MODE", "exec")
	t.Setenv("LOQA_LLM_COMMAND", "./categorize.sh")
	t.Setenv("LOQA_LLM_TEMPERATURE", "0.3")
	t.Setenv("LOQA_STORAGE_FEEDBACK_DIR", "./tmp-feedback")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Events.Driver != "nats" {
		t.Fatalf("expected events driver override")
	}
	if cfg.Session.MaxUploadBytes != 1024 {
		t.Fatalf("expected upload ceiling override, got %d", cfg.Session.MaxUploadBytes)
	}
	if cfg.STT.Command != "whisper-cli --json" {
		t.Fatalf("expected stt command override")
	}
	if cfg.LLM.Temperature != 0.3 {
		t.Fatalf("expected temperature override, got %v", cfg.LLM.Temperature)
	}
	if cfg.Storage.FeedbackDir != "./tmp-feedback" {
		t.Fatalf("expected feedback dir override")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"bad port", func(c *Config) { c.HTTP.Port = 0 }, true},
		{"exec stt without command", func(c *Config) { c.STT.Mode = "exec" }, true},
		{"unknown stt mode", func(c *Config) { c.STT.Mode = "vosk" }, true},
		{"gemini without key", func(c *Config) { c.LLM.Enabled = true; c.LLM.Mode = "gemini" }, true},
		{"nats events without bus", func(c *Config) { c.Events.Driver = "nats" }, true},
		{"kafka without brokers", func(c *Config) { c.Events.Driver = "kafka" }, true},
		{"shared artifact dirs", func(c *Config) { c.Storage.FeedbackDir = c.Storage.OutputDir }, true},
		{"zero upload ceiling", func(c *Config) { c.Session.MaxUploadBytes = 0 }, true},
		{"inbox without workers", func(c *Config) { c.Inbox.Enabled = true; c.Inbox.Concurrency = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
