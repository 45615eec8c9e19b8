package events

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewSelectsDriver(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.EventsConfig
		wantErr bool
	}{
		{"none", config.EventsConfig{Driver: "none"}, false},
		{"empty", config.EventsConfig{}, false},
		{"nats without bus", config.EventsConfig{Driver: "nats"}, true},
		{"kafka", config.EventsConfig{Driver: "kafka", KafkaBrokers: []string{"localhost:9092"}, KafkaTopic: "scribe.events"}, false},
		{"unknown", config.EventsConfig{Driver: "carrier-pigeon"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub, err := New(tt.cfg, nil, newLogger())
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if pub != nil {
				_ = pub.Close()
			}
		})
	}
}

func TestNoopPublish(t *testing.T) {
	if err := (Noop{}).Publish(context.Background(), protocol.SessionEvent{Type: protocol.EventExportWritten}); err != nil {
		t.Fatalf("noop publish: %v", err)
	}
}

func TestSubject(t *testing.T) {
	if got := Subject("scribe", protocol.EventSessionFailed); got != "scribe.session.failed" {
		t.Fatalf("Subject() = %q", got)
	}
	if got := Subject("", protocol.EventSessionFailed); got != "session.failed" {
		t.Fatalf("Subject() = %q", got)
	}
}
