package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/categorize"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/store"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type submitFunc func(ctx context.Context, audio []byte, hint string) (session.Categorized, error)

func (f submitFunc) Submit(ctx context.Context, audio []byte, hint string) (session.Categorized, error) {
	return f(ctx, audio, hint)
}

func waitForOutputs(t *testing.T, dir string, n int) []os.DirEntry {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		entries, _ := os.ReadDir(dir)
		if len(entries) >= n {
			return entries
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d outputs in %s", n, dir)
	return nil
}

func startWatcher(t *testing.T, sub Submitter) (string, string) {
	t.Helper()
	root := t.TempDir()
	inboxDir := filepath.Join(root, "inbox")
	outDir := filepath.Join(root, "outputs")
	if err := os.MkdirAll(inboxDir, 0o755); err != nil {
		t.Fatal(err)
	}
	// present before start
	if err := os.WriteFile(filepath.Join(inboxDir, "early.wav"), []byte("early"), 0o600); err != nil {
		t.Fatal(err)
	}

	w, err := New(config.InboxConfig{Directory: inboxDir, Concurrency: 1, Extensions: []string{".wav", "webm"}}, 1024, sub, store.NewDir(outDir), newLogger())
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	w.settle = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = w.Stop()
	})
	return inboxDir, outDir
}

func TestWatcherProcessesAndDeletesSources(t *testing.T) {
	sub := submitFunc(func(_ context.Context, audio []byte, hint string) (session.Categorized, error) {
		if string(audio) == "bad" {
			return session.Categorized{}, errors.New("transcription failure")
		}
		return session.Categorized{
			SessionID:  "s-" + string(audio),
			Transcript: "Budget approved.",
			Result:     categorize.Fallback("Budget approved."),
			Timestamp:  time.Now(),
		}, nil
	})
	inboxDir, outDir := startWatcher(t, sub)

	if err := os.WriteFile(filepath.Join(inboxDir, "late.webm"), []byte("bad"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(inboxDir, "notes.txt"), []byte("ignored"), 0o600); err != nil {
		t.Fatal(err)
	}

	entries := waitForOutputs(t, outDir, 2)
	results := map[string]Result{}
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(outDir, e.Name()))
		if err != nil {
			t.Fatal(err)
		}
		var r Result
		if err := json.Unmarshal(data, &r); err != nil {
			t.Fatalf("decode %s: %v", e.Name(), err)
		}
		results[r.Source] = r
	}

	early, ok := results["early.wav"]
	if !ok || early.CategorizedPayload == nil || early.SessionID != "s-early" {
		t.Fatalf("unexpected result for early.wav: %+v", early)
	}
	late, ok := results["late.webm"]
	if !ok || late.ErrorPayload == nil || late.Error != "Processing failed" {
		t.Fatalf("unexpected result for late.webm: %+v", late)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, errEarly := os.Stat(filepath.Join(inboxDir, "early.wav"))
		_, errLate := os.Stat(filepath.Join(inboxDir, "late.webm"))
		if os.IsNotExist(errEarly) && os.IsNotExist(errLate) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	for _, name := range []string{"early.wav", "late.webm"} {
		if _, err := os.Stat(filepath.Join(inboxDir, name)); !os.IsNotExist(err) {
			t.Fatalf("%s should be deleted after processing", name)
		}
	}
	if _, err := os.Stat(filepath.Join(inboxDir, "notes.txt")); err != nil {
		t.Fatalf("unsupported files must be left alone: %v", err)
	}
}
