package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/store"
)

// Submitter runs a recording through the session pipeline.
type Submitter interface {
	Submit(ctx context.Context, audio []byte, formatHint string) (session.Categorized, error)
}

// Result is written to the output directory for every processed file.
type Result struct {
	Source string `json:"source"`
	*protocol.CategorizedPayload
	*protocol.ErrorPayload
}

// Watcher submits audio files dropped into a directory. Each source file is
// deleted once processed, whatever the outcome.
type Watcher struct {
	dir       string
	exts      map[string]bool
	submitter Submitter
	outputs   *store.Dir
	logger    *slog.Logger
	watcher   *fsnotify.Watcher
	semaphore chan struct{}
	settle    time.Duration
	maxBytes  int64

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

func New(cfg config.InboxConfig, maxBytes int64, submitter Submitter, outputs *store.Dir, logger *slog.Logger) (*Watcher, error) {
	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("create inbox dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(cfg.Directory); err != nil {
		fw.Close()
		return nil, fmt.Errorf("add watch path: %w", err)
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	exts := make(map[string]bool, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = true
	}

	return &Watcher{
		dir:       cfg.Directory,
		exts:      exts,
		submitter: submitter,
		outputs:   outputs,
		logger:    logger.With(slog.String("component", "inbox")),
		watcher:   fw,
		semaphore: make(chan struct{}, concurrency),
		settle:    500 * time.Millisecond,
		maxBytes:  maxBytes,
		inflight:  make(map[string]bool),
	}, nil
}

// Start processes files already present, then watches for new ones until
// ctx is done. It waits for in-flight files before returning.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("inbox watcher started",
		slog.String("dir", w.dir),
		slog.Int("max_concurrency", cap(w.semaphore)))

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("scan inbox: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.dispatch(ctx, filepath.Join(w.dir, e.Name()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			w.logger.Info("inbox watcher stopped")
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				w.wg.Wait()
				return errors.New("watcher events channel closed")
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.dispatch(ctx, event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.wg.Wait()
				return errors.New("watcher errors channel closed")
			}
			w.logger.Error("watcher error", slog.String("error", err.Error()))
		}
	}
}

// Stop closes the underlying file watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) accepts(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return w.exts[strings.ToLower(filepath.Ext(base))]
}

func (w *Watcher) dispatch(ctx context.Context, path string) {
	if !w.accepts(path) {
		return
	}
	w.mu.Lock()
	if w.inflight[path] {
		w.mu.Unlock()
		return
	}
	w.inflight[path] = true
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.inflight, path)
			w.mu.Unlock()
		}()

		// give the writer time to finish
		select {
		case <-time.After(w.settle):
		case <-ctx.Done():
			return
		}

		select {
		case w.semaphore <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-w.semaphore }()

		if err := w.process(ctx, path); err != nil {
			w.logger.Error("inbox file failed", slog.String("path", path), slog.String("error", err.Error()))
		}
	}()
}

func (w *Watcher) process(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.logger.Error("failed to remove inbox file", slog.String("path", path), slog.String("error", err.Error()))
		}
	}()

	res := Result{Source: filepath.Base(path)}
	if w.maxBytes > 0 && info.Size() > w.maxBytes {
		res.ErrorPayload = &protocol.ErrorPayload{
			Error:   "File too large",
			Details: fmt.Sprintf("%d bytes exceeds limit of %d", info.Size(), w.maxBytes),
		}
	} else {
		audio, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read inbox file: %w", err)
		}
		cat, err := w.submitter.Submit(ctx, audio, filepath.Ext(path))
		if err != nil {
			res.ErrorPayload = &protocol.ErrorPayload{Error: "Processing failed", Details: err.Error()}
		} else {
			res.CategorizedPayload = &protocol.CategorizedPayload{
				SessionID:  cat.SessionID,
				Transcript: cat.Transcript,
				Important:  cat.Result.Important,
				Noise:      cat.Result.Noise,
				Uncertain:  cat.Result.Uncertain,
				Timestamp:  cat.Timestamp,
			}
		}
	}

	artifact, err := w.outputs.WriteJSON("inbox", res)
	if err != nil {
		return err
	}
	w.logger.Info("inbox file processed",
		slog.String("source", res.Source),
		slog.String("result", artifact.Name),
		slog.Bool("ok", res.ErrorPayload == nil))
	return nil
}
