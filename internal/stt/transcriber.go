package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Transcriber turns one uploaded recording into text. Every file it creates
// is removed before Transcribe returns, whatever the outcome.
type Transcriber struct {
	dir        string
	converter  Converter
	recognizer Recognizer
	timeout    time.Duration
	logger     *slog.Logger
}

// NewTranscriber writes uploads under dir. A non-positive timeout means two
// minutes per recording.
func NewTranscriber(dir string, converter Converter, recognizer Recognizer, timeout time.Duration, logger *slog.Logger) *Transcriber {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Transcriber{
		dir:        dir,
		converter:  converter,
		recognizer: recognizer,
		timeout:    timeout,
		logger:     logger.With(slog.String("component", "stt")),
	}
}

// Transcribe converts audio and runs the recognizer on it under the
// configured timeout. Every failure matches ErrTranscription.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, formatHint string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create upload dir: %w", ErrTranscription, err)
	}

	token := uuid.NewString()
	src := filepath.Join(t.dir, "upload_"+token+Extension(formatHint))
	dst := filepath.Join(t.dir, "converted_"+token+".wav")
	defer t.cleanup(src, dst)

	if err := writeExclusive(src, audio); err != nil {
		return "", fmt.Errorf("%w: store upload: %w", ErrTranscription, err)
	}

	start := time.Now()
	if err := t.converter.Convert(ctx, src, dst, formatHint); err != nil {
		return "", &ConversionError{Err: timeoutCause(ctx, err)}
	}

	result, err := t.recognizer.Recognize(ctx, dst)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTranscription, timeoutCause(ctx, err))
	}

	text := strings.TrimSpace(result.Text)
	t.logger.Info("transcription complete",
		slog.Int("bytes", len(audio)),
		slog.Int("chars", len(text)),
		slog.Duration("latency", time.Since(start)))
	return text, nil
}

func (t *Transcriber) cleanup(paths ...string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			t.logger.Error("failed to remove audio artifact", slog.String("path", p), slog.String("error", err.Error()))
		}
	}
}

func timeoutCause(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("deadline exceeded: %w", err)
	}
	return err
}

func writeExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
