package stt

import (
	"context"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends. wavPath points at a mono 16-bit WAV file
// produced by a Converter.
type Recognizer interface {
	Recognize(ctx context.Context, wavPath string) (TranscriptResult, error)
}
