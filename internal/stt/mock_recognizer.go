package stt

import (
	"context"
	"fmt"
	"os"
)

type mockRecognizer struct {
	text string
}

// NewMockRecognizer returns a recognizer that always yields text. When text
// is empty the transcript describes the input size instead.
func NewMockRecognizer(text string) Recognizer {
	return &mockRecognizer{text: text}
}

func (m *mockRecognizer) Recognize(ctx context.Context, wavPath string) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	if m.text != "" {
		return TranscriptResult{Text: m.text, Confidence: 1}, nil
	}
	info, err := os.Stat(wavPath)
	if err != nil {
		return TranscriptResult{}, err
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("[mock transcript size=%d]", info.Size()),
		Confidence: 0,
	}, nil
}
