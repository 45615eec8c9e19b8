package llm

import (
	"context"
	"time"
)

type mockGenerator struct {
	content string
	delay   time.Duration
}

// NewMockGenerator returns a generator that replies with content after delay.
func NewMockGenerator(content string, delay time.Duration) Generator {
	return &mockGenerator{content: content, delay: delay}
}

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.delay):
	}
	return consumer(Chunk{
		SessionID: req.SessionID,
		Content:   m.content,
		Partial:   false,
		Latency:   m.delay,
	})
}
