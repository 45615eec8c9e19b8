package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/nats-io/nats.go"
)

// Submitter runs a recording through the session pipeline.
type Submitter interface {
	Submit(ctx context.Context, audio []byte, formatHint string) (session.Categorized, error)
}

// Service answers audio submissions arriving as NATS requests.
type Service struct {
	subject   string
	bus       *bus.Client
	submitter Submitter
	logger    *slog.Logger
	timeout   time.Duration
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewService(parent context.Context, subject string, busClient *bus.Client, submitter Submitter, timeout time.Duration, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Service{
		subject:   subject,
		bus:       busClient,
		submitter: submitter,
		logger:    logger.With(slog.String("component", "ingest")),
		timeout:   timeout,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to the ingest subject with a queue group so several
// instances can share the load.
func (s *Service) Start() error {
	sub, err := s.bus.Conn().QueueSubscribe(s.subject, "scribe-ingest", s.handleSubmit)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("listening for audio submissions", slog.String("subject", s.subject))
	return nil
}

// Close stops accepting submissions and waits for in-flight ones. Requests
// that arrive while closing are answered with an error.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.sub != nil && s.sub.IsValid()
}

func (s *Service) handleSubmit(msg *nats.Msg) {
	var req protocol.SubmitRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, protocol.SubmitReply{ErrorPayload: &protocol.ErrorPayload{Error: "Invalid request", Details: err.Error()}})
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.reply(msg, protocol.SubmitReply{ErrorPayload: &protocol.ErrorPayload{Error: "Service unavailable", Details: "ingest is shutting down"}})
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		cat, err := s.submitter.Submit(ctx, req.Audio, req.Format)
		if err != nil {
			s.reply(msg, protocol.SubmitReply{ErrorPayload: errorPayload(err)})
			return
		}
		s.reply(msg, protocol.SubmitReply{CategorizedPayload: &protocol.CategorizedPayload{
			SessionID:  cat.SessionID,
			Transcript: cat.Transcript,
			Important:  cat.Result.Important,
			Noise:      cat.Result.Noise,
			Uncertain:  cat.Result.Uncertain,
			Timestamp:  cat.Timestamp,
		}})
	}()
}

func errorPayload(err error) *protocol.ErrorPayload {
	switch {
	case errors.Is(err, session.ErrUploadTooLarge):
		return &protocol.ErrorPayload{Error: "File too large", Details: err.Error()}
	case errors.Is(err, session.ErrEmptyUpload):
		return &protocol.ErrorPayload{Error: "No audio file uploaded", Details: err.Error()}
	case errors.Is(err, stt.ErrTranscription):
		return &protocol.ErrorPayload{Error: "Transcription failed", Details: err.Error()}
	default:
		return &protocol.ErrorPayload{Error: "Processing failed", Details: err.Error()}
	}
}

func (s *Service) reply(msg *nats.Msg, reply protocol.SubmitReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("failed to encode reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slog.String("error", err.Error()))
	}
}
