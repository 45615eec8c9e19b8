package categorize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Options tune the primary strategy.
type Options struct {
	Defaults llm.Request
	Timeout  time.Duration
	// MaxConcurrency bounds in-flight model calls. Zero means unbounded.
	MaxConcurrency int
}

// Adapter categorizes transcripts with a language model and falls back to
// the keyword table whenever the model is missing, slow or wrong.
type Adapter struct {
	generator llm.Generator
	opts      Options
	slots     chan struct{}
	logger    *slog.Logger
	meter     metric.Meter
	requests  metric.Int64Counter
	fallbacks metric.Int64Counter
}

// NewAdapter builds an adapter. A nil generator means fallback only.
func NewAdapter(generator llm.Generator, opts Options, logger *slog.Logger) *Adapter {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	a := &Adapter{
		generator: generator,
		opts:      opts,
		logger:    logger.With(slog.String("component", "categorizer")),
		meter:     otel.Meter("github.com/loqalabs/loqa-scribe/categorize"),
	}
	if opts.MaxConcurrency > 0 {
		a.slots = make(chan struct{}, opts.MaxConcurrency)
	}
	if err := a.initMetrics(); err != nil {
		a.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return a
}

func (a *Adapter) initMetrics() error {
	var err error
	a.requests, err = a.meter.Int64Counter("scribe_categorize_requests_total",
		metric.WithDescription("Transcripts categorized"))
	if err != nil {
		return err
	}
	a.fallbacks, err = a.meter.Int64Counter("scribe_categorize_fallbacks_total",
		metric.WithDescription("Categorizations served by the keyword fallback"))
	return err
}

// Categorize always returns a result. Primary strategy errors are logged and
// replaced by Fallback(transcript).
func (a *Adapter) Categorize(ctx context.Context, transcript string) Result {
	if a.requests != nil {
		a.requests.Add(ctx, 1)
	}
	if a.generator == nil {
		a.countFallback(ctx, "disabled")
		return Fallback(transcript)
	}

	res, err := a.primary(ctx, transcript)
	if err == nil {
		return res
	}

	reason := "invalid_response"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		reason = "timeout"
	case errors.Is(err, context.Canceled):
		reason = "canceled"
	case !errors.Is(err, ErrCategorizer):
		reason = "unavailable"
	}
	a.logger.Warn("categorizer failed, using keyword fallback",
		slog.String("reason", reason),
		slog.String("error", err.Error()))
	a.countFallback(ctx, reason)
	return Fallback(transcript)
}

func (a *Adapter) primary(ctx context.Context, transcript string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	if a.slots != nil {
		select {
		case a.slots <- struct{}{}:
			defer func() { <-a.slots }()
		case <-ctx.Done():
			return Result{}, fmt.Errorf("wait for categorizer slot: %w", ctx.Err())
		}
	}

	req := a.opts.Defaults
	req.System = systemPrompt
	req.Prompt = buildPrompt(transcript)
	req.JSON = true

	start := time.Now()
	raw, err := llm.Collect(ctx, a.generator, req)
	if err != nil {
		return Result{}, err
	}
	res, err := ParseModelResponse(raw)
	if err != nil {
		return Result{}, err
	}
	if err := checkFragments(res, transcript); err != nil {
		return Result{}, err
	}
	a.logger.Debug("model categorization accepted",
		slog.Int("fragments", res.Len()),
		slog.Duration("latency", time.Since(start)))
	return res, nil
}

func (a *Adapter) countFallback(ctx context.Context, reason string) {
	if a.fallbacks != nil {
		a.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}
