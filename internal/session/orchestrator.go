package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/categorize"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/events"
	"github.com/loqalabs/loqa-scribe/internal/export"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/reconcile"
	"github.com/loqalabs/loqa-scribe/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Transcriber turns audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, formatHint string) (string, error)
}

// Categorizer sorts a transcript into three lists. It must not fail.
type Categorizer interface {
	Categorize(ctx context.Context, transcript string) categorize.Result
}

// Timeline records session state changes.
type Timeline interface {
	AppendEvent(ctx context.Context, evt eventstore.Event) error
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]eventstore.Event, error)
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Transcriber    Transcriber
	Categorizer    Categorizer
	Outputs        *store.Dir
	Feedback       *store.Dir
	Timeline       Timeline
	Publisher      events.Publisher
	Logger         *slog.Logger
	MaxUploadBytes int64
	TTL            time.Duration
	Clock          func() time.Time
}

// Session is a snapshot of one recording's lifecycle.
type Session struct {
	ID         string
	State      State
	Transcript string
	Result     categorize.Result
	Outcome    *reconcile.Outcome
	Err        string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Categorized is returned once a recording has been transcribed and sorted.
type Categorized struct {
	SessionID  string
	Transcript string
	Result     categorize.Result
	Timestamp  time.Time
}

// Exported describes a written export document.
type Exported struct {
	Filename  string
	Path      string
	Profile   export.Profile
	Timestamp time.Time
}

// FeedbackSaved describes a feedback write. Saved is false when the write
// failed; the failure is only logged.
type FeedbackSaved struct {
	Filename  string
	Timestamp time.Time
	Saved     bool
}

// Decided is the result of reviewing a session.
type Decided struct {
	Outcome  reconcile.Outcome
	Feedback FeedbackSaved
}

type entry struct {
	Session
	cancel    context.CancelFunc
	abandoned bool
}

// Orchestrator drives sessions from upload to export. Sessions share no
// state other than the output and feedback directories.
type Orchestrator struct {
	deps   Deps
	logger *slog.Logger
	tracer trace.Tracer
	meter  metric.Meter

	mu       sync.Mutex
	sessions map[string]*entry

	sessionCounter  metric.Int64Counter
	exportCounter   metric.Int64Counter
	feedbackFailure metric.Int64Counter
}

// New builds an orchestrator. Clock, Publisher and MaxUploadBytes fall back
// to time.Now, a no-op publisher and 50 MiB.
func New(deps Deps) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Noop{}
	}
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = 50 << 20
	}
	o := &Orchestrator{
		deps:     deps,
		logger:   deps.Logger.With(slog.String("component", "session")),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-scribe/session"),
		meter:    otel.Meter("github.com/loqalabs/loqa-scribe/session"),
		sessions: make(map[string]*entry),
	}
	if err := o.initMetrics(); err != nil {
		o.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return o
}

func (o *Orchestrator) initMetrics() error {
	var err error
	o.sessionCounter, err = o.meter.Int64Counter("scribe_sessions_total",
		metric.WithDescription("Sessions by final submit outcome"))
	if err != nil {
		return err
	}
	o.exportCounter, err = o.meter.Int64Counter("scribe_exports_total",
		metric.WithDescription("Export documents written"))
	if err != nil {
		return err
	}
	o.feedbackFailure, err = o.meter.Int64Counter("scribe_feedback_write_failures_total",
		metric.WithDescription("Feedback records that could not be persisted"))
	return err
}

// MaxUploadBytes is the largest accepted recording.
func (o *Orchestrator) MaxUploadBytes() int64 {
	return o.deps.MaxUploadBytes
}

// Submit runs a recording through transcription and categorization. On
// success the session waits for decisions.
func (o *Orchestrator) Submit(ctx context.Context, audio []byte, formatHint string) (Categorized, error) {
	ctx, span := o.tracer.Start(ctx, "session.submit")
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	id := uuid.NewString()
	span.SetAttributes(attribute.String("session.id", id), attribute.Int("audio.bytes", len(audio)))
	now := o.deps.Clock()
	o.mu.Lock()
	o.sessions[id] = &entry{
		Session: Session{ID: id, State: StateIdle, CreatedAt: now, UpdatedAt: now},
		cancel:  cancel,
	}
	o.mu.Unlock()

	if err := o.transition(ctx, id, StateUploading, ""); err != nil {
		return Categorized{}, o.fail(ctx, span, id, err)
	}
	if len(audio) == 0 {
		return Categorized{}, o.fail(ctx, span, id, ErrEmptyUpload)
	}
	if int64(len(audio)) > o.deps.MaxUploadBytes {
		return Categorized{}, o.fail(ctx, span, id,
			fmt.Errorf("%w: %d bytes, limit %d", ErrUploadTooLarge, len(audio), o.deps.MaxUploadBytes))
	}

	if err := o.transition(ctx, id, StateTranscribing, ""); err != nil {
		return Categorized{}, o.fail(ctx, span, id, err)
	}
	transcript, err := o.deps.Transcriber.Transcribe(ctx, audio, formatHint)
	if err != nil {
		return Categorized{}, o.fail(ctx, span, id, err)
	}

	if err := o.transition(ctx, id, StateCategorizing, ""); err != nil {
		return Categorized{}, o.fail(ctx, span, id, err)
	}
	result := o.deps.Categorizer.Categorize(ctx, transcript)

	o.mu.Lock()
	if e, ok := o.sessions[id]; ok {
		e.Transcript = transcript
		e.Result = result.Clone()
	}
	o.mu.Unlock()
	if err := o.transition(ctx, id, StateAwaitingDecisions, ""); err != nil {
		return Categorized{}, o.fail(ctx, span, id, err)
	}

	ts := o.deps.Clock()
	o.count(ctx, o.sessionCounter, "outcome", "categorized")
	o.publish(ctx, protocol.SessionEvent{
		Type:      protocol.EventSessionCategorized,
		SessionID: id,
		State:     string(StateAwaitingDecisions),
		Fragments: result.Len(),
		Timestamp: ts,
	})
	o.logger.Info("session categorized",
		slog.String("session_id", id),
		slog.Int("important", len(result.Important)),
		slog.Int("noise", len(result.Noise)),
		slog.Int("uncertain", len(result.Uncertain)))

	return Categorized{SessionID: id, Transcript: transcript, Result: result.Clone(), Timestamp: ts}, nil
}

// Decide reconciles decisions against the session's preserved original
// categorization and saves a feedback record on a best-effort basis.
func (o *Orchestrator) Decide(ctx context.Context, id string, decisions reconcile.Decisions) (Decided, error) {
	ctx, span := o.tracer.Start(ctx, "session.decide", trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	o.mu.Lock()
	e, ok := o.sessions[id]
	if !ok {
		o.mu.Unlock()
		return Decided{}, ErrNotFound
	}
	if !CanTransition(e.State, StateReconciled) {
		state := e.State
		o.mu.Unlock()
		return Decided{}, fmt.Errorf("%w: cannot reconcile from %s", ErrInvalidTransition, state)
	}
	original := e.Result.Clone()
	o.mu.Unlock()

	outcome := reconcile.Reconcile(original, decisions, o.deps.Clock())

	err := o.transitionWith(ctx, id, StateReconciled, "", func(e *entry) {
		e.Outcome = &outcome
	})
	if err != nil {
		return Decided{}, err
	}

	saved := o.SaveFeedback(ctx, outcome.Feedback)
	return Decided{Outcome: outcome, Feedback: saved}, nil
}

// ExportSession renders the session's approved content.
func (o *Orchestrator) ExportSession(ctx context.Context, id string, profile export.Profile) (Exported, error) {
	o.mu.Lock()
	e, ok := o.sessions[id]
	if !ok {
		o.mu.Unlock()
		return Exported{}, ErrNotFound
	}
	if e.Outcome == nil || !CanTransition(e.State, StateExported) {
		state := e.State
		o.mu.Unlock()
		return Exported{}, fmt.Errorf("%w: cannot export from %s", ErrInvalidTransition, state)
	}
	content := append([]string(nil), e.Outcome.Approved...)
	o.mu.Unlock()

	out, err := o.Export(ctx, id, content, profile, o.deps.Clock())
	if err != nil {
		return Exported{}, err
	}
	if err := o.transition(ctx, id, StateExported, out.Filename); err != nil {
		return Exported{}, err
	}
	return out, nil
}

// Export formats content and writes it to the output directory. sessionID
// may be empty for exports that do not belong to a tracked session.
func (o *Orchestrator) Export(ctx context.Context, sessionID string, content []string, profile export.Profile, at time.Time) (Exported, error) {
	ctx, span := o.tracer.Start(ctx, "session.export", trace.WithAttributes(attribute.String("export.profile", string(profile))))
	defer span.End()

	if len(content) == 0 {
		span.SetStatus(codes.Error, ErrEmptyApproval.Error())
		return Exported{}, ErrEmptyApproval
	}
	if at.IsZero() {
		at = o.deps.Clock()
	}
	doc := export.Format(content, profile, at)
	artifact, err := o.deps.Outputs.Write(string(doc.Profile), ".txt", []byte(doc.Text))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "export write failed")
		o.logger.Error("export write failed",
			slog.String("profile", string(doc.Profile)),
			slog.String("error", err.Error()))
		return Exported{}, err
	}

	o.count(ctx, o.exportCounter, "profile", string(doc.Profile))
	o.publish(ctx, protocol.SessionEvent{
		Type:      protocol.EventExportWritten,
		SessionID: sessionID,
		Filename:  artifact.Name,
		Fragments: len(content),
		Timestamp: o.deps.Clock(),
	})
	o.logger.Info("export written",
		slog.String("profile", string(doc.Profile)),
		slog.String("filename", artifact.Name),
		slog.Int("items", len(content)))
	return Exported{Filename: artifact.Name, Path: artifact.Path, Profile: doc.Profile, Timestamp: doc.GeneratedAt}, nil
}

// SaveFeedback persists record. Write failures are logged and reported
// through Saved, never as an error.
func (o *Orchestrator) SaveFeedback(ctx context.Context, record reconcile.FeedbackRecord) FeedbackSaved {
	if record.Timestamp.IsZero() {
		record.Timestamp = o.deps.Clock().UTC()
	}
	artifact, err := o.deps.Feedback.WriteJSON("feedback", record)
	if err != nil {
		if o.feedbackFailure != nil {
			o.feedbackFailure.Add(ctx, 1)
		}
		o.logger.Error("feedback write failed", slog.String("error", err.Error()))
		return FeedbackSaved{Timestamp: record.Timestamp}
	}
	o.publish(ctx, protocol.SessionEvent{
		Type:      protocol.EventFeedbackRecorded,
		Filename:  artifact.Name,
		Fragments: len(record.UserChoices),
		Timestamp: record.Timestamp,
	})
	return FeedbackSaved{Filename: artifact.Name, Timestamp: record.Timestamp, Saved: true}
}

// Abandon drops a session. An in-flight submit is cancelled, which makes
// the transcriber remove its temporary audio before returning.
func (o *Orchestrator) Abandon(ctx context.Context, id string) error {
	o.mu.Lock()
	e, ok := o.sessions[id]
	if !ok {
		o.mu.Unlock()
		return ErrNotFound
	}
	e.abandoned = true
	state := e.State
	cancel := e.cancel
	delete(o.sessions, id)
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.record(ctx, id, "abandoned", state, "")
	o.logger.Info("session abandoned", slog.String("session_id", id), slog.String("state", string(state)))
	return nil
}

// Get returns a snapshot of a session.
func (o *Orchestrator) Get(id string) (Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	s := e.Session
	s.Result = e.Result.Clone()
	if e.Outcome != nil {
		out := *e.Outcome
		s.Outcome = &out
	}
	return s, nil
}

// History lists the recorded timeline of a session.
func (o *Orchestrator) History(ctx context.Context, id string, limit int) ([]eventstore.Event, error) {
	if o.deps.Timeline == nil {
		return nil, nil
	}
	return o.deps.Timeline.ListSessionEvents(ctx, id, limit)
}

// Expire drops sessions idle for longer than the configured TTL and
// returns how many were removed.
func (o *Orchestrator) Expire(now time.Time) int {
	if o.deps.TTL <= 0 {
		return 0
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	removed := 0
	for id, e := range o.sessions {
		if now.Sub(e.UpdatedAt) > o.deps.TTL {
			if e.cancel != nil {
				e.cancel()
			}
			delete(o.sessions, id)
			removed++
		}
	}
	return removed
}

// RunJanitor expires idle sessions every interval until ctx is done.
func (o *Orchestrator) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := o.Expire(now); n > 0 {
				o.logger.Info("expired idle sessions", slog.Int("count", n))
			}
		}
	}
}

func (o *Orchestrator) transition(ctx context.Context, id string, to State, detail string) error {
	return o.transitionWith(ctx, id, to, detail, nil)
}

// transitionWith applies update and the state change under one lock, and
// only when the transition is allowed.
func (o *Orchestrator) transitionWith(ctx context.Context, id string, to State, detail string, update func(*entry)) error {
	o.mu.Lock()
	e, ok := o.sessions[id]
	if !ok {
		o.mu.Unlock()
		return ErrAbandoned
	}
	if e.abandoned {
		o.mu.Unlock()
		return ErrAbandoned
	}
	from := e.State
	if !CanTransition(from, to) {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if update != nil {
		update(e)
	}
	e.State = to
	e.UpdatedAt = o.deps.Clock()
	o.mu.Unlock()

	o.record(ctx, id, "state", to, detail)
	return nil
}

// fail moves the session to failed when it is still in a stage that can
// fail and returns err for the caller.
func (o *Orchestrator) fail(ctx context.Context, span trace.Span, id string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	o.mu.Lock()
	e, ok := o.sessions[id]
	if ok && !e.abandoned && CanTransition(e.State, StateFailed) {
		e.State = StateFailed
		e.Err = err.Error()
		e.UpdatedAt = o.deps.Clock()
		e.cancel = nil
	} else {
		ok = false
	}
	o.mu.Unlock()

	if errors.Is(err, context.Canceled) || errors.Is(err, ErrAbandoned) {
		o.count(ctx, o.sessionCounter, "outcome", "abandoned")
		return err
	}
	o.count(ctx, o.sessionCounter, "outcome", "failed")
	if ok {
		o.record(ctx, id, "state", StateFailed, err.Error())
	}
	o.publish(ctx, protocol.SessionEvent{
		Type:      protocol.EventSessionFailed,
		SessionID: id,
		State:     string(StateFailed),
		Detail:    err.Error(),
		Timestamp: o.deps.Clock(),
	})
	o.logger.Warn("session failed", slog.String("session_id", id), slog.String("error", err.Error()))
	return err
}

func (o *Orchestrator) record(ctx context.Context, id, kind string, state State, detail string) {
	if o.deps.Timeline == nil {
		return
	}
	var payload []byte
	if detail != "" {
		payload, _ = json.Marshal(map[string]string{"detail": detail})
	}
	// timeline writes outlive request cancellation
	ctx = context.WithoutCancel(ctx)
	if err := o.deps.Timeline.AppendEvent(ctx, eventstore.Event{
		SessionID: id,
		Type:      kind,
		State:     string(state),
		Payload:   payload,
		CreatedAt: o.deps.Clock(),
	}); err != nil {
		o.logger.Warn("failed to record session event",
			slog.String("session_id", id),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) publish(ctx context.Context, evt protocol.SessionEvent) {
	if err := o.deps.Publisher.Publish(context.WithoutCancel(ctx), evt); err != nil {
		o.logger.Warn("failed to publish event",
			slog.String("type", evt.Type),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) count(ctx context.Context, counter metric.Int64Counter, key, value string) {
	if counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(attribute.String(key, value)))
	}
}
