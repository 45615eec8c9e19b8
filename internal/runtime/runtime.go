package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/categorize"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/events"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/httpapi"
	"github.com/loqalabs/loqa-scribe/internal/inbox"
	"github.com/loqalabs/loqa-scribe/internal/ingest"
	"github.com/loqalabs/loqa-scribe/internal/llm"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/store"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

const (
	janitorInterval = time.Minute
	pruneInterval   = time.Hour
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	embedded  *natsserver.EmbeddedServer
	busClient *bus.Client
	store     *eventstore.Store
	publisher events.Publisher
	ingest    *ingest.Service
	inbox     *inbox.Watcher
	closers   []func() error
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires every component, serves until ctx is cancelled and then shuts
// everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	abort := func(err error) error {
		cancel()
		if serr := r.shutdown(); serr != nil {
			r.logger.Error("shutdown error", slog.String("error", serr.Error()))
		}
		return err
	}

	orch, err := r.build(ctx)
	if err != nil {
		return abort(err)
	}

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		orch.RunJanitor(ctx, janitorInterval)
	}()
	go func() {
		defer r.wg.Done()
		r.store.RunPruner(ctx, pruneInterval)
	}()

	if r.busClient != nil {
		r.ingest = ingest.NewService(ctx, r.cfg.Bus.IngestSubject, r.busClient, orch, r.sttTimeout(), r.logger)
		if err := r.ingest.Start(); err != nil {
			return abort(fmt.Errorf("start ingest: %w", err))
		}
	}

	if r.cfg.Inbox.Enabled {
		w, err := inbox.New(r.cfg.Inbox, r.cfg.Session.MaxUploadBytes, orch, store.NewDir(r.cfg.Storage.OutputDir), r.logger)
		if err != nil {
			return abort(fmt.Errorf("create inbox watcher: %w", err))
		}
		r.inbox = w
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := w.Start(ctx); err != nil {
				r.logger.Error("inbox watcher failed", slog.String("error", err.Error()))
			}
		}()
	}

	api := httpapi.NewServer(orch, r.logger, r.ready.Load, metricsHandler)
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	if err := r.shutdown(); err != nil {
		r.logger.Error("shutdown error", slog.String("error", err.Error()))
	}
	return nil
}

func (r *Runtime) build(ctx context.Context) (*session.Orchestrator, error) {
	st, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	r.store = st

	if r.cfg.Bus.Enabled {
		embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return nil, err
		}
		r.embedded = embedded
		busCfg := r.cfg.Bus
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
		if err != nil {
			return nil, err
		}
		r.busClient = client
	}

	publisher, err := events.New(r.cfg.Events, r.busClient, r.logger)
	if err != nil {
		return nil, err
	}
	r.publisher = publisher

	transcriber, err := r.buildTranscriber(ctx)
	if err != nil {
		return nil, err
	}

	generator, err := llm.FromConfig(ctx, r.cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm generator: %w", err)
	}
	if generator != nil {
		r.logger.Info("categorizer model enabled", slog.String("mode", r.cfg.LLM.Mode), slog.String("model", r.cfg.LLM.Model))
	}
	categorizer := categorize.NewAdapter(generator, categorize.Options{
		Defaults:       llm.OptionsFromConfig(r.cfg.LLM),
		Timeout:        time.Duration(r.cfg.LLM.TimeoutMS) * time.Millisecond,
		MaxConcurrency: r.cfg.LLM.MaxConcurrency,
	}, r.logger)

	return session.New(session.Deps{
		Transcriber:    transcriber,
		Categorizer:    categorizer,
		Outputs:        store.NewDir(r.cfg.Storage.OutputDir),
		Feedback:       store.NewDir(r.cfg.Storage.FeedbackDir),
		Timeline:       st,
		Publisher:      publisher,
		Logger:         r.logger,
		MaxUploadBytes: r.cfg.Session.MaxUploadBytes,
		TTL:            time.Duration(r.cfg.Session.TTLMinutes) * time.Minute,
	}), nil
}

func (r *Runtime) buildTranscriber(ctx context.Context) (*stt.Transcriber, error) {
	converter, err := stt.NewConverter(r.cfg.STT)
	if err != nil {
		return nil, err
	}
	recognizer, closer, err := newRecognizer(ctx, r.cfg.STT)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		r.closers = append(r.closers, closer)
	}
	r.logger.Info("transcription configured", slog.String("mode", r.cfg.STT.Mode))
	return stt.NewTranscriber(r.cfg.Storage.UploadDir, converter, recognizer, r.sttTimeout(), r.logger), nil
}

func newRecognizer(ctx context.Context, cfg config.STTConfig) (stt.Recognizer, func() error, error) {
	switch cfg.Mode {
	case "mock", "":
		return stt.NewMockRecognizer(cfg.MockText), nil, nil
	case "exec":
		rec, err := stt.NewExecRecognizer(cfg)
		return rec, nil, err
	case "google":
		return stt.NewGoogleRecognizer(ctx, cfg)
	default:
		return nil, nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

func (r *Runtime) sttTimeout() time.Duration {
	return time.Duration(r.cfg.STT.TimeoutMS) * time.Millisecond
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) shutdown() error {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	var errs []error
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if r.ingest != nil {
		r.ingest.Close()
	}
	r.wg.Wait()
	if r.inbox != nil {
		if err := r.inbox.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("inbox: %w", err))
		}
	}

	if r.publisher != nil {
		if err := r.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("events: %w", err))
		}
	}
	if r.busClient != nil {
		r.busClient.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
	for _, c := range r.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event store: %w", err))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}
