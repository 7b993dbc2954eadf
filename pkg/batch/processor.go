package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/odata-batch/pkg/logging"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const instrumentationName = "github.com/Sternrassler/odata-batch/pkg/batch"

// Config holds the processor configuration.
type Config struct {
	// MaxConcurrency bounds concurrent resource handler calls per batch.
	MaxConcurrency int

	// MaxGroupRepeats bounds how often a GroupEnd hook may repeat one group.
	// 0 disables repeats.
	MaxGroupRepeats int

	// Hooks are optional lifecycle callbacks.
	Hooks Hooks
}

// DefaultConfig returns the default processor configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:  8,
		MaxGroupRepeats: 10,
	}
}

// Processor executes batches against a resource handler. It is safe for
// concurrent use; each Process call works on its own Execution.
type Processor struct {
	handler ResourceHandler
	config  Config
	logger  zerolog.Logger
	tracer  trace.Tracer
}

// NewProcessor creates a processor.
func NewProcessor(handler ResourceHandler, cfg Config) (*Processor, error) {
	if handler == nil {
		return nil, ErrNoHandler
	}
	if cfg.MaxConcurrency < 1 {
		return nil, fmt.Errorf("max_concurrency must be >= 1 (got %d)", cfg.MaxConcurrency)
	}
	if cfg.MaxGroupRepeats < 0 {
		return nil, fmt.Errorf("max_group_repeats must be >= 0 (got %d)", cfg.MaxGroupRepeats)
	}

	return &Processor{
		handler: handler,
		config:  cfg,
		logger:  logging.NewLogger("batch"),
		tracer:  otel.Tracer(instrumentationName),
	}, nil
}

// Process runs every sub-request of ex and returns the first framework-level
// error, or the BatchEnd hook's error if it returned one. Sub-request
// failures are recorded in ex and do not make Process fail.
func (p *Processor) Process(ctx context.Context, ex *Execution) error {
	start := time.Now()
	semantics := string(ex.Semantics())
	logger := logging.ForBatch(p.logger, ex.ID(), semantics)

	ctx, span := p.tracer.Start(ctx, "batch.process",
		trace.WithAttributes(
			attribute.String("batch.id", ex.ID()),
			attribute.String("batch.semantics", semantics),
			attribute.Int("batch.requests", ex.Len()),
			attribute.Bool("batch.continue_on_error", ex.ContinueOnError()),
		))
	defer span.End()

	logger.Info().
		Int("requests", ex.Len()).
		Bool("continue_on_error", ex.ContinueOnError()).
		Msg("Processing batch")

	err := p.process(ctx, ex, logger)

	duration := time.Since(start)
	batchDuration.WithLabelValues(semantics).Observe(duration.Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	batchesTotal.WithLabelValues(semantics, outcome).Inc()

	event := logger.Info()
	if err != nil {
		event = logger.Error().Err(err)
	}
	event.
		Int("responses", len(ex.Responses())).
		Int("failed_groups", len(ex.FailedGroups())).
		Dur("duration", duration).
		Msg("Batch finished")
	return err
}

func (p *Processor) process(ctx context.Context, ex *Execution, logger zerolog.Logger) error {
	hooks := p.config.Hooks
	if hooks.BatchStart != nil {
		if err := hooks.BatchStart(ctx, ex); err != nil {
			frameworkErrorsTotal.WithLabelValues("batch_start").Inc()
			return fmt.Errorf("batch start hook: %w", err)
		}
	}

	exec := &executor{
		handler: p.handler,
		tracer:  p.tracer,
		logger:  logger,
	}
	slots := semaphore.NewWeighted(int64(p.config.MaxConcurrency))
	newScheduler(ex, exec, slots, hooks, p.config.MaxGroupRepeats, logger).run(ctx)

	err := ex.FirstError()
	if hooks.BatchEnd != nil {
		if hookErr := hooks.BatchEnd(ctx, err, ex, ex.FailedRequests("")); hookErr != nil {
			frameworkErrorsTotal.WithLabelValues("batch_end").Inc()
			return hookErr
		}
	}
	return err
}
