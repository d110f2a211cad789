package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sravan-iaisolution/codebox/metrics"
)

const (
	traceScope    = "codebox.durable"
	traceSpanStep = "codebox.durable.step"
)

// ErrDuplicateStep is returned when one execution of a run uses the same step
// name twice. Replaying would hand the second action the first one's result.
var ErrDuplicateStep = errors.New("duplicate step name")

// Runner executes the steps of one run against a StepStore. A Runner is not
// shared between runs.
type Runner struct {
	store   StepStore
	runID   string
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	mu       sync.Mutex
	claimed  map[string]struct{}
	executed int
	replayed int
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records step outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// NewRunner creates a Runner for runID.
func NewRunner(store StepStore, runID string, opts ...Option) *Runner {
	r := &Runner{
		store:   store,
		runID:   runID,
		logger:  slog.Default(),
		tracer:  otel.Tracer(traceScope),
		claimed: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("run_id", runID)
	return r
}

// RunID returns the run the runner executes.
func (r *Runner) RunID() string { return r.runID }

// Stats returns how many steps were executed and how many were replayed from
// the store.
func (r *Runner) Stats() (executed, replayed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.executed, r.replayed
}

func (r *Runner) claim(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.claimed[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStep, name)
	}
	r.claimed[name] = struct{}{}
	return nil
}

// release lets a failed step be attempted again under the same name.
func (r *Runner) release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claimed, name)
}

func (r *Runner) count(replayed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if replayed {
		r.replayed++
	} else {
		r.executed++
	}
}

// stepKind strips the per-instance suffix so metrics stay low-cardinality:
// "model-turn-3" and "tool-2-call_ab" become "model-turn" and "tool".
func stepKind(name string) string {
	parts := strings.Split(name, "-")
	for i, p := range parts {
		if p != "" && p[0] >= '0' && p[0] <= '9' {
			return strings.Join(parts[:i], "-")
		}
	}
	return name
}

// Do runs fn as the step called name. When a result for name is already
// recorded for the run, it is decoded and returned without calling fn. A
// failed fn records nothing, so the next execution retries it.
func Do[T any](ctx context.Context, r *Runner, name string, fn func(ctx context.Context) (T, error)) (result T, err error) {
	var zero T
	if err := r.claim(name); err != nil {
		return zero, err
	}

	ctx, span := r.tracer.Start(ctx, traceSpanStep, trace.WithAttributes(
		attribute.String("codebox.run_id", r.runID),
		attribute.String("codebox.step", name),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	kind := stepKind(name)

	raw, ok, err := r.store.Load(ctx, r.runID, name)
	if err != nil {
		r.release(name)
		return zero, fmt.Errorf("step %s: %w", name, err)
	}
	if ok {
		if err := json.Unmarshal(raw, &result); err != nil {
			return zero, fmt.Errorf("step %s: decode recorded result: %w", name, err)
		}
		span.SetAttributes(attribute.Bool("codebox.replayed", true))
		r.count(true)
		r.metrics.Step(kind, "replayed", 0)
		r.logger.DebugContext(ctx, "step replayed", "step", name)
		return result, nil
	}

	start := time.Now()
	result, err = fn(ctx)
	if err != nil {
		r.release(name)
		r.metrics.Step(kind, "failed", time.Since(start))
		r.logger.WarnContext(ctx, "step failed", "step", name, "error", err)
		return zero, err
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		r.release(name)
		return zero, fmt.Errorf("step %s: encode result: %w", name, err)
	}
	recorded, err := r.store.Save(ctx, r.runID, name, encoded)
	if err != nil {
		r.release(name)
		return zero, fmt.Errorf("step %s: %w", name, err)
	}

	// Another executor may have recorded the step first; its value wins.
	var canonical T
	if err := json.Unmarshal(recorded, &canonical); err != nil {
		return zero, fmt.Errorf("step %s: decode recorded result: %w", name, err)
	}

	r.count(false)
	r.metrics.Step(kind, "executed", time.Since(start))
	r.logger.DebugContext(ctx, "step executed", "step", name, "duration", time.Since(start))
	return canonical, nil
}
