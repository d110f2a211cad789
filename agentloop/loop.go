package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sravan-iaisolution/codebox/durable"
	"github.com/sravan-iaisolution/codebox/fragment"
	"github.com/sravan-iaisolution/codebox/metrics"
	"github.com/sravan-iaisolution/codebox/sandbox"
	"github.com/sravan-iaisolution/codebox/unifiedllm"
)

// ErrMissingProjectID is returned by Run before any step when the event has
// no project ID.
var ErrMissingProjectID = errors.New("project id is required")

const (
	DefaultMaxIterations       = 15
	DefaultMaxIdleTurns        = 2
	DefaultContextWindow       = 128000
	DefaultLoopDetectionWindow = 6
	DefaultSandboxTemplate     = "nextjs"

	// SandboxPort is the port whose host becomes the run's sandbox URL.
	SandboxPort = 3000
)

// Step names. Model turns and tool calls are suffixed per instance.
const (
	stepSandboxID  = "get-sandbox-id"
	stepSandboxURL = "get-sandbox-url"
	stepSaveResult = "save-result"
)

func modelTurnStep(turn int) string { return fmt.Sprintf("model-turn-%d", turn) }

func toolStep(turn int, callID string) string { return fmt.Sprintf("tool-%d-%s", turn, callID) }

// TerminationReason says why the loop stopped calling the model.
type TerminationReason string

const (
	TerminatedSummary       TerminationReason = "summary"
	TerminatedIdle          TerminationReason = "idle"
	TerminatedMaxIterations TerminationReason = "max_iterations"
)

// Config holds the loop's tunables.
type Config struct {
	Model               string        `json:"model,omitempty"`
	MaxIterations       int           `json:"max_iterations"`
	MaxIdleTurns        int           `json:"max_idle_turns"`
	OutputBudget        int           `json:"output_budget_bytes"`
	ReadConcurrency     int           `json:"read_concurrency"`
	CommandTimeout      time.Duration `json:"command_timeout"`
	AllowedCommands     []string      `json:"allowed_commands,omitempty"`
	ContextWindow       int           `json:"context_window"`
	LoopDetectionWindow int           `json:"loop_detection_window"`
	SandboxTemplate     string        `json:"sandbox_template"`
}

// DefaultConfig returns the default loop configuration.
func DefaultConfig() Config {
	return Config{
		MaxIterations:       DefaultMaxIterations,
		MaxIdleTurns:        DefaultMaxIdleTurns,
		OutputBudget:        DefaultOutputBudget,
		ReadConcurrency:     DefaultReadConcurrency,
		CommandTimeout:      5 * time.Minute,
		LoopDetectionWindow: DefaultLoopDetectionWindow,
		SandboxTemplate:     DefaultSandboxTemplate,
	}
}

// Deps are the collaborators of an Agent. Client, Sandboxes, Steps and
// Persister are required.
type Deps struct {
	Client    *unifiedllm.Client
	Sandboxes sandbox.Provider
	Steps     durable.StepStore
	Persister *fragment.Persister
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Agent drives runs: model turns, tool dispatch and result persistence, each
// as a durable step.
type Agent struct {
	deps   Deps
	cfg    Config
	policy *CommandPolicy
	tracer trace.Tracer
}

// NewAgent validates deps and fills zero config fields with defaults.
func NewAgent(deps Deps, cfg Config) (*Agent, error) {
	switch {
	case deps.Client == nil:
		return nil, errors.New("agentloop: model client is required")
	case deps.Sandboxes == nil:
		return nil, errors.New("agentloop: sandbox provider is required")
	case deps.Steps == nil:
		return nil, errors.New("agentloop: step store is required")
	case deps.Persister == nil:
		return nil, errors.New("agentloop: persister is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.MaxIdleTurns < 0 {
		cfg.MaxIdleTurns = 0
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = contextWindowFor(cfg.Model)
	}
	if cfg.SandboxTemplate == "" {
		cfg.SandboxTemplate = def.SandboxTemplate
	}
	return &Agent{
		deps:   deps,
		cfg:    cfg,
		policy: NewCommandPolicy(cfg.AllowedCommands),
		tracer: otel.Tracer("codebox.agentloop"),
	}, nil
}

// contextWindowFor returns the catalog window for model, or
// DefaultContextWindow when the model is unknown.
func contextWindowFor(model string) int {
	if info := unifiedllm.GetModelInfo(model); info != nil && info.ContextWindow > 0 {
		return info.ContextWindow
	}
	return DefaultContextWindow
}

// Config returns the effective configuration.
func (a *Agent) Config() Config { return a.cfg }

// Event is the inbound trigger of a run.
type Event struct {
	ProjectID string `json:"projectId"`
	Value     string `json:"value"`
}

// RunOptions are per-run hooks.
type RunOptions struct {
	// Events receives progress events. It is not closed by Run.
	Events *EventEmitter
}

// RunResult is the outcome of a completed run.
type RunResult struct {
	RunID       string            `json:"runId"`
	ProjectID   string            `json:"projectId"`
	Output      string            `json:"output"`
	SandboxURL  string            `json:"sandboxUrl"`
	Files       map[string]string `json:"files"`
	Summary     string            `json:"summary,omitempty"`
	FragmentID  string            `json:"fragmentId"`
	Iterations  int               `json:"iterations"`
	Termination TerminationReason `json:"termination"`
}

// runState is the mutable state of one run. Replaying recorded steps rebuilds
// it exactly.
type runState struct {
	transcript []unifiedllm.Message
	files      map[string]string
	summary    string
	lastText   string
	idle       int
	warned     bool
}

// Run executes the run runID for ev. Steps already recorded for runID are
// replayed rather than re-executed, so calling Run again after a crash
// resumes where the previous attempt stopped.
func (a *Agent) Run(ctx context.Context, runID string, ev Event, opts RunOptions) (result *RunResult, err error) {
	if strings.TrimSpace(ev.ProjectID) == "" {
		return nil, ErrMissingProjectID
	}

	logger := a.deps.Logger.With("component", "agentloop", "run_id", runID, "project_id", ev.ProjectID)
	events := opts.Events
	runner := durable.NewRunner(a.deps.Steps, runID, durable.WithLogger(logger), durable.WithMetrics(a.deps.Metrics))

	ctx, span := a.tracer.Start(ctx, "codebox.agent.run", trace.WithAttributes(
		attribute.String("codebox.run_id", runID),
		attribute.String("codebox.project_id", ev.ProjectID),
	))
	iterations := 0
	a.deps.Metrics.RunStarted()
	events.Emit(EventRunStart, map[string]any{"project_id": ev.ProjectID})
	defer func() {
		outcome := "succeeded"
		if err != nil {
			outcome = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			events.Emit(EventError, map[string]any{"error": err.Error()})
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.SetAttributes(attribute.Int("codebox.iterations", iterations))
		span.End()
		a.deps.Metrics.RunFinished(outcome, iterations)
		events.Emit(EventRunEnd, map[string]any{"outcome": outcome, "iterations": iterations})
	}()

	sandboxID, err := durable.Do(ctx, runner, stepSandboxID, func(ctx context.Context) (string, error) {
		sb, err := a.deps.Sandboxes.Create(ctx, a.cfg.SandboxTemplate)
		if err != nil {
			return "", fmt.Errorf("create sandbox: %w", err)
		}
		return sb.ID(), nil
	})
	if err != nil {
		return nil, err
	}
	sb, err := a.deps.Sandboxes.Connect(ctx, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("connect sandbox %s: %w", sandboxID, err)
	}
	logger = logger.With("sandbox_id", sandboxID)

	dispatcher := NewDispatcher(sb, a.policy, DispatcherConfig{
		OutputBudget:    a.cfg.OutputBudget,
		ReadConcurrency: a.cfg.ReadConcurrency,
		CommandTimeout:  a.cfg.CommandTimeout,
	}, logger, a.deps.Metrics, events)

	state := &runState{
		transcript: []unifiedllm.Message{
			unifiedllm.SystemMessage(SystemPrompt(a.cfg.SandboxTemplate)),
			unifiedllm.UserMessage(ev.Value),
		},
		files: make(map[string]string),
	}

	reason := TerminatedMaxIterations
	for turn := 1; turn <= a.cfg.MaxIterations; turn++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		iterations = turn
		a.checkContextUsage(ctx, logger, events, state)

		msg, err := durable.Do(ctx, runner, modelTurnStep(turn), func(ctx context.Context) (unifiedllm.Message, error) {
			resp, err := a.deps.Client.Complete(ctx, unifiedllm.Request{
				Model:      a.cfg.Model,
				Messages:   append([]unifiedllm.Message(nil), state.transcript...),
				Tools:      ToolDefinitions(),
				ToolChoice: "auto",
				Metadata:   map[string]string{"run_id": runID},
			})
			if err != nil {
				return unifiedllm.Message{}, fmt.Errorf("model turn %d: %w", turn, err)
			}
			return normalizeAssistant(resp.Message, turn), nil
		})
		if err != nil {
			return nil, err
		}

		state.transcript = append(state.transcript, msg)
		if text := strings.TrimSpace(msg.Content); text != "" {
			state.lastText = text
		}
		if summary, ok := ExtractTaskSummary(msg.Content); ok {
			state.summary = summary
			events.Emit(EventSummaryCaptured, map[string]any{"turn": turn, "summary": summary})
		}
		events.Emit(EventModelTurn, map[string]any{
			"turn":       turn,
			"text":       msg.Content,
			"tool_calls": len(msg.ToolCalls),
		})

		if msg.HasToolCalls() {
			state.idle = 0
			if err := a.dispatchAll(ctx, runner, dispatcher, logger, turn, msg.ToolCalls, state); err != nil {
				return nil, err
			}
			if DetectLoop(state.transcript, a.cfg.LoopDetectionWindow) {
				logger.WarnContext(ctx, "repeating tool call pattern", "turn", turn, "window", a.cfg.LoopDetectionWindow)
				events.Emit(EventLoopDetection, map[string]any{"turn": turn, "window": a.cfg.LoopDetectionWindow})
			}
			continue
		}

		if state.summary != "" {
			reason = TerminatedSummary
			break
		}
		if state.idle >= a.cfg.MaxIdleTurns {
			reason = TerminatedIdle
			break
		}
		state.idle++
		state.transcript = append(state.transcript, unifiedllm.UserMessage(idleSteering))
		events.Emit(EventSteeringInjected, map[string]any{"turn": turn, "content": idleSteering})
	}
	if reason == TerminatedMaxIterations {
		events.Emit(EventTurnLimit, map[string]any{"max_iterations": a.cfg.MaxIterations})
	}
	a.deps.Metrics.Terminated(string(reason))
	logger.InfoContext(ctx, "loop terminated",
		"reason", reason, "iterations", iterations, "files", len(state.files), "has_summary", state.summary != "")

	sandboxURL, err := durable.Do(ctx, runner, stepSandboxURL, func(ctx context.Context) (string, error) {
		return "https://" + sb.Host(SandboxPort), nil
	})
	if err != nil {
		return nil, err
	}

	frag, err := durable.Do(ctx, runner, stepSaveResult, func(ctx context.Context) (*fragment.Fragment, error) {
		return a.deps.Persister.SaveResult(ctx, fragment.Result{
			RunID:      runID,
			ProjectID:  ev.ProjectID,
			Output:     state.lastText,
			SandboxURL: sandboxURL,
			Files:      state.files,
			Summary:    state.summary,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("save result: %w", err)
	}

	executed, replayed := runner.Stats()
	logger.InfoContext(ctx, "run completed",
		"fragment_id", frag.ID, "steps_executed", executed, "steps_replayed", replayed)

	return &RunResult{
		RunID:       runID,
		ProjectID:   ev.ProjectID,
		Output:      state.lastText,
		SandboxURL:  sandboxURL,
		Files:       state.files,
		Summary:     state.summary,
		FragmentID:  frag.ID,
		Iterations:  iterations,
		Termination: reason,
	}, nil
}

// dispatchAll runs the turn's tool calls in issuance order, appending one
// tool message per known tool.
func (a *Agent) dispatchAll(ctx context.Context, runner *durable.Runner, d *Dispatcher, logger *slog.Logger, turn int, calls []unifiedllm.ToolCall, state *runState) error {
	for _, call := range calls {
		inv := ParseInvocation(call)
		if unknown, ok := inv.(UnknownTool); ok {
			logger.WarnContext(ctx, "ignoring unknown tool", "tool", unknown.Name, "call_id", call.ID)
			continue
		}
		out, err := durable.Do(ctx, runner, toolStep(turn, call.ID), func(ctx context.Context) (ToolOutcome, error) {
			return d.Dispatch(ctx, call.ID, inv)
		})
		if err != nil {
			return fmt.Errorf("tool %s (%s): %w", call.Name, call.ID, err)
		}
		maps.Copy(state.files, out.Files)
		state.transcript = append(state.transcript, unifiedllm.ToolResultMessage(call.ID, out.Content))
	}
	return nil
}

// normalizeAssistant makes the model's reply safe to record: the role is
// fixed and every tool call gets an ID unique within the turn.
func normalizeAssistant(msg unifiedllm.Message, turn int) unifiedllm.Message {
	msg.Role = unifiedllm.RoleAssistant
	msg.ToolCallID = ""
	if len(msg.ToolCalls) == 0 {
		msg.ToolCalls = nil
		return msg
	}
	calls := make([]unifiedllm.ToolCall, len(msg.ToolCalls))
	seen := make(map[string]bool, len(calls))
	for i, tc := range msg.ToolCalls {
		if tc.ID == "" {
			tc.ID = fmt.Sprintf("call_%d_%d", turn, i)
		}
		if seen[tc.ID] {
			base := tc.ID
			for n := i; seen[tc.ID]; n++ {
				tc.ID = fmt.Sprintf("%s_%d", base, n)
			}
		}
		seen[tc.ID] = true
		calls[i] = tc
	}
	msg.ToolCalls = calls
	return msg
}

// checkContextUsage warns once per run when the transcript passes 80% of the
// configured context window.
func (a *Agent) checkContextUsage(ctx context.Context, logger *slog.Logger, events *EventEmitter, state *runState) {
	if state.warned {
		return
	}
	tokens := unifiedllm.CountMessageTokens(state.transcript)
	threshold := int(float64(a.cfg.ContextWindow) * 0.8)
	if tokens <= threshold {
		return
	}
	state.warned = true
	pct := int(float64(tokens) / float64(a.cfg.ContextWindow) * 100)
	logger.WarnContext(ctx, "context usage high", "tokens", tokens, "context_window", a.cfg.ContextWindow)
	events.Emit(EventWarning, map[string]any{
		"message": fmt.Sprintf("Context usage at ~%d%% of context window", pct),
		"tokens":  tokens,
	})
}
