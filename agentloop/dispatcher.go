package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sravan-iaisolution/codebox/metrics"
	"github.com/sravan-iaisolution/codebox/sandbox"
)

// Tool call statuses, as reported in metrics and events.
const (
	StatusOK              = "ok"
	StatusError           = "error"
	StatusPolicyViolation = "policy_violation"
)

// DefaultReadConcurrency bounds concurrent reads of one readFiles call.
const DefaultReadConcurrency = 4

// ToolOutcome is the recorded result of one tool call: the JSON payload for
// the tool message and, for file writes, the files that were written.
type ToolOutcome struct {
	Content string            `json:"content"`
	Files   map[string]string `json:"files,omitempty"`
	Status  string            `json:"status"`
}

// DispatcherConfig tunes tool execution.
type DispatcherConfig struct {
	OutputBudget    int
	ReadConcurrency int
	CommandTimeout  time.Duration
}

// Dispatcher executes tool invocations against one sandbox.
type Dispatcher struct {
	sandbox sandbox.Sandbox
	policy  *CommandPolicy
	cfg     DispatcherConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	events  *EventEmitter
}

// NewDispatcher creates a Dispatcher. A nil policy selects the default
// allow-list; logger, m and events may be nil.
func NewDispatcher(sb sandbox.Sandbox, policy *CommandPolicy, cfg DispatcherConfig, logger *slog.Logger, m *metrics.Metrics, events *EventEmitter) *Dispatcher {
	if policy == nil {
		policy = NewCommandPolicy(nil)
	}
	if cfg.OutputBudget <= 0 {
		cfg.OutputBudget = DefaultOutputBudget
	}
	if cfg.ReadConcurrency <= 0 {
		cfg.ReadConcurrency = DefaultReadConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sandbox: sb,
		policy:  policy,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		events:  events,
	}
}

type toolError struct {
	OK              bool   `json:"ok"`
	Error           string `json:"error"`
	PolicyViolation bool   `json:"policyViolation,omitempty"`
}

type terminalResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	TimedOut bool   `json:"timedOut,omitempty"`
}

type terminalFailure struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

type fileFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

type writeReport struct {
	OK        bool          `json:"ok"`
	Successes []string      `json:"successes"`
	Failures  []fileFailure `json:"failures"`
}

type readResult struct {
	Path    string  `json:"path"`
	OK      bool    `json:"ok"`
	Content *string `json:"content,omitempty"`
	Error   string  `json:"error,omitempty"`
}

type readReport struct {
	Results []readResult `json:"results"`
}

func encodePayload(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Payload types are plain structs of strings and ints.
		return fmt.Sprintf(`{"ok":false,"error":%q}`, err.Error())
	}
	return string(data)
}

func failed(msg string) ToolOutcome {
	return ToolOutcome{Content: encodePayload(toolError{Error: msg}), Status: StatusError}
}

// Dispatch executes inv. Tool-level failures are reported inside the outcome;
// an error is returned only when ctx ends while the tool runs, so that the
// interrupted call is not recorded as its result.
func (d *Dispatcher) Dispatch(ctx context.Context, callID string, inv Invocation) (ToolOutcome, error) {
	start := time.Now()
	d.events.Emit(EventToolCallStart, map[string]any{"tool_name": inv.ToolName(), "call_id": callID})

	var (
		out ToolOutcome
		err error
	)
	switch args := inv.(type) {
	case TerminalArgs:
		out, err = d.terminal(ctx, callID, args)
	case CreateOrUpdateFilesArgs:
		out = d.createOrUpdateFiles(ctx, args)
	case ReadFilesArgs:
		out = d.readFiles(ctx, args)
	default:
		return ToolOutcome{}, fmt.Errorf("unsupported tool %q", inv.ToolName())
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		d.events.Emit(EventToolCallEnd, map[string]any{"call_id": callID, "error": err.Error()})
		return ToolOutcome{}, err
	}

	d.metrics.ToolCall(inv.ToolName(), out.Status)
	d.logger.InfoContext(ctx, "tool executed",
		"tool", inv.ToolName(), "call_id", callID, "status", out.Status, "duration", time.Since(start))
	d.events.Emit(EventToolCallEnd, map[string]any{
		"tool_name": inv.ToolName(),
		"call_id":   callID,
		"status":    out.Status,
		"output":    out.Content,
	})
	return out, nil
}

// lockedBuffer collects streamed output; callbacks may arrive from several
// goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *lockedBuffer) append(chunk string) {
	b.mu.Lock()
	b.buf.WriteString(chunk)
	b.mu.Unlock()
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func orFallback(streamed, final string) string {
	if streamed == "" {
		return final
	}
	return streamed
}

func (d *Dispatcher) terminal(ctx context.Context, callID string, args TerminalArgs) (ToolOutcome, error) {
	command := strings.TrimSpace(args.Command)
	if command == "" {
		return failed("command is required"), nil
	}
	if err := d.policy.Check(command); err != nil {
		d.logger.WarnContext(ctx, "command rejected", "call_id", callID, "command", command, "error", err)
		return ToolOutcome{
			Content: encodePayload(toolError{Error: err.Error(), PolicyViolation: true}),
			Status:  StatusPolicyViolation,
		}, nil
	}

	var stdout, stderr lockedBuffer
	opts := sandbox.CommandOptions{
		Timeout: d.cfg.CommandTimeout,
		OnStdout: func(chunk string) {
			stdout.append(chunk)
			d.events.Emit(EventToolCallOutputDelta, map[string]any{"call_id": callID, "stream": "stdout", "chunk": chunk})
		},
		OnStderr: func(chunk string) {
			stderr.append(chunk)
			d.events.Emit(EventToolCallOutputDelta, map[string]any{"call_id": callID, "stream": "stderr", "chunk": chunk})
		},
	}

	res, err := d.sandbox.RunCommand(ctx, command, opts)
	if err != nil {
		if ctx.Err() != nil {
			return ToolOutcome{}, ctx.Err()
		}
		return ToolOutcome{
			Content: encodePayload(terminalFailure{
				Error:  err.Error(),
				Stdout: TruncateBytes(stdout.String(), d.cfg.OutputBudget),
				Stderr: TruncateBytes(stderr.String(), d.cfg.OutputBudget),
			}),
			Status: StatusError,
		}, nil
	}

	status := StatusOK
	if res.ExitCode != 0 {
		status = StatusError
	}
	return ToolOutcome{
		Content: encodePayload(terminalResult{
			ExitCode: res.ExitCode,
			Stdout:   TruncateBytes(orFallback(stdout.String(), res.Stdout), d.cfg.OutputBudget),
			Stderr:   TruncateBytes(orFallback(stderr.String(), res.Stderr), d.cfg.OutputBudget),
			TimedOut: res.TimedOut,
		}),
		Status: status,
	}, nil
}

func (d *Dispatcher) createOrUpdateFiles(ctx context.Context, args CreateOrUpdateFilesArgs) ToolOutcome {
	if len(args.Files) == 0 {
		return failed("files is required and must not be empty")
	}

	report := writeReport{Successes: []string{}, Failures: []fileFailure{}}
	written := make(map[string]string)
	for _, f := range args.Files {
		path := strings.TrimSpace(f.Path)
		if path == "" {
			report.Failures = append(report.Failures, fileFailure{Path: f.Path, Error: "path is required"})
			continue
		}
		if err := d.sandbox.WriteFile(ctx, path, f.Content); err != nil {
			report.Failures = append(report.Failures, fileFailure{Path: path, Error: err.Error()})
			continue
		}
		written[path] = f.Content
		report.Successes = append(report.Successes, path)
	}
	report.OK = len(report.Failures) == 0

	status := StatusOK
	if !report.OK {
		status = StatusError
	}
	return ToolOutcome{Content: encodePayload(report), Files: written, Status: status}
}

func (d *Dispatcher) readFiles(ctx context.Context, args ReadFilesArgs) ToolOutcome {
	if len(args.Files) == 0 {
		return failed("files is required and must not be empty")
	}

	results := make([]readResult, len(args.Files))
	var g errgroup.Group
	g.SetLimit(d.cfg.ReadConcurrency)
	for i, path := range args.Files {
		g.Go(func() error {
			content, err := d.sandbox.ReadFile(ctx, path)
			if err != nil {
				results[i] = readResult{Path: path, Error: err.Error()}
				return nil
			}
			content = TruncateBytes(content, d.cfg.OutputBudget)
			results[i] = readResult{Path: path, OK: true, Content: &content}
			return nil
		})
	}
	_ = g.Wait()

	status := StatusOK
	for _, r := range results {
		if !r.OK {
			status = StatusError
			break
		}
	}
	return ToolOutcome{Content: encodePayload(readReport{Results: results}), Status: status}
}
