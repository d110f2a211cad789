package unifiedllm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/teilomillet/gollm"
	"github.com/teilomillet/gollm/llm"
)

// DefaultModel is used when neither the adapter nor the request names a model.
const DefaultModel = "gpt-4o-mini"

// GollmAdapter implements ProviderAdapter on top of gollm. gollm options
// are instance-wide, so the adapter keeps one gollm.LLM per distinct
// combination of model, sampling options and system prompt and never mutates
// an instance after creation. Concurrent requests sharing a combination share
// an instance and generate in parallel.
type GollmAdapter struct {
	provider    string
	model       string
	temperature float64
	maxTokens   int

	build    func(llmVariant) (generator, error)
	variants *lru.Cache[llmVariant, generator]
	mu       sync.Mutex // serializes variant construction
}

// generator is the part of gollm.LLM the adapter calls.
type generator interface {
	Generate(ctx context.Context, prompt *gollm.Prompt, opts ...llm.GenerateOption) (string, error)
}

// llmVariant identifies one fixed gollm configuration.
type llmVariant struct {
	model       string
	temperature float64
	maxTokens   int
	system      string
}

const maxVariants = 16

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithModel sets the default model for the adapter.
func WithModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.model = model
	}
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.maxTokens = n
	}
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.temperature = t
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// NewGollmAdapter creates an adapter for provider. An empty apiKey lets gollm
// read the key from the provider's environment variable.
func NewGollmAdapter(provider, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{
		model:       DefaultModel,
		maxTokens:   4096,
		temperature: 0.2,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	base := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetMaxRetries(0), // retries belong to RetryMiddleware
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		base = append(base, gollm.SetAPIKey(apiKey))
	}
	base = append(base, cfg.extraOpts...)

	build := func(v llmVariant) (generator, error) {
		opts := append(slices.Clone(base),
			gollm.SetModel(v.model),
			gollm.SetMaxTokens(v.maxTokens),
			gollm.SetTemperature(v.temperature),
		)
		l, err := gollm.NewLLM(opts...)
		if err != nil {
			return nil, fmt.Errorf("create gollm LLM for provider %s: %w", provider, err)
		}
		return l, nil
	}

	a, err := newGollmAdapter(provider, cfg, build)
	if err != nil {
		return nil, err
	}
	// Build the default variant now so configuration errors surface here.
	if _, err := a.generatorFor(a.defaultVariant()); err != nil {
		return nil, err
	}
	return a, nil
}

func newGollmAdapter(provider string, cfg *gollmAdapterConfig, build func(llmVariant) (generator, error)) (*GollmAdapter, error) {
	variants, err := lru.New[llmVariant, generator](maxVariants)
	if err != nil {
		return nil, fmt.Errorf("create gollm variant cache: %w", err)
	}
	return &GollmAdapter{
		provider:    provider,
		model:       cfg.model,
		temperature: cfg.temperature,
		maxTokens:   cfg.maxTokens,
		build:       build,
		variants:    variants,
	}, nil
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Complete renders the transcript into a gollm prompt, generates, and parses
// any tool calls out of the reply.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.translateRequest(req)

	gen, err := a.generatorFor(a.variantFor(req, prompt))
	if err != nil {
		return nil, err
	}
	text, err := gen.Generate(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}

	return a.buildResponse(req, text), nil
}

// translateRequest flattens the transcript into a single gollm prompt. System
// messages become the system prompt; everything else is rendered in order
// with role prefixes so the model can follow tool call and result pairing.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	var systemParts, parts []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.Content)
		case RoleUser:
			parts = append(parts, msg.Content)
		case RoleAssistant:
			if msg.Content != "" {
				parts = append(parts, "[Assistant]: "+msg.Content)
			}
			if len(msg.ToolCalls) > 0 {
				encoded, _ := json.Marshal(msg.ToolCalls)
				parts = append(parts, "[Assistant tool calls]: "+string(encoded))
			}
		case RoleTool:
			parts = append(parts, fmt.Sprintf("[Tool Result %s]: %s", msg.ToolCallID, msg.Content))
		}
	}

	promptText := strings.Join(parts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	var opts []gollm.PromptOption
	if len(systemParts) > 0 {
		opts = append(opts, gollm.WithSystemPrompt(strings.Join(systemParts, "\n"), gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		opts = append(opts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		opts = append(opts, gollm.WithTools(tools))
	}
	if req.ToolChoice != "" {
		opts = append(opts, gollm.WithToolChoice(req.ToolChoice))
	}

	return gollm.NewPrompt(promptText, opts...)
}

func (a *GollmAdapter) defaultVariant() llmVariant {
	return llmVariant{model: a.model, temperature: a.temperature, maxTokens: a.maxTokens}
}

// variantFor applies the request's overrides to the adapter defaults.
func (a *GollmAdapter) variantFor(req Request, prompt *gollm.Prompt) llmVariant {
	v := a.defaultVariant()
	if req.Model != "" {
		v.model = req.Model
	}
	if req.Temperature != nil {
		v.temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		v.maxTokens = *req.MaxTokens
	}
	v.system = prompt.SystemPrompt
	return v
}

func (a *GollmAdapter) generatorFor(v llmVariant) (generator, error) {
	if gen, ok := a.variants.Get(v); ok {
		return gen, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen, ok := a.variants.Get(v); ok {
		return gen, nil
	}
	gen, err := a.build(v)
	if err != nil {
		return nil, err
	}
	a.variants.Add(v, gen)
	return gen, nil
}

func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	content, calls := parseToolCalls(text)
	finish := FinishReason{Reason: "stop", Raw: "stop"}
	if len(calls) > 0 {
		finish = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}

	// gollm does not surface provider usage, so both sides are counted locally.
	input := CountMessageTokens(req.Messages)
	output := CountTokens(text)

	return &Response{
		ID:           "resp_" + uuid.NewString()[:8],
		Model:        model,
		Provider:     a.provider,
		Message:      AssistantMessage(content, calls...),
		FinishReason: finish,
		Usage: Usage{
			InputTokens:  input,
			OutputTokens: output,
			TotalTokens:  input + output,
		},
	}
}

// rawToolCall accepts both the flat {"name","arguments"} shape and the
// OpenAI {"id","function":{"name","arguments"}} shape, where arguments may
// be an object or a JSON-encoded string.
type rawToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Function  *struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

var toolCallMarkers = []string{`{"tool_calls"`, `[{"name"`, `[{"id"`}

// parseToolCalls extracts tool calls embedded as JSON in generated text and
// returns the remaining prose.
func parseToolCalls(text string) (string, []ToolCall) {
	start := -1
	for _, marker := range toolCallMarkers {
		if idx := strings.Index(text, marker); idx != -1 && (start == -1 || idx < start) {
			start = idx
		}
	}
	if start == -1 {
		return strings.TrimSpace(text), nil
	}

	dec := json.NewDecoder(strings.NewReader(text[start:]))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return strings.TrimSpace(text), nil
	}

	var rawCalls []rawToolCall
	if bytes.HasPrefix(raw, []byte("{")) {
		var wrapped struct {
			ToolCalls []rawToolCall `json:"tool_calls"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return strings.TrimSpace(text), nil
		}
		rawCalls = wrapped.ToolCalls
	} else if err := json.Unmarshal(raw, &rawCalls); err != nil {
		return strings.TrimSpace(text), nil
	}

	calls := make([]ToolCall, 0, len(rawCalls))
	for _, rc := range rawCalls {
		name, args := rc.Name, rc.Arguments
		if rc.Function != nil {
			name, args = rc.Function.Name, rc.Function.Arguments
		}
		if name == "" {
			continue
		}
		id := rc.ID
		if id == "" {
			id = "call_" + uuid.NewString()[:8]
		}
		calls = append(calls, ToolCall{ID: id, Name: name, Arguments: unquoteArguments(args)})
	}
	if len(calls) == 0 {
		return strings.TrimSpace(text), nil
	}

	rest := text[:start] + text[start+int(dec.InputOffset()):]
	return strings.TrimSpace(rest), calls
}

func unquoteArguments(args json.RawMessage) json.RawMessage {
	if len(args) == 0 || args[0] != '"' {
		return args
	}
	var s string
	if err := json.Unmarshal(args, &s); err != nil {
		return args
	}
	return json.RawMessage(s)
}

// translateError maps a gollm error onto the error hierarchy by message.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	pe := func(status int, retryable bool) ProviderError {
		return ProviderError{
			SDKError:   SDKError{Message: msg, Cause: err},
			Provider:   a.provider,
			StatusCode: status,
			Retryable:  retryable,
		}
	}

	switch {
	case containsAny(lower, "401", "unauthorized", "invalid key", "invalid api key"):
		return &AuthenticationError{pe(401, false)}
	case containsAny(lower, "403", "forbidden"):
		return &AccessDeniedError{pe(403, false)}
	case containsAny(lower, "404", "not found"):
		return &NotFoundError{pe(404, false)}
	case containsAny(lower, "429", "rate limit"):
		return &RateLimitError{pe(429, true)}
	case containsAny(lower, "context length", "too many tokens"):
		return &ContextLengthError{pe(413, false)}
	case containsAny(lower, "500", "502", "503", "internal server"):
		return &ServerError{pe(500, true)}
	case strings.Contains(lower, "timeout"):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	case containsAny(lower, "content filter", "safety"):
		return &ContentFilterError{pe(0, false)}
	default:
		p := pe(0, true)
		return &p
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
