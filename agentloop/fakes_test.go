package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sravan-iaisolution/codebox/durable"
	"github.com/sravan-iaisolution/codebox/fragment"
	"github.com/sravan-iaisolution/codebox/sandbox"
	"github.com/sravan-iaisolution/codebox/unifiedllm"
)

// scriptedModel replays a fixed list of assistant messages. Once the script
// runs out it keeps returning the last entry.
type scriptedModel struct {
	mu       sync.Mutex
	script   []unifiedllm.Message
	err      error
	requests []unifiedllm.Request
}

func (m *scriptedModel) Name() string { return "scripted" }

func (m *scriptedModel) Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.script) == 0 {
		return nil, errors.New("script exhausted")
	}
	idx := len(m.requests) - 1
	if idx >= len(m.script) {
		idx = len(m.script) - 1
	}
	return &unifiedllm.Response{
		ID:       fmt.Sprintf("resp-%d", len(m.requests)),
		Provider: "scripted",
		Message:  m.script[idx],
	}, nil
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func call(id, name string, args any) unifiedllm.ToolCall {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	return unifiedllm.ToolCall{ID: id, Name: name, Arguments: raw}
}

// recordingSandbox keeps files in memory and records every command.
type recordingSandbox struct {
	id string

	mu       sync.Mutex
	files    map[string]string
	commands []string
	run      func(command string, opts sandbox.CommandOptions) (*sandbox.CommandResult, error)
	read     func(path string) (string, error)
	writeErr map[string]error
}

func newRecordingSandbox(id string) *recordingSandbox {
	return &recordingSandbox{id: id, files: make(map[string]string), writeErr: make(map[string]error)}
}

func (s *recordingSandbox) ID() string { return s.id }

func (s *recordingSandbox) Host(port int) string { return fmt.Sprintf("%d-%s.sandbox.test", port, s.id) }

func (s *recordingSandbox) RunCommand(ctx context.Context, command string, opts sandbox.CommandOptions) (*sandbox.CommandResult, error) {
	s.mu.Lock()
	s.commands = append(s.commands, command)
	run := s.run
	s.mu.Unlock()
	if run != nil {
		return run(command, opts)
	}
	if opts.OnStdout != nil {
		opts.OnStdout("ran: " + command + "\n")
	}
	return &sandbox.CommandResult{ExitCode: 0, Stdout: "ran: " + command + "\n"}, nil
}

func (s *recordingSandbox) ReadFile(ctx context.Context, path string) (string, error) {
	if s.read != nil {
		return s.read(path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.files[path]
	if !ok {
		return "", fmt.Errorf("read %s: no such file", path)
	}
	return content, nil
}

func (s *recordingSandbox) WriteFile(ctx context.Context, path, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr[path]; err != nil {
		return err
	}
	s.files[path] = content
	return nil
}

func (s *recordingSandbox) commandCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commands)
}

// fakeProvider hands out one recordingSandbox.
type fakeProvider struct {
	sb      *recordingSandbox
	mu      sync.Mutex
	created int
}

func (p *fakeProvider) Create(ctx context.Context, template string) (sandbox.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created++
	return p.sb, nil
}

func (p *fakeProvider) Connect(ctx context.Context, id string) (sandbox.Sandbox, error) {
	if id != p.sb.id {
		return nil, sandbox.ErrNotFound
	}
	return p.sb, nil
}

type harness struct {
	model    *scriptedModel
	sandbox  *recordingSandbox
	provider *fakeProvider
	steps    *durable.MemoryStore
	store    *fragment.SQLiteStore
	agent    *Agent
}

func newHarness(t *testing.T, script ...unifiedllm.Message) *harness {
	t.Helper()
	store, err := fragment.NewSQLite(filepath.Join(t.TempDir(), "codebox.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}

	h := &harness{
		model:   &scriptedModel{script: script},
		sandbox: newRecordingSandbox("sbx-1"),
		steps:   durable.NewMemoryStore(),
		store:   store,
	}
	h.provider = &fakeProvider{sb: h.sandbox}
	h.agent = h.newAgent(t, DefaultConfig())
	return h
}

func (h *harness) newAgent(t *testing.T, cfg Config) *Agent {
	t.Helper()
	return h.newAgentWith(t, h.model, cfg)
}

// newAgentWith builds an agent sharing the harness stores but talking to
// model.
func (h *harness) newAgentWith(t *testing.T, model unifiedllm.ProviderAdapter, cfg Config) *Agent {
	t.Helper()
	client := unifiedllm.NewClient(unifiedllm.WithProvider("scripted", model))
	agent, err := NewAgent(Deps{
		Client:    client,
		Sandboxes: h.provider,
		Steps:     h.steps,
		Persister: fragment.NewPersister(h.store),
	}, cfg)
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	return agent
}
