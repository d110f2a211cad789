package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const templateMarker = ".codebox-template"

// sensitiveEnvSuffixes are stripped from the environment handed to commands.
var sensitiveEnvSuffixes = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
	"_DSN",
}

func commandEnvironment() []string {
	var env []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		upper := strings.ToUpper(name)
		sensitive := false
		for _, suffix := range sensitiveEnvSuffixes {
			if strings.HasSuffix(upper, suffix) {
				sensitive = true
				break
			}
		}
		if !sensitive {
			env = append(env, kv)
		}
	}
	return env
}

// LocalProvider hosts each sandbox as a workspace directory under Root and
// runs commands with /bin/bash in that directory.
type LocalProvider struct {
	Root       string
	HostSuffix string
	Shell      string
	Logger     *slog.Logger
}

// NewLocalProvider creates a provider rooted at root.
func NewLocalProvider(root, hostSuffix string, logger *slog.Logger) *LocalProvider {
	if hostSuffix == "" {
		hostSuffix = "localhost"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalProvider{Root: root, HostSuffix: hostSuffix, Shell: "/bin/bash", Logger: logger}
}

// Create allocates a fresh workspace and records the template it was made from.
func (p *LocalProvider) Create(ctx context.Context, template string) (Sandbox, error) {
	id := uuid.NewString()
	dir := filepath.Join(p.Root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox workspace: %w", err)
	}
	if template != "" {
		if err := os.WriteFile(filepath.Join(dir, templateMarker), []byte(template+"\n"), 0o644); err != nil {
			return nil, fmt.Errorf("record sandbox template: %w", err)
		}
	}
	p.Logger.InfoContext(ctx, "sandbox created", "sandbox_id", id, "template", template, "dir", dir)
	return p.sandbox(id, dir), nil
}

// Connect returns the sandbox with the given ID if its workspace exists.
func (p *LocalProvider) Connect(ctx context.Context, id string) (Sandbox, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	dir := filepath.Join(p.Root, id)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p.sandbox(id, dir), nil
}

func (p *LocalProvider) sandbox(id, dir string) *LocalSandbox {
	shell := p.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	return &LocalSandbox{id: id, dir: dir, hostSuffix: p.HostSuffix, shell: shell}
}

// LocalSandbox is a workspace directory on the local machine.
type LocalSandbox struct {
	id         string
	dir        string
	hostSuffix string
	shell      string
}

func (s *LocalSandbox) ID() string { return s.id }

// Dir returns the workspace directory.
func (s *LocalSandbox) Dir() string { return s.dir }

// Host follows the "<port>-<id>.<suffix>" convention of hosted sandboxes.
func (s *LocalSandbox) Host(port int) string {
	return fmt.Sprintf("%d-%s.%s", port, s.id, s.hostSuffix)
}

func (s *LocalSandbox) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	cleaned := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(cleaned) {
		rel, err := filepath.Rel(s.dir, cleaned)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: %s", ErrPathEscape, path)
		}
		return cleaned, nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, path)
	}
	return filepath.Join(s.dir, cleaned), nil
}

func (s *LocalSandbox) ReadFile(ctx context.Context, path string) (string, error) {
	resolved, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func (s *LocalSandbox) WriteFile(ctx context.Context, path, content string) error {
	resolved, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// streamWriter accumulates output and forwards each chunk to a callback.
type streamWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
	fn  func(string)
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buf.Write(p)
	w.mu.Unlock()
	if w.fn != nil && len(p) > 0 {
		w.fn(string(p))
	}
	return len(p), nil
}

func (w *streamWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// RunCommand runs command with the workspace as working directory. Output is
// streamed through opts callbacks as it arrives.
func (s *LocalSandbox) RunCommand(ctx context.Context, command string, opts CommandOptions) (*CommandResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, s.shell, "-c", command)
	cmd.Dir = s.dir
	cmd.Env = commandEnvironment()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Kill the whole process group so background children die too.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdout := &streamWriter{fn: opts.OnStdout}
	stderr := &streamWriter{fn: opts.OnStderr}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	result := &CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			result.TimedOut = true
			result.ExitCode = -1
		case ctx.Err() != nil:
			return result, fmt.Errorf("run command: %w", ctx.Err())
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		default:
			return result, fmt.Errorf("run command: %w", err)
		}
	}
	return result, nil
}
