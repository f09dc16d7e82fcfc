package process

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/aretw0/orchestra/pkg/backbone"
)

// OutputPort is the port a command's stdout is published on.
const OutputPort = "out"

// Runner is a backbone.Handler that runs each invocation as a local command.
// Only allow-listed commands run unless inline execution is enabled.
type Runner struct {
	registry    map[string]RegisteredProcess
	allowInline bool
	baseDir     string
}

// RegisteredProcess defines an allowed command execution.
type RegisteredProcess struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// RunnerOption configures the runner.
type RunnerOption func(*Runner)

// WithRegistry populates the allow-list from loaded executor configs.
func WithRegistry(commands map[string]ExecutorConfig) RunnerOption {
	return func(r *Runner) {
		for name, c := range commands {
			r.Register(name, c.Command, c.Args...)
		}
	}
}

// WithInlineExecution lets an invocation name its own command through the
// "exec" param. Anything the engine is asked to run will run.
func WithInlineExecution(allow bool) RunnerOption {
	return func(r *Runner) {
		r.allowInline = allow
	}
}

// WithBaseDir sets the working directory for executed processes.
func WithBaseDir(dir string) RunnerOption {
	return func(r *Runner) {
		r.baseDir = dir
	}
}

// NewRunner creates a new process runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		registry: make(map[string]RegisteredProcess),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a trusted command to the allow-list under handler name.
func (r *Runner) Register(name string, command string, args ...string) {
	r.registry[name] = RegisteredProcess{
		Command: command,
		Args:    args,
	}
}

func (r *Runner) resolve(inv backbone.Invocation) (RegisteredProcess, error) {
	if proc, ok := r.registry[inv.Handler]; ok {
		return proc, nil
	}
	if raw, ok := inv.Params["exec"]; ok && r.allowInline {
		var proc RegisteredProcess
		if err := mapstructure.Decode(raw, &proc); err != nil {
			return proc, fmt.Errorf("invalid exec param: %w", err)
		}
		if proc.Command == "" {
			return proc, fmt.Errorf("exec param without command")
		}
		return proc, nil
	}
	return RegisteredProcess{}, fmt.Errorf("process handler not registered: %s (and inline execution not enabled/found)", inv.Handler)
}

// Invoke implements backbone.Handler.
//
// Params reach the command as ORCHESTRA_PARAM_<NAME> environment variables
// rather than flags, so values cannot inject arguments. Input payloads are
// written to stdin as a JSON object keyed by port; stdout becomes OutputPort.
func (r *Runner) Invoke(ctx context.Context, inv backbone.Invocation) backbone.Result {
	proc, err := r.resolve(inv)
	if err != nil {
		return backbone.Result{Error: err.Error()}
	}

	cmd := exec.CommandContext(ctx, proc.Command, proc.Args...)
	cmd.Dir = r.baseDir

	env := []string{
		"ORCHESTRA_WORKFLOW=" + string(inv.Workflow),
		"ORCHESTRA_NODE=" + string(inv.Node),
	}
	for k, v := range inv.Params {
		if k == "exec" {
			continue
		}
		env = append(env, fmt.Sprintf("ORCHESTRA_PARAM_%s=%s", strings.ToUpper(k), paramString(v)))
	}
	cmd.Env = append(cmd.Environ(), env...)

	if len(inv.Payloads) > 0 {
		in := make(map[string]string, len(inv.Payloads))
		for port, b := range inv.Payloads {
			in[port] = string(b)
		}
		stdin, err := json.Marshal(in)
		if err != nil {
			return backbone.Result{Error: fmt.Sprintf("failed to encode payloads: %v", err)}
		}
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return backbone.Result{Error: fmt.Sprintf("execution failed: %v. Stderr: %s", err, strings.TrimSpace(stderr.String()))}
	}

	return backbone.Result{Outputs: map[string][]byte{
		OutputPort: bytes.TrimSpace(stdout.Bytes()),
	}}
}

// paramString renders primitives with %v and everything else as JSON.
func paramString(v any) string {
	switch v.(type) {
	case string, int, int64, float64, bool:
		return fmt.Sprintf("%v", v)
	case nil:
		return ""
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", v)
	}
}
