package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/aretw0/orchestra/internal/logging"
	"github.com/aretw0/orchestra/pkg/backbone"
	"github.com/aretw0/orchestra/pkg/domain"
)

// DialOption configures a process dialer.
type DialOption func(*dialer)

type dialer struct {
	grace  time.Duration
	stderr io.Writer
	logger *slog.Logger
}

// WithGracePeriod bounds how long Close waits for the child to exit after
// its stdin is closed before killing it.
func WithGracePeriod(grace time.Duration) DialOption {
	return func(d *dialer) { d.grace = grace }
}

// WithStderr forwards the child's stderr. It is discarded by default.
func WithStderr(w io.Writer) DialOption {
	return func(d *dialer) { d.stderr = w }
}

// WithLogger configures a logger for process lifecycle events.
func WithLogger(logger *slog.Logger) DialOption {
	return func(d *dialer) { d.logger = logger }
}

// Dialer returns a backbone.Dialer that starts cfg as a child process on every
// dial. The connection lives as long as the process; closing it ends the child.
func Dialer(cfg ExecutorConfig, opts ...DialOption) backbone.Dialer {
	d := &dialer{grace: 5 * time.Second, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(d)
	}

	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// The child must outlive the dial context, so it is not bound to ctx.
		cmd := exec.Command(cfg.Command, cfg.Args...)
		cmd.Dir = cfg.Dir
		cmd.Env = cmd.Environ()
		for k, v := range cfg.Environment {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		cmd.Stderr = d.stderr

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, dialErr(cfg.Name, err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, dialErr(cfg.Name, err)
		}
		if err := cmd.Start(); err != nil {
			return nil, dialErr(cfg.Name, err)
		}
		d.logger.Debug("Started executor process", "endpoint", cfg.Name, "pid", cmd.Process.Pid)

		return &procConn{
			cmd:    cmd,
			stdin:  stdin,
			stdout: stdout,
			grace:  d.grace,
			logger: d.logger.With("endpoint", cfg.Name),
		}, nil
	}
}

func dialErr(endpoint string, err error) error {
	return &domain.TransportError{
		Kind:     domain.TransportConnectionFailed,
		Endpoint: endpoint,
		Err:      fmt.Errorf("failed to start executor: %w", err),
	}
}

// procConn is the parent's end of a child process's stdio.
type procConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	grace  time.Duration
	logger *slog.Logger

	once sync.Once
	err  error
}

func (p *procConn) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *procConn) Write(b []byte) (int, error) { return p.stdin.Write(b) }

// Close closes the child's stdin, waits up to the grace period and then kills it.
func (p *procConn) Close() error {
	p.once.Do(func() {
		_ = p.stdin.Close()

		exited := make(chan error, 1)
		go func() { exited <- p.cmd.Wait() }()

		select {
		case err := <-exited:
			p.err = exitErr(err)
		case <-time.After(p.grace):
			p.logger.Warn("Executor ignored close, killing", "pid", p.cmd.Process.Pid)
			_ = p.cmd.Process.Kill()
			<-exited
		}
	})
	return p.err
}

// exitErr ignores the exit status a child reports after its stdin closes.
func exitErr(err error) error {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return nil
	}
	return err
}

// RegisterAll makes every configured executor reachable on c under its name.
func RegisterAll(c *backbone.Client, executors map[string]ExecutorConfig, opts ...DialOption) {
	for name, cfg := range executors {
		if cfg.Name == "" {
			cfg.Name = name
		}
		if cfg.Address != "" {
			c.Register(name, SocketDialer(name, cfg.Address, opts...))
			continue
		}
		c.Register(name, Dialer(cfg, opts...))
	}
}

// Stdio is the child's end of the pipe: it reads os.Stdin and writes os.Stdout.
func Stdio() io.ReadWriteCloser {
	return stdio{}
}

type stdio struct{}

func (stdio) Read(b []byte) (int, error)  { return os.Stdin.Read(b) }
func (stdio) Write(b []byte) (int, error) { return os.Stdout.Write(b) }
func (stdio) Close() error {
	return errors.Join(os.Stdin.Close(), os.Stdout.Close())
}
