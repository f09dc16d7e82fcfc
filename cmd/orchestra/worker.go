package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aretw0/orchestra/pkg/adapters/process"
	"github.com/aretw0/orchestra/pkg/backbone"
	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/aretw0/orchestra/pkg/registry"
)

// TokenEnv supplies the worker token when the config has none for its name.
const TokenEnv = "ORCHESTRA_TOKEN"

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Serve remote invocations over stdin/stdout or a Unix socket",
	Long: `Runs a remote executor speaking the framed backbone protocol on stdin and
stdout. The engine starts it as a child process (see backbone.executors).

With --listen unix:///path/to.sock the worker runs on its own and accepts
engine connections on that socket; point an executor's "address" at it.

Builtin handlers run in-process; any other handler name must match a command
in the --registry file, or an inline "exec" param when --allow-inline is set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		registryPath, _ := cmd.Flags().GetString("registry")
		inline, _ := cmd.Flags().GetBool("allow-inline")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		listen, _ := cmd.Flags().GetString("listen")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}

		token := cfg.Backbone.Tokens[name]
		if token == "" {
			token = os.Getenv(TokenEnv)
		}
		if token == "" {
			return fmt.Errorf("no token for worker %q: set backbone.tokens.%s or %s", name, name, TokenEnv)
		}

		runnerOpts := []process.RunnerOption{process.WithInlineExecution(inline)}
		if registryPath != "" {
			execs, err := process.LoadExecutors(registryPath)
			if err != nil {
				return err
			}
			runnerOpts = append(runnerOpts, process.WithRegistry(execs))
		}
		if wd, err := os.Getwd(); err == nil {
			runnerOpts = append(runnerOpts, process.WithBaseDir(wd))
		}

		reg := registry.NewRegistry()
		registry.RegisterBuiltins(reg)
		handler := &localFirst{registry: reg, fallback: process.NewRunner(runnerOpts...)}

		srv := backbone.NewServer(name, backbone.NewAuthenticator(map[string]string{name: token}), handler,
			backbone.WithServerLimiter(backbone.NewLimiter(cfg.Backbone.DefaultLimit, cfg.Backbone.Limits)),
			backbone.WithConcurrency(concurrency),
			backbone.WithServerLogger(logger),
		)
		logger.Info("Worker ready", "name", name, "builtins", reg.Names())
		if listen != "" {
			return process.Listen(ctx, listen, srv, process.WithLogger(logger))
		}
		return srv.Serve(ctx, process.Stdio())
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().String("name", "worker", "Endpoint name the worker answers as")
	workerCmd.Flags().String("registry", "", "YAML file of allowed commands (same format as backbone.executors)")
	workerCmd.Flags().Bool("allow-inline", false, "Allow invocations to carry their own command in the 'exec' param")
	workerCmd.Flags().Int("concurrency", 4, "Invocations handled at once")
	workerCmd.Flags().String("listen", "", "Accept engine connections on this address (unix:///path) instead of stdio")
}

// localFirst runs registered in-process handlers and hands every other
// invocation to fallback.
type localFirst struct {
	registry *registry.Registry
	fallback backbone.Handler
}

func (h *localFirst) Invoke(ctx context.Context, inv backbone.Invocation) backbone.Result {
	fn, err := h.registry.Lookup(inv.Handler)
	if errors.Is(err, domain.ErrHandlerNotFound) {
		return h.fallback.Invoke(ctx, inv)
	}
	if err != nil {
		return backbone.Result{Error: err.Error()}
	}

	outputs, err := fn.Execute(ctx, registry.Task{
		Workflow:  inv.Workflow,
		Node:      domain.Node{ID: inv.Node, Handler: inv.Handler, Params: inv.Params},
		Inputs:    inv.Payloads,
		InputRefs: inv.Inputs,
	})
	if err != nil {
		return backbone.Result{Error: err.Error()}
	}
	res := backbone.Result{Outputs: make(map[string][]byte, len(outputs))}
	for port, out := range outputs {
		res.Outputs[port] = out.Data
	}
	return res
}
