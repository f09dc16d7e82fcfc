package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/orchestra/internal/testutils"
	"github.com/aretw0/orchestra/pkg/backbone"
	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/aretw0/orchestra/pkg/engine"
	"github.com/aretw0/orchestra/pkg/registry"
)

const pipeline = `
id: pipeline
nodes:
  - id: hello
    handler: echo
    params: {text: hello}
    outputs: [{name: out}]
  - id: loud
    handler: upper
    inputs: [{name: in}]
    outputs: [{name: out}]
edges:
  - {from: hello, from_port: out, to: loud, to_port: in}
`

const cyclic = `
id: loop
nodes:
  - {id: a, handler: echo, inputs: [{name: in}], outputs: [{name: out}]}
  - {id: b, handler: echo, inputs: [{name: in}], outputs: [{name: out}]}
edges:
  - {from: a, from_port: out, to: b, to_port: in}
  - {from: b, from_port: out, to: a, to_port: in}
`

const failing = `
id: broken
nodes:
  - {id: boom, handler: fail, params: {message: kaboom}}
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRunCommand_PrintsJSONReport(t *testing.T) {
	path := testutils.WriteFile(t, t.TempDir(), "pipeline.yaml", pipeline)

	out, err := execute(t, "run", path, "--json", "--log-level", "error")
	require.NoError(t, err)

	var rep engine.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, domain.WorkflowCompleted, rep.Status)
	assert.Equal(t, 2, rep.Count(domain.NodeCompleted))
}

func TestRunCommand_FailedWorkflowIsAnError(t *testing.T) {
	path := testutils.WriteFile(t, t.TempDir(), "broken.yaml", failing)

	out, err := execute(t, "run", path, "--json=false", "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Contains(t, out, "boom", "the report is printed before the error")
}

func TestRunCommand_ResolvesRefsInWorkflowDirectory(t *testing.T) {
	dir := t.TempDir()
	testutils.WriteFile(t, dir, "pipeline.yaml", pipeline)

	_, err := execute(t, "run", "pipeline", "--workflows", dir, "--json", "--log-level", "error")
	assert.NoError(t, err)

	_, err = execute(t, "run", "nope", "--workflows", dir, "--log-level", "error")
	assert.ErrorIs(t, err, domain.ErrWorkflowNotFound)
}

func TestValidate_Directory(t *testing.T) {
	dir := t.TempDir()
	testutils.WriteFile(t, dir, "pipeline.yaml", pipeline)
	testutils.WriteFile(t, dir, "loop.yaml", cyclic)
	testutils.WriteFile(t, dir, "README.md", "not a workflow")

	var out bytes.Buffer
	failed, err := runValidate(context.Background(), &out, dir, "file")
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
	assert.Contains(t, out.String(), "✅ pipeline (2 nodes, 1 edges)")
	assert.Contains(t, out.String(), "❌ loop")
	assert.Contains(t, out.String(), "cycle")

	_, err = runValidate(context.Background(), &out, t.TempDir(), "file")
	assert.Error(t, err, "an empty directory is reported")
}

func TestValidateCommand_SingleFile(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "validate", testutils.WriteFile(t, dir, "pipeline.yaml", pipeline))
	require.NoError(t, err)
	assert.Contains(t, out, "✅")

	_, err = execute(t, "validate", testutils.WriteFile(t, dir, "loop.yaml", cyclic))
	assert.Error(t, err)
}

func TestGraphCommand(t *testing.T) {
	path := testutils.WriteFile(t, t.TempDir(), "pipeline.yaml", pipeline)

	out, err := execute(t, "graph", path)
	require.NoError(t, err)
	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "-->")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "orchestra version dev\n", out)
}

func TestLocalFirst(t *testing.T) {
	reg := registry.NewRegistry()
	registry.RegisterBuiltins(reg)
	var fellBack string
	h := &localFirst{registry: reg, fallback: backbone.HandlerFunc(func(ctx context.Context, inv backbone.Invocation) backbone.Result {
		fellBack = inv.Handler
		return backbone.Result{Outputs: map[string][]byte{"out": []byte("external")}}
	})}
	ctx := context.Background()

	res := h.Invoke(ctx, backbone.Invocation{Handler: registry.HandlerUpper, Payloads: map[string][]byte{"in": []byte("abc")}})
	assert.Empty(t, res.Error)
	assert.Equal(t, []byte("ABC"), res.Outputs["out"])
	assert.Empty(t, fellBack)

	res = h.Invoke(ctx, backbone.Invocation{Handler: registry.HandlerFail, Params: map[string]any{"message": "nope"}})
	assert.Equal(t, "nope", res.Error)

	res = h.Invoke(ctx, backbone.Invocation{Handler: "convert"})
	assert.Equal(t, "convert", fellBack)
	assert.Equal(t, []byte("external"), res.Outputs["out"])
}
