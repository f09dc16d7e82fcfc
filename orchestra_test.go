package orchestra_test

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/orchestra"
	"github.com/aretw0/orchestra/internal/config"
	"github.com/aretw0/orchestra/internal/testutils"
	"github.com/aretw0/orchestra/pkg/backbone"
	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/aretw0/orchestra/pkg/registry"
)

const shoutYAML = `
id: shout
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

func writeWorkflow(t *testing.T, dir string) string {
	t.Helper()
	return testutils.WriteFile(t, dir, "shout.yaml", shoutYAML)
}

func newOrchestra(t *testing.T, cfg config.Config, opts ...orchestra.Option) *orchestra.Orchestra {
	t.Helper()
	o, err := orchestra.New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close(context.Background()) })
	return o
}

// runShout runs the sample workflow and returns the payload of its last node.
func runShout(t *testing.T, o *orchestra.Orchestra, ref string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wf, err := o.Load(ctx, ref)
	require.NoError(t, err)
	rep, err := o.Engine.Run(ctx, wf)
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowCompleted, rep.Status)

	loud, ok := rep.Node("loud")
	require.True(t, ok)
	data, err := o.Engine.Artifacts().Retrieve(ctx, loud.Outputs["out"])
	require.NoError(t, err)
	return string(data)
}

func TestNew_Defaults(t *testing.T) {
	o := newOrchestra(t, config.Default())
	assert.Equal(t, "HELLO", runShout(t, o, writeWorkflow(t, t.TempDir())))
	assert.Nil(t, o.Loader)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = "etcd"
	_, err := orchestra.New(cfg)
	assert.Error(t, err)
}

func TestNew_CustomHandler(t *testing.T) {
	o := newOrchestra(t, config.Default(), orchestra.WithHandler("echo", registry.HandlerFunc(
		func(ctx context.Context, task registry.Task) (map[string]registry.Output, error) {
			return map[string]registry.Output{"out": registry.Text("custom")}, nil
		})))
	assert.Equal(t, "CUSTOM", runShout(t, o, writeWorkflow(t, t.TempDir())), "user handlers override builtins")
}

func TestNew_BadgerBackendWithEncryption(t *testing.T) {
	key := make([]byte, 32)
	_, err := io.ReadFull(rand.Reader, key)
	require.NoError(t, err)

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Store = config.StoreConfig{Backend: config.BackendBadger, Path: filepath.Join(dir, "db"), LeaseTTL: time.Second}
	cfg.Artifacts.ColdPath = filepath.Join(dir, "cold")
	cfg.Engine.CheckpointEveryNode = true
	cfg.Encryption.Key = base64.StdEncoding.EncodeToString(key)

	o, err := orchestra.New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", runShout(t, o, writeWorkflow(t, dir)))
	assert.NoError(t, o.Close(context.Background()))
}

func TestNew_RedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Store = config.StoreConfig{Backend: config.BackendRedis, RedisAddr: mr.Addr(), LeaseTTL: time.Second}

	o := newOrchestra(t, cfg)
	assert.Equal(t, "HELLO", runShout(t, o, writeWorkflow(t, t.TempDir())))
}

func TestLoad_FromWorkflowDirectory(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir)
	cfg := config.Default()
	cfg.Engine.Workflows = dir

	o := newOrchestra(t, cfg)
	refs, err := o.Loader.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"shout"}, refs)
	assert.Equal(t, "HELLO", runShout(t, o, "shout"))

	_, err = o.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrWorkflowNotFound)

	bare := newOrchestra(t, config.Default())
	_, err = bare.Load(context.Background(), "shout")
	assert.ErrorIs(t, err, domain.ErrWorkflowNotFound)
}

func TestApply_RotatesBackboneTokens(t *testing.T) {
	cfg := config.Default()
	cfg.Backbone.Tokens = map[string]string{"worker": "old"}
	o := newOrchestra(t, cfg)

	srv := backbone.NewServer("worker", backbone.NewAuthenticator(map[string]string{"worker": "new"}),
		backbone.HandlerFunc(func(ctx context.Context, inv backbone.Invocation) backbone.Result {
			return backbone.Result{Outputs: map[string][]byte{"out": []byte("ok")}}
		}))
	o.Backbone.Register("worker", func(ctx context.Context) (io.ReadWriteCloser, error) {
		client, server := net.Pipe()
		go func() { _ = srv.Serve(context.Background(), server) }()
		return client, nil
	})

	ctx := context.Background()
	_, err := o.Backbone.Invoke(ctx, "worker", backbone.Invocation{})
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)

	cfg.Backbone.Tokens = map[string]string{"worker": "new"}
	o.Apply(cfg)
	res, err := o.Backbone.Invoke(ctx, "worker", backbone.Invocation{})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), res.Outputs["out"])
}
