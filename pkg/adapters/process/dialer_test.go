package process_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/orchestra/pkg/adapters/process"
	"github.com/aretw0/orchestra/pkg/backbone"
	"github.com/aretw0/orchestra/pkg/domain"
)

const workerEnv = "ORCHESTRA_TEST_WORKER"

// TestMain doubles as the executor: when re-executed with workerEnv set, the
// test binary serves the backbone on its stdio instead of running tests.
func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		auth := backbone.NewAuthenticator(map[string]string{"child": "tok"})
		srv := backbone.NewServer("child", auth, backbone.HandlerFunc(
			func(ctx context.Context, inv backbone.Invocation) backbone.Result {
				return backbone.Result{Outputs: map[string][]byte{
					"out": []byte(strings.ToUpper(string(inv.Payloads["text"]))),
				}}
			}))
		if err := srv.Serve(context.Background(), process.Stdio()); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func TestDialer_InvokesChildProcess(t *testing.T) {
	c := backbone.NewClient(
		backbone.WithAuthenticator(backbone.NewAuthenticator(map[string]string{"child": "tok"})),
		backbone.WithRequestTimeout(10*time.Second),
	)
	process.RegisterAll(c, map[string]process.ExecutorConfig{
		"child": {
			Command:     os.Args[0],
			Environment: map[string]string{workerEnv: "1"},
		},
	}, process.WithGracePeriod(2*time.Second), process.WithStderr(os.Stderr))

	res, err := c.Invoke(context.Background(), "child", backbone.Invocation{
		Workflow: "wf", Node: "n", Payloads: map[string][]byte{"text": []byte("over stdio")},
	})
	require.NoError(t, err)
	assert.Equal(t, "OVER STDIO", string(res.Outputs["out"]))

	require.NoError(t, c.Close())
}

func TestDialer_MissingBinary(t *testing.T) {
	dial := process.Dialer(process.ExecutorConfig{Name: "ghost", Command: filepath.Join(t.TempDir(), "nope")})

	_, err := dial(context.Background())
	require.Error(t, err)
	var te *domain.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.TransportConnectionFailed, te.Kind)
	assert.True(t, domain.IsRetryable(err))
}

func TestLoadExecutors(t *testing.T) {
	t.Setenv("GPU_TOKEN", "s3cret")
	dir := t.TempDir()
	path := filepath.Join(dir, "executors.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
executors:
  - name: gpu-box
    command: ./worker
    args: [--gpu]
    env: {CUDA_VISIBLE_DEVICES: "0", ORCHESTRA_TOKEN: "${GPU_TOKEN}"}
`), 0644))

	execs, err := process.LoadExecutors(path)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, []string{"--gpu"}, execs["gpu-box"].Args)
	assert.Equal(t, "0", execs["gpu-box"].Environment["CUDA_VISIBLE_DEVICES"])
	assert.Equal(t, "s3cret", execs["gpu-box"].Environment["ORCHESTRA_TOKEN"])

	execs, err = process.LoadExecutors(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestLoadExecutors_RejectsBadEntries(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"unnamed.yaml": "executors:\n  - command: ./worker\n",
		"dup.yaml":     "executors:\n  - {name: a, command: x}\n  - {name: a, command: y}\n",
		"broken.json":  `{"executors": [`,
	} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0644))
		_, err := process.LoadExecutors(path)
		assert.Error(t, err, name)
	}
}
