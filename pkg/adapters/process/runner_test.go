package process

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/orchestra/pkg/backbone"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
}

func TestRunner_Invoke(t *testing.T) {
	skipOnWindows(t)

	runner := NewRunner()
	runner.Register("greet", "sh", "-c", "echo hello from $ORCHESTRA_NODE")
	runner.Register("echo_param", "sh", "-c", "echo $ORCHESTRA_PARAM_MSG")
	runner.Register("cat", "cat")
	runner.Register("explode", "sh", "-c", "echo boom >&2; exit 3")

	t.Run("Executes Registered Command", func(t *testing.T) {
		res := runner.Invoke(context.Background(), backbone.Invocation{Node: "n1", Handler: "greet"})
		require.Empty(t, res.Error)
		assert.Equal(t, "hello from n1", string(res.Outputs[OutputPort]))
	})

	t.Run("Fails For Unregistered Command", func(t *testing.T) {
		res := runner.Invoke(context.Background(), backbone.Invocation{Handler: "hacker_script"})
		assert.Contains(t, res.Error, "not registered")
	})

	t.Run("Passes Params via Env Vars", func(t *testing.T) {
		res := runner.Invoke(context.Background(), backbone.Invocation{
			Handler: "echo_param",
			Params:  map[string]any{"msg": "SecretMessage"},
		})
		require.Empty(t, res.Error)
		assert.Equal(t, "SecretMessage", string(res.Outputs[OutputPort]))
	})

	t.Run("Writes Payloads to Stdin", func(t *testing.T) {
		res := runner.Invoke(context.Background(), backbone.Invocation{
			Handler:  "cat",
			Payloads: map[string][]byte{"text": []byte("hi")},
		})
		require.Empty(t, res.Error)
		assert.JSONEq(t, `{"text":"hi"}`, string(res.Outputs[OutputPort]))
	})

	t.Run("Reports Stderr On Failure", func(t *testing.T) {
		res := runner.Invoke(context.Background(), backbone.Invocation{Handler: "explode"})
		assert.Contains(t, res.Error, "execution failed")
		assert.Contains(t, res.Error, "boom")
	})
}

func TestRunner_InlineExecution(t *testing.T) {
	skipOnWindows(t)

	inv := backbone.Invocation{
		Handler: "adhoc",
		Params: map[string]any{
			"exec": map[string]any{"command": "sh", "args": []any{"-c", "echo inline"}},
		},
	}

	res := NewRunner().Invoke(context.Background(), inv)
	assert.Contains(t, res.Error, "not registered")

	res = NewRunner(WithInlineExecution(true)).Invoke(context.Background(), inv)
	require.Empty(t, res.Error)
	assert.Equal(t, "inline", string(res.Outputs[OutputPort]))
}

func TestParamString(t *testing.T) {
	assert.Equal(t, "3", paramString(3))
	assert.Equal(t, "", paramString(nil))
	assert.Equal(t, `{"a":1}`, paramString(map[string]int{"a": 1}))
}
