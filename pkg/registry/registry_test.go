package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/aretw0/orchestra/pkg/registry"
)

func TestRegistry_LookupMissing(t *testing.T) {
	r := registry.NewRegistry()
	_, err := r.Lookup("nope")
	assert.ErrorIs(t, err, domain.ErrHandlerNotFound)
}

func TestRegistry_Builtins(t *testing.T) {
	r := registry.NewRegistry()
	registry.RegisterBuiltins(r)
	ctx := context.Background()

	assert.Equal(t, []string{"concat", "echo", "fail", "sleep", "upper"}, r.Names())

	out, err := r.Execute(ctx, "echo", registry.Task{Node: domain.Node{Params: map[string]any{"text": "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), out["out"].Data)

	out, err = r.Execute(ctx, "concat", registry.Task{
		Node:   domain.Node{Params: map[string]any{"separator": "+"}},
		Inputs: map[string][]byte{"b": []byte("2"), "a": []byte("1")},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("1+2"), out["out"].Data, "inputs are joined in port order")

	out, err = r.Execute(ctx, "upper", registry.Task{Inputs: map[string][]byte{"in": []byte("abc")}})
	require.NoError(t, err)
	assert.Equal(t, "ABC", string(out["out"].Data))

	_, err = r.Execute(ctx, "fail", registry.Task{Node: domain.Node{Params: map[string]any{"message": "boom"}}})
	assert.EqualError(t, err, "boom")
}

func TestTask_DecodeWeaklyTyped(t *testing.T) {
	var p struct {
		Duration time.Duration `mapstructure:"duration"`
		Count    int           `mapstructure:"count"`
	}
	task := registry.Task{Node: domain.Node{ID: "n", Params: map[string]any{"duration": "15ms", "count": "3"}}}
	require.NoError(t, task.Decode(&p))
	assert.Equal(t, 15*time.Millisecond, p.Duration)
	assert.Equal(t, 3, p.Count)

	bad := registry.Task{Node: domain.Node{ID: "n", Params: map[string]any{"count": "many"}}}
	assert.ErrorContains(t, bad.Decode(&p), "node n: invalid params")
}

func TestSleep_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := registry.Sleep(ctx, registry.Task{Node: domain.Node{Params: map[string]any{"duration": "1h"}}})
	assert.ErrorIs(t, err, context.Canceled)
}
