package dsl_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/aretw0/orchestra/pkg/dsl"
)

func TestBuilder_Pipeline(t *testing.T) {
	b := dsl.New("summarize").Name("Summarize a page").Meta("owner", "search")

	b.Add("fetch").
		Handler("http_get").
		Param("url", "https://example.com").
		Output("body", "text").
		Add("summary").
		Remote("gpu-box", "llm").
		Params(map[string]any{"max_tokens": 256}).
		Resource("gpu", domain.ResourceSpec{Name: "llama", Version: "3"}).
		Input("doc", "text").
		From("fetch", "body", "doc").
		Output("out", "text").
		Timeout(30 * time.Second).
		Retries(2).
		SkipOnFailure()

	wf, err := b.Build()
	require.NoError(t, err)

	assert.Equal(t, domain.WorkflowID("summarize"), wf.ID)
	assert.Equal(t, "Summarize a page", wf.Name)
	assert.Equal(t, "search", wf.Metadata["owner"])
	require.Len(t, wf.Nodes, 2)
	assert.Equal(t, domain.NodeID("fetch"), wf.Nodes[0].ID, "nodes keep insertion order")

	sum, ok := wf.Node("summary")
	require.True(t, ok)
	assert.Equal(t, domain.KindRemote, sum.Kind)
	assert.Equal(t, "gpu-box", sum.Endpoint)
	assert.Equal(t, "llm", sum.Handler)
	assert.Equal(t, 256, sum.Params["max_tokens"])
	assert.Equal(t, "gpu", sum.Resource.ClassName())
	assert.Equal(t, "30s", sum.Timeout)
	assert.Equal(t, 2, sum.Retries)
	assert.Equal(t, domain.FailurePolicySkip, sum.Policy())

	assert.Equal(t, []domain.Edge{{From: "fetch", FromPort: "body", To: "summary", ToPort: "doc"}}, wf.Edges)
}

func TestBuilder_AddReturnsExistingNode(t *testing.T) {
	b := dsl.New("wf")
	b.Add("a").Handler("echo")
	b.Add("a").Param("text", "hi")

	wf := b.Workflow()
	require.Len(t, wf.Nodes, 1)
	assert.Equal(t, "echo", wf.Nodes[0].Handler)
	assert.Equal(t, "hi", wf.Nodes[0].Params["text"])
}

func TestBuilder_RejectsInvalidGraphs(t *testing.T) {
	t.Run("cycle", func(t *testing.T) {
		b := dsl.New("loop")
		b.Add("a").Handler("echo").After("b")
		b.Add("b").Handler("echo").After("a")

		_, err := b.Build()
		assert.ErrorIs(t, err, domain.ErrCycle)
	})

	t.Run("unknown port", func(t *testing.T) {
		b := dsl.New("dangling")
		b.Add("a").Handler("echo").Output("out", "")
		b.Add("b").Handler("echo").From("a", "missing", "in").Input("in", "")

		_, err := b.Build()
		assert.ErrorIs(t, err, domain.ErrDanglingEdge)
	})

	t.Run("type mismatch", func(t *testing.T) {
		b := dsl.New("types")
		b.Add("a").Handler("echo").Output("out", "image")
		b.Add("b").Handler("echo").Input("in", "text").From("a", "out", "in")

		_, err := b.Build()
		var ge *domain.GraphError
		assert.ErrorAs(t, err, &ge)
	})
}

func TestBuilder_Loader(t *testing.T) {
	b := dsl.New("hello")
	b.Add("greet").Handler("echo").Param("text", "hello").Output("out", "")

	loader, err := b.Loader()
	require.NoError(t, err)

	refs, err := loader.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, refs)

	wf, err := loader.Load(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, wf.Nodes, 1)
}

func TestBuilder_WorkflowIsDetached(t *testing.T) {
	b := dsl.New("wf")
	b.Add("a").Handler("echo").Param("text", "one")

	wf := b.Workflow()
	b.Add("a").Param("text", "two")

	assert.Equal(t, "one", wf.Nodes[0].Params["text"])
}
