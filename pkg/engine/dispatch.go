package engine

import (
	"context"

	"github.com/aretw0/orchestra/pkg/backbone"
	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/aretw0/orchestra/pkg/registry"
)

// dispatcher is the resolved execution target of one node.
type dispatcher interface {
	dispatch(ctx context.Context, task registry.Task) (map[string]registry.Output, error)
}

type inProcess struct {
	handler registry.Handler
}

func (d inProcess) dispatch(ctx context.Context, task registry.Task) (map[string]registry.Output, error) {
	return d.handler.Execute(ctx, task)
}

type remote struct {
	endpoint string
	client   Invoker
}

func (d remote) dispatch(ctx context.Context, task registry.Task) (map[string]registry.Output, error) {
	res, err := d.client.Invoke(ctx, d.endpoint, backbone.Invocation{
		Workflow: task.Workflow,
		Node:     task.Node.ID,
		Handler:  task.Node.Handler,
		Params:   task.Node.Params,
		Inputs:   task.InputRefs,
		Payloads: task.Inputs,
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]registry.Output, len(res.Outputs))
	for port, data := range res.Outputs {
		out[port] = registry.Output{Data: data, Metadata: map[string]string{"endpoint": d.endpoint}}
	}
	return out, nil
}

// resolve picks the dispatch target for n once, before its first attempt.
func (e *Engine) resolve(n domain.Node) (dispatcher, error) {
	if n.ExecKind() == domain.KindRemote {
		if e.remote == nil {
			return nil, &domain.TransportError{Kind: domain.TransportRemote, Endpoint: n.Endpoint, Err: domain.ErrEndpointNotFound}
		}
		return remote{endpoint: n.Endpoint, client: e.remote}, nil
	}
	h, err := e.registry.Lookup(n.Handler)
	if err != nil {
		return nil, err
	}
	return inProcess{handler: h}, nil
}
