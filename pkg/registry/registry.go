// Package registry holds the in-process task handlers an engine can dispatch to.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/aretw0/orchestra/pkg/domain"
)

// Task is what a handler receives for one attempt of one node.
type Task struct {
	Workflow domain.WorkflowID
	Node     domain.Node
	Attempt  int
	// Inputs holds the payload delivered to each input port.
	Inputs map[string][]byte
	// InputRefs holds the artifact ID behind each input.
	InputRefs map[string]domain.ArtifactID
	// Resource is the pooled resource checked out for the node, or nil.
	Resource any
}

// Decode copies the node's parameters into out (a pointer to a struct with
// mapstructure tags). Strings such as "30s" are accepted for durations.
func (t Task) Decode(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(t.Node.Params); err != nil {
		return fmt.Errorf("node %s: invalid params: %w", t.Node.ID, err)
	}
	return nil
}

// Output is one payload produced on an output port.
type Output struct {
	Data        []byte
	ContentType string
	// Confidence is the producer's confidence in [0, 1]; it feeds the quality score.
	Confidence       float64
	ValidationPasses int
	Metadata         map[string]string
}

// Bytes wraps raw data as an Output.
func Bytes(b []byte) Output { return Output{Data: b} }

// Text wraps a string as a text/plain Output.
func Text(s string) Output { return Output{Data: []byte(s), ContentType: "text/plain"} }

// Handler executes a node in process.
type Handler interface {
	Execute(ctx context.Context, task Task) (map[string]Output, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task Task) (map[string]Output, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, task Task) (map[string]Output, error) {
	return f(ctx, task)
}

// Registry manages the available handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler to the registry.
// If a handler with the same name exists, it is overwritten.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// RegisterFunc is Register for a plain function.
func (r *Registry) RegisterFunc(name string, fn func(ctx context.Context, task Task) (map[string]Output, error)) {
	r.Register(name, HandlerFunc(fn))
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrHandlerNotFound, name)
	}
	return h, nil
}

// Names lists registered handlers in ascending order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Execute looks up a handler by name and executes it.
func (r *Registry) Execute(ctx context.Context, name string, task Task) (map[string]Output, error) {
	h, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return h.Execute(ctx, task)
}
