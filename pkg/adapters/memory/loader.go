package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aretw0/orchestra/pkg/domain"
)

// Loader implements ports.WorkflowLoader using an in-memory map.
type Loader struct {
	mu        sync.RWMutex
	workflows map[string]*domain.Workflow
}

// NewLoader creates a Loader holding the given workflows, keyed by ID.
func NewLoader(workflows ...*domain.Workflow) (*Loader, error) {
	l := &Loader{workflows: make(map[string]*domain.Workflow, len(workflows))}
	for _, wf := range workflows {
		if err := l.Add(wf); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Add registers a workflow definition. The loader keeps its own copy.
func (l *Loader) Add(wf *domain.Workflow) error {
	if wf == nil || wf.ID == "" {
		return fmt.Errorf("workflow missing ID")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.workflows[string(wf.ID)] = wf.Clone()
	return nil
}

// Load returns a copy of the workflow registered under ref.
func (l *Loader) Load(ctx context.Context, ref string) (*domain.Workflow, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	wf, ok := l.workflows[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, ref)
	}
	return wf.Clone(), nil
}

// List returns all registered refs.
func (l *Loader) List(ctx context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	keys := make([]string, 0, len(l.workflows))
	for k := range l.workflows {
		keys = append(keys, k)
	}
	sort.Strings(keys) // Deterministic order
	return keys, nil
}
