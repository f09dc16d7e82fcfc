// Package loam loads workflow definitions from a Loam vault: a directory of
// Markdown documents whose frontmatter carries the graph. The document body,
// when present, becomes the workflow description.
package loam

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aretw0/loam"
	"github.com/mitchellh/mapstructure"

	"github.com/aretw0/orchestra/pkg/domain"
)

// DescriptionKey is the metadata key the document body is stored under.
const DescriptionKey = "description"

// Loader implements ports.WorkflowLoader over a typed Loam repository.
type Loader struct {
	Repo *loam.TypedRepository[WorkflowMetadata]
}

// New creates a new Loam adapter.
func New(repo *loam.TypedRepository[WorkflowMetadata]) *Loader {
	return &Loader{
		Repo: repo,
	}
}

// Load reads the workflow document named ref ("etl" resolves etl.md).
func (l *Loader) Load(ctx context.Context, ref string) (*domain.Workflow, error) {
	doc, err := l.Repo.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrWorkflowNotFound, ref, err)
	}

	rawID := doc.Data.ID
	if rawID == "" {
		rawID = doc.ID
	}
	wf := &domain.Workflow{
		ID:   domain.WorkflowID(trimExtension(rawID)),
		Name: doc.Data.Name,
	}

	visited := map[string]bool{trimExtension(doc.ID): true}
	if wf.Nodes, err = l.resolveNodes(ctx, doc.Data.Nodes, visited); err != nil {
		return nil, fmt.Errorf("workflow %s: %w", wf.ID, err)
	}
	for i, raw := range doc.Data.Edges {
		var e domain.Edge
		if err := decode(raw, &e); err != nil {
			return nil, fmt.Errorf("workflow %s: edge %d: %w", wf.ID, i, err)
		}
		wf.Edges = append(wf.Edges, e)
	}

	if len(doc.Data.Metadata) > 0 {
		wf.Metadata = flattenMetadata(doc.Data.Metadata)
	}
	if body := strings.TrimSpace(doc.Content); body != "" {
		if wf.Metadata == nil {
			wf.Metadata = make(map[string]string)
		}
		wf.Metadata[DescriptionKey] = body
	}
	return wf, nil
}

// resolveNodes decodes inline node definitions and splices in the nodes of
// imported documents. A later definition with the same ID shadows an earlier one.
func (l *Loader) resolveNodes(ctx context.Context, raw []any, visited map[string]bool) ([]domain.Node, error) {
	byID := make(map[domain.NodeID]domain.Node)
	var order []domain.NodeID
	put := func(n domain.Node) {
		if _, ok := byID[n.ID]; !ok {
			order = append(order, n.ID)
		}
		byID[n.ID] = n
	}

	for _, item := range raw {
		switch v := item.(type) {
		case string:
			ref := trimExtension(v)
			if visited[ref] {
				return nil, fmt.Errorf("cycle detected in node imports: %s", ref)
			}
			visited[ref] = true

			doc, err := l.Repo.Get(ctx, ref)
			if err != nil {
				return nil, fmt.Errorf("failed to load imported nodes '%s': %w", ref, err)
			}
			imported, err := l.resolveNodes(ctx, doc.Data.Nodes, visited)
			delete(visited, ref)
			if err != nil {
				return nil, err
			}
			for _, n := range imported {
				put(n)
			}

		case map[string]any, map[any]any:
			var n domain.Node
			if err := decode(v, &n); err != nil {
				return nil, fmt.Errorf("failed to decode node: %w", err)
			}
			if n.ID == "" {
				return nil, fmt.Errorf("inline node missing id")
			}
			put(n)

		default:
			return nil, fmt.Errorf("invalid node definition type: %T", v)
		}
	}

	nodes := make([]domain.Node, 0, len(order))
	for _, id := range order {
		nodes = append(nodes, byID[id])
	}
	return nodes, nil
}

// decode maps a frontmatter value onto a domain type using its json tags.
func decode(src, dst any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           dst,
	})
	if err != nil {
		return err
	}
	return dec.Decode(src)
}

// List returns the ref of every document that defines nodes.
func (l *Loader) List(ctx context.Context) ([]string, error) {
	docs, err := l.Repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("loam list failed: %w", err)
	}

	seen := make(map[string]string)
	ids := make([]string, 0, len(docs))

	for _, doc := range docs {
		if len(doc.Data.Nodes) == 0 {
			continue
		}
		rawID := doc.Data.ID
		if rawID == "" {
			rawID = doc.ID
		}
		id := trimExtension(rawID)

		if existingPath, ok := seen[id]; ok {
			return nil, fmt.Errorf("collision detected: ID '%s' is defined in both '%s' and '%s'", id, existingPath, doc.ID)
		}
		seen[id] = doc.ID
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func trimExtension(id string) string {
	ext := filepath.Ext(id)
	if ext != "" {
		return filepath.ToSlash(strings.TrimSuffix(id, ext))
	}
	return filepath.ToSlash(id)
}

// Watch emits the ref of every changed document until ctx ends.
func (l *Loader) Watch(ctx context.Context) (<-chan string, error) {
	events, err := l.Repo.Watch(ctx, "**/*.{md,json,yaml,yml}")
	if err != nil {
		return nil, fmt.Errorf("failed to start loam watcher: %w", err)
	}

	ch := make(chan string, 1)

	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				select {
				case ch <- trimExtension(evt.ID):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}

// flattenMetadata converts nested frontmatter into dotted string keys.
func flattenMetadata(src map[string]any) map[string]string {
	res := make(map[string]string)
	var visit func(prefix string, v any)

	visit = func(prefix string, v any) {
		join := func(k string) string {
			if prefix == "" {
				return k
			}
			return prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			for k, sub := range val {
				visit(join(k), sub)
			}
		case map[any]any:
			for k, sub := range val {
				visit(join(fmt.Sprintf("%v", k)), sub)
			}
		case []any:
			parts := make([]string, 0, len(val))
			for _, item := range val {
				parts = append(parts, fmt.Sprintf("%v", item))
			}
			res[prefix] = strings.Join(parts, " ")
		default:
			if prefix != "" {
				res[prefix] = fmt.Sprintf("%v", val)
			}
		}
	}

	for k, v := range src {
		visit(k, v)
	}
	return res
}
