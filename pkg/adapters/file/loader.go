package file

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aretw0/orchestra/pkg/domain"
)

// ReadWorkflow parses a workflow definition. JSON is chosen by a ".json"
// extension; everything else is read as YAML. Unknown fields are rejected.
// A definition without an ID takes the file name.
func ReadWorkflow(path string) (*domain.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	wf, err := ParseWorkflow(data, filepath.Ext(path) == ".json")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if wf.ID == "" {
		base := filepath.Base(path)
		wf.ID = domain.WorkflowID(strings.TrimSuffix(base, filepath.Ext(base)))
	}
	return wf, nil
}

// ParseWorkflow decodes a YAML or JSON workflow definition.
func ParseWorkflow(data []byte, isJSON bool) (*domain.Workflow, error) {
	var wf domain.Workflow
	if isJSON {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&wf); err != nil {
			return nil, fmt.Errorf("failed to parse json: %w", err)
		}
		return &wf, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&wf); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}
	return &wf, nil
}

// Loader implements ports.WorkflowLoader over a directory of definition files.
// The ref of a workflow is its file name without extension.
type Loader struct {
	Dir string
}

// NewLoader creates a loader for dir.
func NewLoader(dir string) *Loader {
	return &Loader{Dir: dir}
}

func isDefinition(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// Load reads the definition named ref.
func (l *Loader) Load(ctx context.Context, ref string) (*domain.Workflow, error) {
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		p := filepath.Join(l.Dir, ref+ext)
		if _, err := os.Stat(p); err == nil {
			return ReadWorkflow(p)
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, ref)
}

// List returns the refs of every definition in the directory.
func (l *Loader) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	var refs []string
	for _, e := range entries {
		if e.IsDir() || !isDefinition(e.Name()) {
			continue
		}
		refs = append(refs, strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
	}
	sort.Strings(refs)
	return refs, nil
}
