package loam

// WorkflowMetadata is the frontmatter of a workflow document.
// Nodes and Edges stay loosely typed so a node entry may be either an inline
// definition or the ref of another document whose nodes are imported.
type WorkflowMetadata struct {
	ID       string         `json:"id" mapstructure:"id"`
	Name     string         `json:"name" mapstructure:"name"`
	Nodes    []any          `json:"nodes" mapstructure:"nodes"`
	Edges    []any          `json:"edges" mapstructure:"edges"`
	Metadata map[string]any `json:"metadata" mapstructure:"metadata"`
}
