package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aretw0/orchestra/pkg/domain"
)

// Overlay carries run state to paint onto the graph.
type Overlay struct {
	Status map[domain.NodeID]domain.NodeStatus
}

// statusStyles maps each painted status to its Mermaid class definition.
// Black text keeps labels readable on both light and dark themes.
var statusStyles = []struct {
	status domain.NodeStatus
	def    string
}{
	{domain.NodeCompleted, "fill:#e8f5e9,stroke:#2e7d32,stroke-width:2px,color:#000"},
	{domain.NodeRunning, "fill:#ffeb3b,stroke:#fbc02d,stroke-width:4px,color:#000"},
	{domain.NodeFailed, "fill:#ffebee,stroke:#c62828,stroke-width:2px,color:#000"},
	{domain.NodeSkipped, "fill:#eceff1,stroke:#78909c,stroke-dasharray:4,color:#000"},
	{domain.NodeCancelled, "fill:#fff3e0,stroke:#ef6c00,stroke-dasharray:4,color:#000"},
}

// GenerateMermaid produces a Mermaid flowchart of wf.
// Node shapes:
//   - Source (no incoming edge): ((Circle))
//   - Remote: [[Subroutine]]
//   - Pooled resource: {{Hexagon}}
//   - Default: [Rectangle]
//
// Data edges are labelled with their ports; ordering edges are dotted.
func GenerateMermaid(wf *domain.Workflow, overlay *Overlay) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")

	incoming := make(map[domain.NodeID]bool)
	for _, e := range wf.Edges {
		incoming[e.To] = true
	}

	for _, node := range wf.Nodes {
		safeID := sanitizeMermaidID(string(node.ID))

		opener, closer := "[", "]"
		switch {
		case !incoming[node.ID]:
			opener, closer = "((", "))"
		case node.ExecKind() == domain.KindRemote:
			opener, closer = "[[", "]]"
		case node.Resource != nil:
			opener, closer = "{{", "}}"
		}

		lines := []string{string(node.ID)}
		switch {
		case node.ExecKind() == domain.KindRemote:
			lines = append(lines, node.Handler+" @ "+node.Endpoint)
		case node.Handler != "":
			lines = append(lines, node.Handler)
		}
		if node.Resource != nil {
			lines = append(lines, "🔒 "+node.Resource.ClassName())
		}
		if node.Timeout != "" {
			lines = append(lines, "⏱️ "+node.Timeout)
		}
		label := strings.ReplaceAll(strings.Join(lines, " <br/> "), "\"", "'")
		fmt.Fprintf(&sb, "    %s%s\"%s\"%s\n", safeID, opener, label, closer)
	}

	for _, e := range wf.Edges {
		from, to := sanitizeMermaidID(string(e.From)), sanitizeMermaidID(string(e.To))
		if e.FromPort == "" && e.ToPort == "" {
			fmt.Fprintf(&sb, "    %s -.-> %s\n", from, to)
			continue
		}
		label := e.FromPort
		if e.ToPort != e.FromPort {
			label = e.FromPort + " → " + e.ToPort
		}
		fmt.Fprintf(&sb, "    %s -- \"%s\" --> %s\n", from, strings.ReplaceAll(label, "\"", "'"), to)
	}

	if overlay != nil && len(overlay.Status) > 0 {
		sb.WriteString("\n    %% Overlay Styles\n")
		for _, s := range statusStyles {
			fmt.Fprintf(&sb, "    classDef %s %s;\n", s.status, s.def)
		}

		ids := make([]string, 0, len(overlay.Status))
		for id := range overlay.Status {
			ids = append(ids, string(id))
		}
		sort.Strings(ids)
		for _, id := range ids {
			status := overlay.Status[domain.NodeID(id)]
			if !painted(status) {
				continue
			}
			fmt.Fprintf(&sb, "    class %s %s;\n", sanitizeMermaidID(id), status)
		}
	}

	return sb.String()
}

func painted(s domain.NodeStatus) bool {
	for _, st := range statusStyles {
		if st.status == s {
			return true
		}
	}
	return false
}

func sanitizeMermaidID(id string) string {
	return strings.NewReplacer(".", "_", "-", "_", "/", "_", "\\", "_", " ", "_").Replace(id)
}
