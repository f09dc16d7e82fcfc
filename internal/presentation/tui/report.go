package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/aretw0/orchestra/pkg/engine"
)

var statusIcons = map[domain.NodeStatus]string{
	domain.NodeCompleted: "✅",
	domain.NodeFailed:    "❌",
	domain.NodeSkipped:   "⏭️",
	domain.NodeCancelled: "🛑",
	domain.NodeRunning:   "⏳",
}

// ReportMarkdown renders a run report as Markdown.
func ReportMarkdown(rep *engine.Report) string {
	var sb strings.Builder

	title := string(rep.WorkflowID)
	if rep.Name != "" {
		title = rep.Name + " (" + title + ")"
	}
	fmt.Fprintf(&sb, "# %s\n\n", title)
	fmt.Fprintf(&sb, "**Status:** %s", rep.Status)
	if d := rep.Duration(); d > 0 {
		fmt.Fprintf(&sb, " in %s", d.Round(time.Millisecond))
	}
	sb.WriteString("\n\n")

	sb.WriteString("| Node | Status | Attempts | Duration | Error |\n")
	sb.WriteString("|---|---|---|---|---|\n")
	for _, n := range rep.Nodes {
		icon := statusIcons[n.Status]
		dur := "-"
		if n.Duration > 0 {
			dur = n.Duration.Round(time.Millisecond).String()
		}
		fmt.Fprintf(&sb, "| `%s` | %s %s | %d | %s | %s |\n",
			n.ID, icon, n.Status, n.Attempts, dur, cell(n.Error))
	}

	if f := rep.Failure; f != nil {
		sb.WriteString("\n## Failure\n\n")
		fmt.Fprintf(&sb, "Node `%s` failed (%s): %s\n", f.Node, f.Kind, f.Error)
	}

	if len(rep.Artifacts) > 0 {
		sb.WriteString("\n## Artifacts\n\n")
		for _, id := range rep.Artifacts {
			fmt.Fprintf(&sb, "- `%s`\n", id)
		}
	}
	return sb.String()
}

// cell makes s safe inside a Markdown table cell.
func cell(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}
