package tui

import (
	"fmt"
	"io"

	"github.com/muesli/termenv"

	"github.com/aretw0/orchestra/pkg/domain"
)

// PrintBanner writes the ASCII banner to w.
func PrintBanner(w io.Writer) {
	p := termenv.ColorProfile()
	lines := []struct{ text, color string }{
		{"   ___           _               _             ", "#818cf8"},
		{"  / _ \\ _ __ ___| |__   ___  ___| |_ _ __ __ _ ", "#a78bfa"},
		{" | | | | '__/ __| '_ \\ / _ \\/ __| __| '__/ _` |", "#c084fc"},
		{" | |_| | | | (__| | | |  __/\\__ \\ |_| | | (_| |", "#e879f9"},
		{"  \\___/|_|  \\___|_| |_|\\___||___/\\__|_|  \\__,_|", "#f472b6"},
	}

	fmt.Fprintln(w)
	for _, l := range lines {
		fmt.Fprintln(w, termenv.String(l.text).Foreground(p.Color(l.color)))
	}
	fmt.Fprintln(w)
}

var statusColors = map[string]string{
	string(domain.WorkflowCompleted): "#22c55e",
	string(domain.WorkflowFailed):    "#ef4444",
	string(domain.WorkflowCancelled): "#f97316",
	string(domain.WorkflowPaused):    "#eab308",
	string(domain.WorkflowRunning):   "#3b82f6",
	string(domain.NodeSkipped):       "#94a3b8",
}

// Status colours a workflow or node status for terminal output.
func Status(s string) string {
	c, ok := statusColors[s]
	if !ok {
		return s
	}
	return termenv.String(s).Foreground(termenv.ColorProfile().Color(c)).Bold().String()
}
