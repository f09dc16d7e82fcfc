package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/aretw0/orchestra/internal/presentation/tui"
	"github.com/aretw0/orchestra/pkg/engine"
)

// terminalWidth reports whether w is an interactive terminal and its width.
func terminalWidth(w io.Writer) (int, bool) {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0, false
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0, true
	}
	return width, true
}

// printReport writes rep as JSON, as rendered Markdown on a terminal, or as
// plain Markdown when piped.
func printReport(w io.Writer, rep *engine.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}

	md := tui.ReportMarkdown(rep)
	width, tty := terminalWidth(w)
	if !tty {
		_, err := io.WriteString(w, md)
		return err
	}
	render, err := tui.NewRenderer(width)
	if err != nil {
		return err
	}
	out, err := render(md)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(w, out)
	return err
}
