package tui_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/orchestra/internal/presentation/tui"
	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/aretw0/orchestra/pkg/engine"
)

func failedReport() *engine.Report {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &engine.Report{
		WorkflowID: "etl-1",
		Name:       "Nightly ETL",
		Status:     domain.WorkflowFailed,
		Nodes: []engine.NodeReport{
			{ID: "extract", Status: domain.NodeCompleted, Attempts: 1, Duration: 1500 * time.Millisecond},
			{ID: "load", Status: domain.NodeFailed, Attempts: 3, Kind: domain.KindPool, Error: "pool exhausted | retry\nlater"},
			{ID: "report", Status: domain.NodeCancelled},
		},
		Failure:    &domain.Failure{Node: "load", Kind: domain.KindPool, Error: "pool exhausted"},
		Artifacts:  []domain.ArtifactID{"art-1"},
		StartedAt:  start,
		FinishedAt: start.Add(2 * time.Second),
	}
}

func TestReportMarkdown(t *testing.T) {
	md := tui.ReportMarkdown(failedReport())

	assert.Contains(t, md, "# Nightly ETL (etl-1)")
	assert.Contains(t, md, "**Status:** failed in 2s")
	assert.Contains(t, md, "| `extract` | ✅ completed | 1 | 1.5s |  |")
	assert.Contains(t, md, `pool exhausted \| retry later`, "cells are escaped and single-line")
	assert.Contains(t, md, "Node `load` failed (pool): pool exhausted")
	assert.Contains(t, md, "- `art-1`")
}

func TestReportMarkdown_RendersWithGlamour(t *testing.T) {
	render, err := tui.NewRenderer(100)
	require.NoError(t, err)

	out, err := render(tui.ReportMarkdown(failedReport()))
	require.NoError(t, err)
	assert.Contains(t, out, "extract")
	assert.Contains(t, out, "load")
}

func TestPrintBanner(t *testing.T) {
	var buf bytes.Buffer
	tui.PrintBanner(&buf)
	assert.GreaterOrEqual(t, strings.Count(buf.String(), "\n"), 6)
	assert.Equal(t, "unknown", tui.Status("unknown"))
}
