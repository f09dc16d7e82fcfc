// Package testutils holds fixtures shared by tests that need workflow
// definitions on disk.
package testutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aretw0/loam"
	"github.com/aretw0/loam/pkg/core"
	"github.com/stretchr/testify/require"
)

// WriteFile writes body to dir/name and returns the full path.
func WriteFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// SetupWorkflowRepo initializes a Loam repository in a temp dir and seeds it
// with docs (file name to content). It returns the absolute path and the repo.
func SetupWorkflowRepo(t *testing.T, docs map[string]string, opts ...loam.Option) (string, core.Repository) {
	t.Helper()

	absPath, err := filepath.Abs(t.TempDir())
	require.NoError(t, err, "Failed to get absolute path for temp dir")

	repo, err := loam.Init(absPath, opts...)
	require.NoError(t, err, "Failed to init loam repo")

	for name, body := range docs {
		WriteFile(t, absPath, name, body)
	}
	return absPath, repo
}
