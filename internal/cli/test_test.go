package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const echoScenario = `
name: echo
description: a chat written by one client reaches the other
clients: [a, b]
steps:
  - client: b
    subscribe:
      name: chats
      query: {collection: chats}
  - client: a
    insert: {collection: chats, id: c1, attrs: {name: general}}
assertions:
  - type: converged
    collection: chats
  - type: delivery_count
    client: b
    subscription: chats
    count: 2
`

func writeScenario(t *testing.T, dir, name, src string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644))
}

func TestTestCommand_UpdateThenCompare(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "echo.yaml", echoScenario)

	out, err := execute(t, "test", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ echo (golden updated)")

	golden, err := os.ReadFile(filepath.Join(dir, "golden", "echo.golden"))
	require.NoError(t, err)
	want := `# echo
step 1: b subscribe chats
  b/chats: []
step 2: a insert chats/c1
  b/chats: [c1 {"id":"c1","name":"general"}]
`
	assert.Equal(t, want, string(golden))

	out, err = execute(t, "test", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Test Summary: 1 passed, 0 failed, 1 total")
	assert.Contains(t, out, "✓ All scenarios passed")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", "echo.golden"), []byte("# echo\n"), 0o644))
	out, err = execute(t, "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "do not match golden file")
}

func TestTestCommand_FailingAssertion(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "wrong.yaml", strings.Replace(strings.Replace(echoScenario, "name: echo", "name: wrong", 1), "count: 2", "count: 5", 1))

	out, err := execute(t, "test", dir, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, CodeTestFailed)
	assert.Contains(t, out, "2 deliveries, want 5")
}

func TestTestCommand_LoadError(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "broken.yaml", "name: broken\nclients: [a]\n")

	out, err := execute(t, "test", dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "failed to load scenario")
}

func TestTestCommand_Filter(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "echo.yaml", echoScenario)

	out, err := execute(t, "test", dir, "--filter", "offline_*")
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")

	_, err = execute(t, "test", dir, "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommand_MissingDir(t *testing.T) {
	_, err := execute(t, "test", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}
