package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaCheck_BuiltIn(t *testing.T) {
	out, err := execute(t, "schema", "check")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ built-in chat schema: 2 collections")
	assert.Contains(t, out, "  messages\n")
	assert.Regexp(t, `chatId\s+string indexed`, out)
	assert.Regexp(t, `createdAt\s+date default=now`, out)
}

func TestSchemaCheck_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "todos.cue")
	src := `
collections: todos: fields: {
	id:    {type: "id"}
	title: {type: "string"}
	done:  {type: "bool", default: false}
	note:  {type: "string", optional: true}
}
`
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	out, err := execute(t, "schema", "check", path, "--format", "json")
	require.NoError(t, err)
	data := decodeData(t, out)
	assert.Equal(t, path, data["source"])
	collections := data["collections"].([]any)
	require.Len(t, collections, 1)
	todos := collections[0].(map[string]any)
	assert.Equal(t, "todos", todos["name"])

	fields := map[string]map[string]any{}
	for _, f := range todos["fields"].([]any) {
		field := f.(map[string]any)
		fields[field["name"].(string)] = field
	}
	assert.Equal(t, "false", fields["done"]["default"])
	assert.Equal(t, true, fields["note"]["optional"])
	assert.Equal(t, "id", fields["id"]["type"])
}

func TestSchemaCheck_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.cue")
	require.NoError(t, os.WriteFile(path, []byte(`collections: todos: fields: title: {type: "uuid"}`), 0o644))

	out, err := execute(t, "schema", "check", path, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, CodeSchema)

	_, err = execute(t, "schema", "check", filepath.Join(t.TempDir(), "missing.cue"))
	require.Error(t, err)
}
