package harness

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lofi/internal/ir"
)

func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			sc, err := LoadScenario(path)
			require.NoError(t, err)
			require.Equal(t, name, sc.Name, "file name and scenario name must match")

			result, err := RunWithGolden(t, sc)
			require.NoError(t, err)
			assert.True(t, result.Pass, "scenario failed: %v", result.Errors)
		})
	}
}

func TestRun_FailedAssertionIsReported(t *testing.T) {
	sc := &Scenario{
		Name:        "wrong_expectation",
		Description: "expects a name the client never wrote",
		Clients:     []string{"a"},
		Steps: []Step{
			{Client: "a", Insert: &WriteStep{Collection: "chats", ID: "c1", Attrs: map[string]any{"name": "general"}}},
		},
		Assertions: []Assertion{
			{Type: AssertEntity, Client: "a", Collection: "chats", ID: "c1", Attrs: map[string]any{"name": "random"}},
			{Type: AssertServerEntity, Collection: "chats", ID: "c2"},
		},
	}
	require.NoError(t, sc.Validate())

	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "attrs.name")
	assert.Contains(t, result.Errors[1], "server has no live chats/c2")
}

func TestRun_ExpectedErrorThatNeverHappens(t *testing.T) {
	sc := &Scenario{
		Name:        "no_error",
		Description: "a valid insert cannot satisfy expect_error",
		Clients:     []string{"a"},
		Steps: []Step{
			{
				Client:      "a",
				Insert:      &WriteStep{Collection: "chats", ID: "c1", Attrs: map[string]any{"name": "general"}},
				ExpectError: "unknown field",
			},
		},
	}

	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "got none")
}

func TestRun_CustomSchema(t *testing.T) {
	dir := t.TempDir()
	schemaSrc := `
collections: todos: fields: {
	id:    {type: "id"}
	title: {type: "string"}
	done:  {type: "bool", default: false}
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "todos.cue"), []byte(schemaSrc), 0o644))
	scenarioSrc := `
name: custom_schema
description: defaults from a scenario-local schema reach every cache
schema: todos.cue
clients: [a, b]
steps:
  - client: a
    insert: {collection: todos, id: t1, attrs: {title: write tests}}
  - client: b
    update: {collection: todos, id: t1, attrs: {done: true}}
assertions:
  - type: entity
    client: a
    collection: todos
    id: t1
    status: synced
    attrs: {title: write tests, done: true}
  - type: converged
    collection: todos
`
	path := filepath.Join(dir, "custom_schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(scenarioSrc), 0o644))

	sc, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "todos.cue"), sc.Schema)

	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	assert.True(t, result.Pass, "scenario failed: %v", result.Errors)
}

func TestRun_MissingSchemaFile(t *testing.T) {
	sc := &Scenario{
		Name:        "missing_schema",
		Description: "schema path does not exist",
		Schema:      filepath.Join(t.TempDir(), "nope.cue"),
		Clients:     []string{"a"},
		Steps:       []Step{{Client: "a", Network: "offline"}},
	}
	_, err := Run(context.Background(), sc)
	require.Error(t, err)
}

func TestParseScenario_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: "description: d\nclients: [a]\nsteps: [{client: a, network: offline}]\n",
			want: "name is required",
		},
		{
			name: "no clients",
			yaml: "name: n\ndescription: d\nsteps: [{client: a, network: offline}]\n",
			want: "clients list is required",
		},
		{
			name: "duplicate client",
			yaml: "name: n\ndescription: d\nclients: [a, a]\nsteps: [{client: a, network: offline}]\n",
			want: "must be unique",
		},
		{
			name: "unknown field",
			yaml: "name: n\ndescription: d\nclients: [a]\nsteps: [{client: a, network: offline}]\nflow: []\n",
			want: "failed to parse YAML",
		},
		{
			name: "two actions",
			yaml: "name: n\ndescription: d\nclients: [a]\nsteps: [{client: a, network: offline, unsubscribe: s}]\n",
			want: "exactly one action is required, got 2",
		},
		{
			name: "unknown client",
			yaml: "name: n\ndescription: d\nclients: [a]\nsteps: [{client: z, network: offline}]\n",
			want: `unknown client "z"`,
		},
		{
			name: "server step with client",
			yaml: "name: n\ndescription: d\nclients: [a]\nsteps: [{client: a, server_remove: {collection: chats, id: c1}}]\n",
			want: "server_remove takes no client",
		},
		{
			name: "bad network",
			yaml: "name: n\ndescription: d\nclients: [a]\nsteps: [{client: a, network: flaky}]\n",
			want: "network must be offline or online",
		},
		{
			name: "limit before subscribe",
			yaml: "name: n\ndescription: d\nclients: [a]\nsteps: [{client: a, limit: {name: s, limit: 2}}]\n",
			want: `unknown subscription "s"`,
		},
		{
			name: "bad operator",
			yaml: "name: n\ndescription: d\nclients: [a]\nsteps: [{client: a, subscribe: {name: s, query: {collection: chats, where: [{field: name, op: like, value: x}]}}}]\n",
			want: "unknown operator",
		},
		{
			name: "count missing",
			yaml: "name: n\ndescription: d\nclients: [a]\nsteps: [{client: a, network: offline}]\nassertions: [{type: outbox_count, client: a}]\n",
			want: "count is required",
		},
		{
			name: "unknown assertion",
			yaml: "name: n\ndescription: d\nclients: [a]\nsteps: [{client: a, network: offline}]\nassertions: [{type: eventually}]\n",
			want: `unknown assertion type "eventually"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestQueryStep_Spec(t *testing.T) {
	q := QueryStep{
		Collection: "messages",
		Where:      []WhereStep{{Field: "chatId", Op: "==", Value: "c1"}},
		Order:      []string{"createdAt desc"},
		Limit:      5,
		SyncStatus: "pending",
	}
	spec, err := q.Spec()
	require.NoError(t, err)
	assert.Equal(t, "messages", spec.Collection)
	require.Len(t, spec.Where, 1)
	assert.Equal(t, ir.OpEq, spec.Where[0].Op)
	assert.Equal(t, ir.String("c1"), spec.Where[0].Value)
	require.Len(t, spec.Order, 1)
	assert.True(t, spec.Order[0].Desc)
	assert.Equal(t, 5, spec.Limit)
	assert.Equal(t, ir.Pending, spec.SyncStatus)

	_, err = QueryStep{Collection: "messages", SyncStatus: "sent"}.Spec()
	require.Error(t, err)
}

func TestTraceEvent_String(t *testing.T) {
	events := []TraceEvent{
		{Kind: EventStep, Step: 3, Actor: "server", Action: "server_write", Target: "chats/c1"},
		{Kind: EventStep, Step: 4, Actor: "a", Action: "offline"},
		{Kind: EventDelivery, Actor: "a", Subscription: "all", Results: []ir.Entity{
			{ID: "c1", Attributes: ir.Object{"name": ir.String("x"), "id": ir.String("c1")}},
		}},
		{Kind: EventDelivery, Actor: "b", Subscription: "none"},
		{Kind: EventError, Actor: "a", Expected: "unknown field"},
	}
	want := []string{
		"step 3: server server_write chats/c1",
		"step 4: a offline",
		`  a/all: [c1 {"id":"c1","name":"x"}]`,
		"  b/none: []",
		"  a error: unknown field",
	}
	for i, e := range events {
		assert.Equal(t, want[i], e.String())
	}

	r := NewResult()
	r.Trace = events[:2]
	assert.Equal(t, "step 3: server server_write chats/c1\nstep 4: a offline\n", string(r.Transcript()))
	r.AddError("boom %d", 1)
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"boom 1"}, r.Errors)
}
