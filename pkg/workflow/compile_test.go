package workflow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_LinearWorkflow(t *testing.T) {
	def := NewDefinitionBuilder().
		Name("wf-linear").
		AddNode(NewNodeDefBuilder().ID("a").Type("http.request").Build()).
		AddNode(NewNodeDefBuilder().ID("b").Type("json.transform").Retry(3, "exponential").Build()).
		AddEdge(NewEdgeDefBuilder().From("a").To("b").Build()).
		Build()

	snap, err := Compile(def)
	require.NoError(t, err)
	assert.Equal(t, "wf-linear", snap.WorkflowID)
	require.Len(t, snap.Nodes, 2)
	require.Len(t, snap.Connections, 1)
	assert.Equal(t, "main", snap.Connections[0].SourceOutput)
	assert.Equal(t, "main", snap.Connections[0].TargetInput)
	assert.Equal(t, 3, snap.Settings.RetryOverrides["b"])
}

func TestCompile_BranchingEdgePorts(t *testing.T) {
	def := NewDefinitionBuilder().
		Name("wf-branch").
		AddNode(NewNodeDefBuilder().ID("cond").Type("flow.condition").Build()).
		AddNode(NewNodeDefBuilder().ID("yes").Type("http.request").Build()).
		AddEdge(NewEdgeDefBuilder().From("cond").To("yes").FromPort("true").Build()).
		Build()

	snap, err := Compile(def)
	require.NoError(t, err)
	assert.Equal(t, "true", snap.Connections[0].SourceOutput)
}

func TestCompile_RejectsUnknownEdgeEndpoint(t *testing.T) {
	def := NewDefinitionBuilder().
		Name("wf-bad").
		AddNode(NewNodeDefBuilder().ID("a").Type("http.request").Build()).
		AddEdge(NewEdgeDefBuilder().From("a").To("missing").Build()).
		Build()

	_, err := Compile(def)
	require.Error(t, err)
}

func TestCompile_RejectsDuplicateNodeID(t *testing.T) {
	def := NewDefinitionBuilder().
		Name("wf-dup").
		AddNode(NewNodeDefBuilder().ID("a").Type("http.request").Build()).
		AddNode(NewNodeDefBuilder().ID("a").Type("json.transform").Build()).
		Build()

	_, err := Compile(def)
	require.Error(t, err)
}

func TestLoadYAML_RoundTrip(t *testing.T) {
	src := `
name: wf-yaml
version: "1"
nodes:
  - id: a
    type: http.request
    config:
      url: https://example.com
edges: []
`
	def, err := LoadYAML(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, "wf-yaml", def.Name)
	require.Len(t, def.Nodes, 1)
	assert.Equal(t, "https://example.com", def.Nodes[0].Config["url"])

	snap, err := Compile(def)
	require.NoError(t, err)
	assert.Equal(t, "wf-yaml", snap.WorkflowID)
}
