package workflow

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/smilemakc/flowcore/pkg/graph"
)

// defaultPort is the channel name an edge or node uses when it declares no
// explicit port, matching bundle.MainChannel without importing pkg/bundle
// for a single string constant.
const defaultPort = "main"

// Compile turns a declarative Definition into an immutable graph.Snapshot
// the Engine can execute. There is no teacher equivalent of this step (the
// teacher's pkg/workflow builder had no consumer at all); the conversion
// itself is grounded on the shape graph.Snapshot already requires
// (pkg/graph/snapshot.go) and on how the Engine's test fixtures
// hand-assemble a Snapshot (internal/engine/engine_test.go).
func Compile(def Definition) (*graph.Snapshot, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("workflow: definition name is required")
	}
	if len(def.Nodes) == 0 {
		return nil, fmt.Errorf("workflow: definition %q has no nodes", def.Name)
	}

	seen := make(map[string]struct{}, len(def.Nodes))
	nodes := make([]graph.Node, 0, len(def.Nodes))
	retryOverrides := make(map[string]int)
	continueOnFail := make(map[string]bool)

	var defaultTimeoutMS int64
	allowPrivateNets := false

	for _, n := range def.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("workflow: node with empty id in definition %q", def.Name)
		}
		if _, dup := seen[n.ID]; dup {
			return nil, fmt.Errorf("workflow: duplicate node id %q in definition %q", n.ID, def.Name)
		}
		seen[n.ID] = struct{}{}

		nodeType := n.Type
		if n.Handler != "" {
			nodeType = n.Handler
		}
		if nodeType == "" {
			return nil, fmt.Errorf("workflow: node %q has no type or handler", n.ID)
		}

		nodes = append(nodes, graph.Node{
			ID:          n.ID,
			Type:        nodeType,
			Name:        n.ID,
			Parameters:  n.Config,
			Credentials: n.Credentials,
		})

		if n.Retry != nil {
			retryOverrides[n.ID] = n.Retry.MaxAttempts
		}
		if n.Timeout != "" {
			if d, err := time.ParseDuration(n.Timeout); err == nil {
				ms := d.Milliseconds()
				if defaultTimeoutMS == 0 || ms > defaultTimeoutMS {
					defaultTimeoutMS = ms
				}
			}
		}
	}

	edges := make([]graph.Edge, 0, len(def.Edges))
	for _, e := range def.Edges {
		if e.From == "" || e.To == "" {
			return nil, fmt.Errorf("workflow: edge with empty endpoint in definition %q", def.Name)
		}
		if _, ok := seen[e.From]; !ok {
			return nil, fmt.Errorf("workflow: edge references unknown source node %q", e.From)
		}
		if _, ok := seen[e.To]; !ok {
			return nil, fmt.Errorf("workflow: edge references unknown target node %q", e.To)
		}

		fromPort := e.FromPort
		if fromPort == "" {
			fromPort = defaultPort
		}
		toPort := e.ToPort
		if toPort == "" {
			toPort = defaultPort
		}

		edges = append(edges, graph.Edge{
			SourceNodeID: e.From,
			SourceOutput: fromPort,
			TargetNodeID: e.To,
			TargetInput:  toPort,
		})
	}

	if defaultTimeoutMS == 0 {
		defaultTimeoutMS = 30_000
	}

	return &graph.Snapshot{
		WorkflowID:  def.Name,
		Nodes:       nodes,
		Connections: edges,
		Settings: graph.Settings{
			DefaultTimeoutMS:  defaultTimeoutMS,
			RetryOverrides:    retryOverrides,
			AllowPrivateNets:  allowPrivateNets,
			ContinueOnFailure: continueOnFail,
		},
	}, nil
}

// LoadYAML parses a YAML-encoded Definition from r.
func LoadYAML(r io.Reader) (Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&def); err != nil {
		return Definition{}, fmt.Errorf("workflow: decoding yaml: %w", err)
	}
	return def, nil
}

// LoadYAMLFile reads and parses a Definition from a YAML file on disk.
func LoadYAMLFile(path string) (Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return Definition{}, fmt.Errorf("workflow: opening %s: %w", path, err)
	}
	defer f.Close()
	return LoadYAML(f)
}
