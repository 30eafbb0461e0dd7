package engine

import "github.com/smilemakc/flowcore/internal/sandbox"

// NodeTypeDef is the piece of catalog metadata the Engine needs to build a
// sandbox.NodeSpec for one graph node. Declared here (instead of importing
// pkg/catalog) so the Engine depends only on the shape it uses; any
// catalog implementation that returns this shape can drive it.
type NodeTypeDef struct {
	Execute             sandbox.NodeExecuteFunc
	Branching           bool
	DeclaredOutputs     []string
	RequiredCredentials []string
}

// NodeLookup resolves a graph node's Type to its registered behavior.
type NodeLookup interface {
	Lookup(nodeType string) (NodeTypeDef, bool)
}
