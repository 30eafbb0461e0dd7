// Package catalog is the Node Type Catalog (spec.md §6): the registry of
// node types a workflow Definition may reference, each carrying the
// metadata the Sandbox needs (parameter schema, declared outputs, required
// credentials) plus the Go function that implements it.
//
// Grounded on the teacher's node registry
// (internal/application/node/registry.go): a mutex-guarded map keyed by
// type name, populated at startup by a Register call per node type.
package catalog

import (
	"fmt"
	"sort"
	"sync"

	"github.com/smilemakc/flowcore/internal/engine"
	"github.com/smilemakc/flowcore/internal/sandbox"
)

// Property describes one entry in a node type's parameter schema, used to
// drive a workflow editor's form. workflow.Compile does not check a
// Definition's node config against it.
type Property struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"displayName"`
	Type        string   `json:"type"` // string, number, boolean, json, options
	Required    bool     `json:"required"`
	Default     any      `json:"default,omitempty"`
	Options     []string `json:"options,omitempty"`
}

// NodeType is one entry in the catalog: everything the planner, the
// Sandbox, and a workflow editor need to know about a node type.
type NodeType struct {
	Type                string
	DisplayName         string
	Group               string // trigger, action, transform, condition
	Version             int
	Properties          []Property
	Inputs              []string
	Outputs             []string
	Defaults            map[string]any
	RequiredCredentials []string
	Branching           bool
	Execute             sandbox.NodeExecuteFunc
}

// Catalog resolves a node type name to its NodeType.
type Catalog interface {
	List() []NodeType
	Get(nodeType string) (NodeType, bool)
}

// Registry is the in-memory Catalog implementation. Grounded on the
// teacher's registry.go: a mutex-guarded map, Register fails loudly on a
// duplicate type name rather than silently overwriting it.
type Registry struct {
	mu    sync.RWMutex
	types map[string]NodeType
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]NodeType)}
}

// Register adds nt to the registry. It panics on a duplicate type name,
// since that can only happen from a programming error at startup wiring —
// never from user input.
func (r *Registry) Register(nt NodeType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[nt.Type]; exists {
		panic(fmt.Sprintf("catalog: node type %q already registered", nt.Type))
	}
	r.types[nt.Type] = nt
}

// List returns every registered NodeType, sorted by Type for deterministic
// output (an editor listing nodes, a catalog dump endpoint).
func (r *Registry) List() []NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeType, 0, len(r.types))
	for _, nt := range r.types {
		out = append(out, nt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Get implements Catalog.
func (r *Registry) Get(nodeType string) (NodeType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nt, ok := r.types[nodeType]
	return nt, ok
}

// EngineLookup adapts a Catalog to engine.NodeLookup, so a Registry built
// from this package's builtin node types can back the Engine directly.
type EngineLookup struct {
	Catalog Catalog
}

// Lookup implements engine.NodeLookup.
func (l EngineLookup) Lookup(nodeType string) (engine.NodeTypeDef, bool) {
	nt, ok := l.Catalog.Get(nodeType)
	if !ok {
		return engine.NodeTypeDef{}, false
	}
	return engine.NodeTypeDef{
		Execute:             nt.Execute,
		Branching:           nt.Branching,
		DeclaredOutputs:     nt.Outputs,
		RequiredCredentials: nt.RequiredCredentials,
	}, true
}
