package builtin

import "github.com/smilemakc/flowcore/pkg/catalog"

// All returns every builtin node type, in registration order.
func All() []catalog.NodeType {
	return []catalog.NodeType{
		HTTPRequest,
		JSONTransform,
		Condition,
		LLMCompletion,
	}
}

// RegisterAll registers every builtin node type on r.
func RegisterAll(r *catalog.Registry) {
	for _, nt := range All() {
		r.Register(nt)
	}
}
