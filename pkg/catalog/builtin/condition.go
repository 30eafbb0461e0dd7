package builtin

import (
	"context"
	"fmt"

	"github.com/smilemakc/flowcore/internal/sandbox"
	"github.com/smilemakc/flowcore/pkg/catalog"
)

// Condition is a branching node that evaluates an expr-lang expression
// against the current item and parameters, routing it to the "true" or
// "false" output channel. Grounded on the teacher's condition evaluator
// (internal/application/executor/conditions.go), which already used
// expr-lang/expr for edge conditions — generalized here into a standalone
// node type rather than an edge-attached predicate, since spec.md models
// branching as a node-type property (NodeType.Branching) rather than an
// edge one.
var Condition = catalog.NodeType{
	Type:        "flow.condition",
	DisplayName: "Condition",
	Group:       "condition",
	Version:     1,
	Properties: []catalog.Property{
		{Name: "expression", DisplayName: "Expression", Type: "string", Required: true},
	},
	Inputs:    []string{"main"},
	Outputs:   []string{"true", "false"},
	Branching: true,
	Execute:   executeCondition,
}

func executeCondition(ctx context.Context, in *sandbox.Inputs, caps *sandbox.Caps) (map[string]any, error) {
	expression, _ := in.Parameters["expression"].(string)
	if expression == "" {
		return nil, fmt.Errorf("flow.condition: expression parameter is required")
	}

	items := in.Bundle.Channel("main")

	trueOut := make([]any, 0, len(items))
	falseOut := make([]any, 0, len(items))
	for _, item := range items {
		env := map[string]any{
			"item":   item,
			"params": in.Parameters,
		}
		result, err := caps.Script.Run(ctx, expression, env)
		if err != nil {
			return nil, err
		}
		matched, ok := result.(bool)
		if !ok {
			return nil, fmt.Errorf("flow.condition: expression must evaluate to a boolean, got %T", result)
		}
		if matched {
			trueOut = append(trueOut, item)
		} else {
			falseOut = append(falseOut, item)
		}
	}

	return map[string]any{"true": trueOut, "false": falseOut}, nil
}
