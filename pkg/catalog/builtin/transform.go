package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/smilemakc/flowcore/internal/sandbox"
	"github.com/smilemakc/flowcore/pkg/catalog"
)

// JSONTransform applies a declarative set of gjson-path reads and sjson-path
// writes to the current item, grounded on the teacher's data-mapping node
// (internal/application/node/transform.go) which shelled out to a
// hand-rolled dot-path walker — generalized here onto the gjson/sjson pair
// the rest of the pack already depends on for JSON path manipulation.
var JSONTransform = catalog.NodeType{
	Type:        "json.transform",
	DisplayName: "JSON Transform",
	Group:       "transform",
	Version:     1,
	Properties: []catalog.Property{
		{Name: "mappings", DisplayName: "Field mappings", Type: "json", Required: true},
	},
	Inputs:  []string{"main"},
	Outputs: []string{"main"},
	Execute: executeJSONTransform,
}

// mapping is one (source gjson path -> destination sjson path) pair.
type mapping struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func executeJSONTransform(ctx context.Context, in *sandbox.Inputs, caps *sandbox.Caps) (map[string]any, error) {
	raw, ok := in.Parameters["mappings"]
	if !ok {
		return nil, fmt.Errorf("json.transform: mappings parameter is required")
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("json.transform: invalid mappings: %w", err)
	}
	var mappings []mapping
	if err := json.Unmarshal(encoded, &mappings); err != nil {
		return nil, fmt.Errorf("json.transform: mappings must be an array of {from,to}: %w", err)
	}

	items := in.Bundle.Channel("main")
	out := make([]any, 0, len(items))
	for _, item := range items {
		itemJSON, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("json.transform: encoding item: %w", err)
		}

		result := "{}"
		src := gjson.ParseBytes(itemJSON)
		for _, m := range mappings {
			val := src.Get(m.From)
			var setErr error
			result, setErr = sjson.Set(result, m.To, val.Value())
			if setErr != nil {
				return nil, fmt.Errorf("json.transform: setting %q: %w", m.To, setErr)
			}
		}

		var decoded any
		if err := json.Unmarshal([]byte(result), &decoded); err != nil {
			return nil, fmt.Errorf("json.transform: decoding result: %w", err)
		}
		out = append(out, decoded)
	}

	return map[string]any{"main": out}, nil
}
