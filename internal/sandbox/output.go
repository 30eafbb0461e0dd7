package sandbox

import (
	"fmt"

	"github.com/smilemakc/flowcore/pkg/bundle"
)

var reservedKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

// ValidateAndNormalizeOutput enforces spec.md §4.3's output contract: no
// reserved/prototype-pollution keys anywhere in the tree, and a top-level
// shape of {main: Item[]} for normal nodes or {<branch>: Item[], ...} for
// branching ones. The result is a normalized bundle.Bundle.
func ValidateAndNormalizeOutput(raw map[string]any, branching bool, declaredOutputs []string) (bundle.Bundle, *ExecError) {
	if err := checkReservedKeys(raw); err != nil {
		return nil, err
	}

	out := bundle.New()
	for channel, value := range raw {
		if !branching && channel != bundle.MainChannel {
			return nil, Wrap(KindValidation, fmt.Sprintf("non-branching node produced unexpected output channel %q", channel), nil)
		}
		if branching && len(declaredOutputs) > 0 && !contains(declaredOutputs, channel) {
			return nil, Wrap(KindValidation, fmt.Sprintf("branching node produced undeclared output channel %q", channel), nil)
		}
		items, err := normalizeItems(value)
		if err != nil {
			return nil, err
		}
		out[channel] = items
	}

	if _, ok := out[bundle.MainChannel]; !ok && !branching {
		out[bundle.MainChannel] = nil
	}
	return out, nil
}

func normalizeItems(value any) ([]bundle.Item, *ExecError) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []any:
		for _, item := range v {
			if err := checkReservedKeysValue(item); err != nil {
				return nil, err
			}
		}
		return v, nil
	default:
		if err := checkReservedKeysValue(v); err != nil {
			return nil, err
		}
		return []bundle.Item{v}, nil
	}
}

func checkReservedKeys(m map[string]any) *ExecError {
	for _, v := range m {
		if err := checkReservedKeysValue(v); err != nil {
			return err
		}
	}
	return nil
}

func checkReservedKeysValue(v any) *ExecError {
	switch t := v.(type) {
	case map[string]any:
		for k, vv := range t {
			if _, reserved := reservedKeys[k]; reserved {
				return ErrProtoPollution
			}
			if err := checkReservedKeysValue(vv); err != nil {
				return err
			}
		}
	case []any:
		for _, vv := range t {
			if err := checkReservedKeysValue(vv); err != nil {
				return err
			}
		}
	}
	return nil
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
