package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAndNormalizeOutput_MainChannel(t *testing.T) {
	out, err := ValidateAndNormalizeOutput(map[string]any{"main": []any{map[string]any{"x": 1}}}, false, nil)
	require.Nil(t, err)
	assert.Len(t, out.Channel("main"), 1)
}

func TestValidateAndNormalizeOutput_RejectsUnknownChannelWhenNotBranching(t *testing.T) {
	_, err := ValidateAndNormalizeOutput(map[string]any{"true": []any{1}}, false, nil)
	require.NotNil(t, err)
	assert.Equal(t, KindValidation, err.Kind)
}

func TestValidateAndNormalizeOutput_BranchingAllowsDeclaredChannels(t *testing.T) {
	out, err := ValidateAndNormalizeOutput(map[string]any{"true": []any{1}}, true, []string{"true", "false"})
	require.Nil(t, err)
	assert.Equal(t, []any{1}, out.Channel("true"))
}

func TestValidateAndNormalizeOutput_RejectsProtoPollution(t *testing.T) {
	_, err := ValidateAndNormalizeOutput(map[string]any{"main": []any{map[string]any{"__proto__": 1}}}, false, nil)
	require.NotNil(t, err)
	assert.Equal(t, KindSecurity, err.Kind)
}

func TestValidateAndNormalizeOutput_WrapsScalarAsSingleItem(t *testing.T) {
	out, err := ValidateAndNormalizeOutput(map[string]any{"main": 7}, false, nil)
	require.Nil(t, err)
	assert.Equal(t, []any{7}, out.Channel("main"))
}
