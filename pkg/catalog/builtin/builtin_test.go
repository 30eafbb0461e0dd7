package builtin

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/flowcore/internal/sandbox"
	"github.com/smilemakc/flowcore/pkg/bundle"
	"github.com/smilemakc/flowcore/pkg/catalog"
)

type noVars struct{}

func (noVars) Get(sandbox.Scope, string) (any, bool) { return nil, false }

type memVault map[string]map[string]string

func (v memVault) GetForExecution(_ context.Context, credentialID, _ string) (map[string]string, error) {
	if creds, ok := v[credentialID]; ok {
		return creds, nil
	}
	return nil, fmt.Errorf("no credential %q", credentialID)
}

func newTestSandbox() *sandbox.DefaultSandbox {
	return sandbox.NewDefaultSandbox(sandbox.DefaultConfig(), nil)
}

func TestRegisterAll_NoDuplicates(t *testing.T) {
	r := catalog.NewRegistry()
	RegisterAll(r)
	assert.Len(t, r.List(), 4)
}

func TestHTTPRequest_Execute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	spec := sandbox.NodeSpec{
		ID:   "n1",
		Type: "http.request",
		Parameters: map[string]any{
			"method": "GET",
			"url":    srv.URL,
		},
		Execute: executeHTTPRequest,
	}

	// httptest serves on loopback, which the default network policy denies.
	cfg := sandbox.DefaultConfig()
	cfg.AllowPrivateNetworks = true
	result := sandbox.NewDefaultSandbox(cfg, nil).Execute(context.Background(), spec, bundle.Seed(nil), noVars{}, memVault{}, "user-1")
	require.True(t, result.Success, "%+v", result.Err)
	items := result.Output.Channel("main")
	require.Len(t, items, 1)
	body := items[0].(map[string]any)
	assert.Equal(t, float64(http.StatusOK), toFloat(body["status"]))
}

func TestJSONTransform_Execute(t *testing.T) {
	spec := sandbox.NodeSpec{
		ID:   "n1",
		Type: "json.transform",
		Parameters: map[string]any{
			"mappings": []any{map[string]any{"from": "user.name", "to": "fullName"}},
		},
		Execute: executeJSONTransform,
	}
	in := bundle.Bundle{"main": []bundle.Item{map[string]any{"user": map[string]any{"name": "ada"}}}}

	result := newTestSandbox().Execute(context.Background(), spec, in, noVars{}, memVault{}, "user-1")
	require.True(t, result.Success, "%+v", result.Err)
	items := result.Output.Channel("main")
	require.Len(t, items, 1)
	assert.Equal(t, "ada", items[0].(map[string]any)["fullName"])
}

func TestCondition_Execute_SplitsTrueFalse(t *testing.T) {
	spec := sandbox.NodeSpec{
		ID:              "n1",
		Type:            "flow.condition",
		Parameters:      map[string]any{"expression": "item > 2"},
		Branching:       true,
		DeclaredOutputs: []string{"true", "false"},
		Execute:         executeCondition,
	}
	in := bundle.Bundle{"main": []bundle.Item{1, 2, 3, 4}}

	result := newTestSandbox().Execute(context.Background(), spec, in, noVars{}, memVault{}, "user-1")
	require.True(t, result.Success, "%+v", result.Err)
	assert.Len(t, result.Output.Channel("true"), 2)
	assert.Len(t, result.Output.Channel("false"), 2)
}

func TestLLMCompletion_Execute_MissingCredentialMapping(t *testing.T) {
	spec := sandbox.NodeSpec{
		ID:                  "n1",
		Type:                "llm.completion",
		Parameters:          map[string]any{"prompt": "hi"},
		RequiredCredentials: []string{credentialOpenAI},
		Execute:             executeLLMCompletion,
	}

	result := newTestSandbox().Execute(context.Background(), spec, bundle.Seed(nil), noVars{}, memVault{}, "user-1")
	assert.False(t, result.Success)
	require.NotNil(t, result.Err)
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return -1
	}
}
