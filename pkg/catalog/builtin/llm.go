package builtin

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/smilemakc/flowcore/internal/sandbox"
	"github.com/smilemakc/flowcore/pkg/catalog"
)

// credentialOpenAI is the credential type an llm.completion node requires:
// the vault entry must carry an "api_key" field.
const credentialOpenAI = "openai"

// LLMCompletion calls an OpenAI-compatible chat completion endpoint,
// grounded directly on the teacher's LLM node executor
// (internal/application/executor/node_executors.go): resolve model/prompt
// from parameters, build an openai.ChatCompletionRequest with a single
// user message, call CreateChatCompletion. Generalized from the teacher's
// config-or-context-variable API key lookup to the spec's credential
// vault (spec.md §4.3 FetchCredentials), since this module has no
// execution-context variable store playing double duty as a secret
// source.
var LLMCompletion = catalog.NodeType{
	Type:        "llm.completion",
	DisplayName: "LLM Completion",
	Group:       "action",
	Version:     1,
	Properties: []catalog.Property{
		{Name: "model", DisplayName: "Model", Type: "string", Default: "gpt-4o"},
		{Name: "prompt", DisplayName: "Prompt", Type: "string", Required: true},
		{Name: "temperature", DisplayName: "Temperature", Type: "number", Default: 0.7},
		{Name: "maxTokens", DisplayName: "Max tokens", Type: "number"},
	},
	Inputs:              []string{"main"},
	Outputs:             []string{"main"},
	RequiredCredentials: []string{credentialOpenAI},
	Execute:             executeLLMCompletion,
}

func executeLLMCompletion(ctx context.Context, in *sandbox.Inputs, caps *sandbox.Caps) (map[string]any, error) {
	prompt, _ := in.Parameters["prompt"].(string)
	if prompt == "" {
		return nil, fmt.Errorf("llm.completion: prompt parameter is required")
	}
	model, _ := in.Parameters["model"].(string)
	if model == "" {
		model = "gpt-4o"
	}

	creds, ok := in.Credentials[credentialOpenAI]
	if !ok {
		return nil, fmt.Errorf("llm.completion: missing %s credential", credentialOpenAI)
	}
	apiKey := creds["api_key"]
	if apiKey == "" {
		return nil, fmt.Errorf("llm.completion: credential has no api_key field")
	}

	temperature := 0.7
	if t, ok := in.Parameters["temperature"].(float64); ok {
		temperature = t
	}
	maxTokens := 0
	if mt, ok := in.Parameters["maxTokens"].(float64); ok {
		maxTokens = int(mt)
	}

	client := openai.NewClient(apiKey)
	req := openai.ChatCompletionRequest{
		Model:               model,
		MaxCompletionTokens: maxTokens,
		Temperature:         float32(temperature),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}

	if caps.Logger != nil {
		caps.Logger.Debug().Str("model", model).Msg("calling llm completion")
	}

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("llm.completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm.completion: empty response from model")
	}

	return map[string]any{
		"main": []any{map[string]any{
			"text":  resp.Choices[0].Message.Content,
			"model": resp.Model,
			"usage": map[string]any{
				"promptTokens":     resp.Usage.PromptTokens,
				"completionTokens": resp.Usage.CompletionTokens,
				"totalTokens":      resp.Usage.TotalTokens,
			},
		}},
	}, nil
}
