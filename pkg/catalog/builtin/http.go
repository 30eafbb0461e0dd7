// Package builtin registers the node types flowcore ships out of the box,
// grounded on the teacher's built-in node implementations
// (internal/application/node/*.go: webhook delivery, condition evaluation,
// data transform) generalized from the teacher's fixed per-node-kind shape
// to the spec's declarative NodeType catalog entries.
package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/smilemakc/flowcore/internal/sandbox"
	"github.com/smilemakc/flowcore/pkg/catalog"
)

// HTTPRequest generalizes the teacher's fixed webhook-POST node
// (internal/application/node/webhook.go) into an arbitrary
// method/url/headers/body call, since spec.md's action nodes are
// declarative rather than hardcoded to one outbound shape.
var HTTPRequest = catalog.NodeType{
	Type:        "http.request",
	DisplayName: "HTTP Request",
	Group:       "action",
	Version:     1,
	Properties: []catalog.Property{
		{Name: "method", DisplayName: "Method", Type: "options", Options: []string{"GET", "POST", "PUT", "PATCH", "DELETE"}, Default: "GET", Required: true},
		{Name: "url", DisplayName: "URL", Type: "string", Required: true},
		{Name: "headers", DisplayName: "Headers", Type: "json"},
		{Name: "body", DisplayName: "Body", Type: "json"},
	},
	Inputs:  []string{"main"},
	Outputs: []string{"main"},
	Execute: executeHTTPRequest,
}

func executeHTTPRequest(ctx context.Context, in *sandbox.Inputs, caps *sandbox.Caps) (map[string]any, error) {
	method, _ := in.Parameters["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	url, _ := in.Parameters["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("http.request: url parameter is required")
	}

	var bodyReader io.Reader
	if body, ok := in.Parameters["body"]; ok && body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("http.request: encoding body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("http.request: building request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := in.Parameters["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := caps.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("http.request: reading response: %w", err)
	}

	var decoded any
	if len(raw) > 0 {
		if jsonErr := json.Unmarshal(raw, &decoded); jsonErr != nil {
			decoded = string(raw)
		}
	}

	return map[string]any{
		"main": []any{map[string]any{
			"status":  resp.StatusCode,
			"headers": resp.Header,
			"body":    decoded,
		}},
	}, nil
}
