// Package sandbox implements the Node Execution Sandbox (spec.md §4.3):
// parameter resolution, credential injection, resource caps, outbound
// network safety, user-code isolation, and output validation for exactly
// one node invocation.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/smilemakc/flowcore/pkg/bundle"
)

// NodeExecuteFunc is the per-node logic a node-type registers. It receives
// already-resolved inputs and a capability handle scoped to this one
// invocation's resource caps.
type NodeExecuteFunc func(ctx context.Context, in *Inputs, caps *Caps) (map[string]any, error)

// NodeSpec describes the one node the Sandbox is about to run, combining
// the catalog's NodeType.Execute with the snapshot's per-node
// configuration.
type NodeSpec struct {
	ID                  string
	Type                string
	Name                string
	Parameters          map[string]any
	RequiredCredentials []string
	CredentialMapping   map[string]string // required-credential-type -> credential-id
	Branching           bool
	DeclaredOutputs     []string
	Execute             NodeExecuteFunc
}

// Inputs is what a node's Execute function reads.
type Inputs struct {
	Bundle      bundle.Bundle
	Parameters  map[string]any // post-resolution
	Credentials CredentialSet
}

// Caps bundles the resource-capped facilities a node is allowed to use:
// a network-guarded HTTP client and a sandboxed script executor. Nodes
// must not reach outside these handles.
type Caps struct {
	HTTP           *GuardedHTTPClient
	Script         ScriptExecutor
	Logger         *zerolog.Logger
	MaxOutputBytes int64
}

// Config holds the Sandbox's resource defaults (spec.md §6 SANDBOX_* keys).
type Config struct {
	WallClockTimeout    time.Duration
	MemoryCapBytes      int64
	OutputCapBytes      int64
	MaxConcurrentReqs   int
	HTTPTimeout         time.Duration
	AllowPrivateNetworks bool
}

// DefaultConfig matches spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		WallClockTimeout:  30 * time.Second,
		MemoryCapBytes:    128 << 20,
		OutputCapBytes:    10 << 20,
		MaxConcurrentReqs: 5,
		HTTPTimeout:       30 * time.Second,
	}
}

// Sandbox runs exactly one node.
type Sandbox interface {
	Execute(ctx context.Context, spec NodeSpec, in bundle.Bundle, store VariableStore, vault Vault, userID string) Result
}

// Result is the Sandbox's return value (spec.md §4.3).
type Result struct {
	Success bool
	Output  bundle.Bundle
	Err     *ExecError
}

// DefaultSandbox is the production Sandbox implementation. Grounded on the
// teacher's three-phase per-node handling in
// internal/application/executor/engine.go's executeNode (bind inputs,
// template/resolve config, invoke, validate output), restructured around
// the spec's Bundle/NodeSpec vocabulary and explicit resource caps.
type DefaultSandbox struct {
	Config Config
	Logger *zerolog.Logger
	Script ScriptExecutor
}

// NewDefaultSandbox builds a Sandbox with the expr-based script executor.
func NewDefaultSandbox(cfg Config, logger *zerolog.Logger) *DefaultSandbox {
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}
	return &DefaultSandbox{Config: cfg, Logger: logger, Script: NewExprScriptExecutor()}
}

func (s *DefaultSandbox) Execute(ctx context.Context, spec NodeSpec, in bundle.Bundle, store VariableStore, vault Vault, userID string) Result {
	if s.Config.WallClockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Config.WallClockTimeout)
		defer cancel()
	}

	currentItem := firstItem(in)
	resolvedParams := ResolveParameters(spec.Parameters, currentItem, store, s.Logger)

	var creds CredentialSet
	if len(spec.RequiredCredentials) > 0 {
		var execErr *ExecError
		creds, execErr = FetchCredentials(ctx, vault, spec.RequiredCredentials, spec.CredentialMapping, userID)
		if execErr != nil {
			return Result{Err: execErr}
		}
	}

	policy := &NetworkPolicy{
		AllowPrivateNetworks: s.Config.AllowPrivateNetworks,
		MaxResponseBytes:     s.Config.OutputCapBytes,
	}
	guarded := newGuardedHTTPClient(policy, s.Config.MaxConcurrentReqs, s.Config.HTTPTimeout)

	caps := &Caps{
		HTTP:           guarded,
		Script:         s.Script,
		Logger:         s.Logger,
		MaxOutputBytes: s.Config.OutputCapBytes,
	}

	var memBefore runtime.MemStats
	runtime.ReadMemStats(&memBefore)

	raw, err := spec.Execute(ctx, &Inputs{Bundle: in, Parameters: resolvedParams, Credentials: creds}, caps)
	if err != nil {
		return Result{Err: classifyError(err)}
	}

	var memAfter runtime.MemStats
	runtime.ReadMemStats(&memAfter)
	if s.Config.MemoryCapBytes > 0 && memAfter.HeapAlloc > memBefore.HeapAlloc &&
		int64(memAfter.HeapAlloc-memBefore.HeapAlloc) > s.Config.MemoryCapBytes {
		return Result{Err: Wrap(KindResourceLimit, "node exceeded memory cap", nil)}
	}

	if s.Config.OutputCapBytes > 0 {
		if encoded, mErr := json.Marshal(raw); mErr == nil && int64(len(encoded)) > s.Config.OutputCapBytes {
			return Result{Err: Wrap(KindResourceLimit, "node output exceeded size cap", nil)}
		}
	}

	out, execErr := ValidateAndNormalizeOutput(raw, spec.Branching, spec.DeclaredOutputs)
	if execErr != nil {
		return Result{Err: execErr}
	}
	return Result{Success: true, Output: out}
}

func firstItem(b bundle.Bundle) any {
	main := b.Channel(bundle.MainChannel)
	if len(main) == 0 {
		return nil
	}
	return main[0]
}

// classifyError promotes an arbitrary node error into the Sandbox's typed
// error kinds: an *ExecError the node already produced passes through,
// everything else is treated as an explicit node-raised (Permanent) error
// per spec.md §7.
func classifyError(err error) *ExecError {
	if ee, ok := err.(*ExecError); ok {
		return ee
	}
	return Wrap(KindPermanent, fmt.Sprintf("node error: %v", err), err)
}

// GuardedHTTPClient is the only HTTP surface node logic is given: every
// request is checked against the NetworkPolicy, bounded by a
// concurrent-request semaphore and a per-request timeout, and its response
// body is capped.
type GuardedHTTPClient struct {
	policy  *NetworkPolicy
	client  *http.Client
	tickets chan struct{}
}

func newGuardedHTTPClient(policy *NetworkPolicy, maxConcurrent int, timeout time.Duration) *GuardedHTTPClient {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &GuardedHTTPClient{
		policy:  policy,
		client:  &http.Client{Timeout: timeout},
		tickets: make(chan struct{}, maxConcurrent),
	}
}

// flattenHeader collapses an http.Header into a single-value map suitable
// for NetworkPolicy.FilterHeaders, keeping the first value of any
// multi-valued header.
func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// Do issues req after validating its URL and headers against the network
// policy, respecting the concurrent-request cap, and capping the response
// body to the configured size.
func (g *GuardedHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if execErr := g.policy.CheckURL(req.URL.String()); execErr != nil {
		return nil, execErr
	}
	req.Header = g.policy.FilterHeaders(flattenHeader(req.Header))

	select {
	case g.tickets <- struct{}{}:
	case <-req.Context().Done():
		return nil, Wrap(KindTransient, "request cancelled waiting for concurrency slot", req.Context().Err())
	}
	defer func() { <-g.tickets }()

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, Wrap(KindTransient, "request failed", err)
	}
	if execErr := g.policy.CheckResponseSize(resp.ContentLength); execErr != nil {
		resp.Body.Close()
		return nil, execErr
	}
	if g.policy.MaxResponseBytes > 0 {
		resp.Body = &limitedReadCloser{r: resp.Body, limit: g.policy.MaxResponseBytes}
	}
	return resp, nil
}
