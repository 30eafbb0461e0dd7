package sandbox

import (
	"context"

	"github.com/expr-lang/expr"
)

// ScriptExecutor runs user-provided node script bodies in isolation from
// the host process — no filesystem, environment, or timer access except
// what the caller explicitly passes in as env. This is the "pluggable
// script executor" from spec.md §9: an embedded interpreter, a
// subprocess with seccomp-style restrictions, or WASM are all acceptable
// implementations; the Engine only depends on this interface.
type ScriptExecutor interface {
	// Run evaluates source against env (typically {"items": ..., "params":
	// ..., "log": restrictedLogFunc}) and returns the script's result.
	Run(ctx context.Context, source string, env map[string]any) (any, error)
}

// ExprScriptExecutor implements ScriptExecutor with expr-lang/expr's VM.
// expr has no access to the filesystem, environment variables, goroutines,
// or host timers by construction — the environment map passed to Run is
// the only surface the script sees, which satisfies the user-code
// isolation requirement without a JS isolate dependency.
type ExprScriptExecutor struct{}

// NewExprScriptExecutor returns the default, always-available script
// executor.
func NewExprScriptExecutor() *ExprScriptExecutor {
	return &ExprScriptExecutor{}
}

func (e *ExprScriptExecutor) Run(ctx context.Context, source string, env map[string]any) (any, error) {
	program, err := expr.Compile(source, expr.Env(env))
	if err != nil {
		return nil, Wrap(KindValidation, "script compile failed", err)
	}
	select {
	case <-ctx.Done():
		return nil, Wrap(KindTransient, "script execution cancelled", ctx.Err())
	default:
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, Wrap(KindPermanent, "script execution failed", err)
	}
	return out, nil
}
