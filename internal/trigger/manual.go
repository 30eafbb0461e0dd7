package trigger

import (
	"context"

	"github.com/smilemakc/flowcore/internal/engine"
	"github.com/smilemakc/flowcore/pkg/graph"
)

// ManualTrigger fires with whatever payload the caller hands it verbatim —
// no schedule, no webhook signature, just "run this now."
type ManualTrigger struct{}

func NewManual() *ManualTrigger { return &ManualTrigger{} }

func (t *ManualTrigger) Fire(ctx context.Context, payload map[string]any) (context.Context, map[string]any) {
	return ctx, payload
}

// BuildRequest turns a manual-trigger firing into a Manager Request for
// snap's startNodeID, so a CLI or API caller that only has payload+graph
// can submit through the same admission path as any other trigger source.
func (t *ManualTrigger) BuildRequest(ctx context.Context, snap *graph.Snapshot, startNodeID, userID string, payload map[string]any, lookup engine.NodeLookup) (context.Context, Request) {
	ctx, payload = t.Fire(ctx, payload)
	return ctx, Request{
		WorkflowID:  snap.WorkflowID,
		StartNodeID: startNodeID,
		TriggerType: "manual",
		TriggerData: payload,
		UserID:      userID,
		Snapshot:    snap,
		Lookup:      lookup,
	}
}
