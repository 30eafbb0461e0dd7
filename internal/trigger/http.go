package trigger

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/smilemakc/flowcore/internal/engine"
	"github.com/smilemakc/flowcore/pkg/graph"
)

// HTTPConfig describes one webhook route: the path it's mounted on (for
// the caller's own mux) and the HTTP method it accepts ("" accepts any).
type HTTPConfig struct {
	Path   string
	Method string
}

// HTTPTrigger is the webhook ingress named in spec.md §1's external
// collaborators (the HTTP/TCP ingress itself is out of scope; this is the
// thin adapter between a received request and the Manager's admission
// API).
type HTTPTrigger struct {
	cfg HTTPConfig
}

func NewHTTP(cfg HTTPConfig) *HTTPTrigger { return &HTTPTrigger{cfg: cfg} }

func (t *HTTPTrigger) Handler(fn func(ctx context.Context, payload map[string]any) (int, any)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if t.cfg.Method != "" && r.Method != t.cfg.Method {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var payload map[string]any
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&payload)
		}
		ctx := r.Context()
		status, resp := fn(ctx, payload)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// Route wires this HTTPTrigger straight to a Manager: every accepted
// request is decoded into a Request against snap, submitted, and answered
// with a status reflecting the Decision — 200 Started with the execution
// id, 202 Accepted with the queue position, or 429 Too Many Requests with
// the rejection reason. This is the HTTP ingress's only contract with the
// Manager (spec.md §4.4's "returns one of Started, Queued, Rejected").
func (t *HTTPTrigger) Route(mgr *Manager, snap *graph.Snapshot, startNodeID string, lookup engine.NodeLookup) http.HandlerFunc {
	return t.Handler(func(ctx context.Context, payload map[string]any) (int, any) {
		userID, _ := payload["userId"].(string)
		delete(payload, "userId")

		d, err := mgr.Submit(ctx, Request{
			WorkflowID:  snap.WorkflowID,
			StartNodeID: startNodeID,
			TriggerType: "http",
			TriggerData: payload,
			UserID:      userID,
			Snapshot:    snap,
			Lookup:      lookup,
		})
		if err != nil {
			return http.StatusBadRequest, map[string]any{"error": err.Error()}
		}

		switch d.Kind {
		case Started:
			return http.StatusOK, map[string]any{"status": "started", "executionId": d.Execution.ID}
		case Queued:
			return http.StatusAccepted, map[string]any{"status": "queued", "position": d.Position}
		default:
			return http.StatusTooManyRequests, map[string]any{"status": "rejected", "reason": d.Reason}
		}
	})
}
