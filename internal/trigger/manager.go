// Package trigger is the Trigger Concurrency Manager (spec.md §4.4):
// admits incoming execution requests, enforces global/per-workflow/per-user
// concurrency limits, scores isolation against already-admitted runs, holds
// the per-node resource lock table, and queues or rejects what it cannot
// admit immediately.
//
// Grounded on the teacher's TriggerManager
// (internal/application/executor/trigger_manager.go): a struct holding
// concurrency counters behind a mutex, an Activate/CanActivate admission
// gate, and a completion callback that releases the counter — generalized
// from per-trigger cooldown counters to the spec's global/workflow/user
// limit hierarchy plus lock-based isolation.
package trigger

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/smilemakc/flowcore/internal/engine"
	"github.com/smilemakc/flowcore/pkg/graph"
)

// Strategy selects how the Manager behaves when it cannot admit
// immediately (spec.md §4.4).
type Strategy string

const (
	StrategyQueue       Strategy = "queue"
	StrategyReject      Strategy = "reject"
	StrategyMergeLatest Strategy = "merge-latest"
	StrategyPriority    Strategy = "priority"
)

// Config holds the Manager's admission limits (spec.md §6 CONCURRENCY /
// PER_WORKFLOW / PER_USER keys).
type Config struct {
	GlobalLimit      int
	PerWorkflowLimit int
	PerUserLimit     int
	MaxQueueLength   int
	QueueTimeout     time.Duration
	Strategy         Strategy
}

// DefaultConfig matches spec.md §4.4's documented defaults.
func DefaultConfig() Config {
	return Config{
		GlobalLimit:      10,
		PerWorkflowLimit: 3,
		PerUserLimit:     5,
		MaxQueueLength:   100,
		QueueTimeout:     5 * time.Minute,
		Strategy:         StrategyQueue,
	}
}

// Request is one trigger activation asking to be admitted.
type Request struct {
	WorkflowID  string
	StartNodeID string
	TriggerType string
	TriggerData map[string]any
	UserID      string
	Priority    int // lower runs first
	Isolated    bool
	Snapshot    *graph.Snapshot
	Opts        engine.Options
	Lookup      engine.NodeLookup
}

// DecisionKind classifies an admission outcome.
type DecisionKind string

const (
	Started  DecisionKind = "started"
	Queued   DecisionKind = "queued"
	Rejected DecisionKind = "rejected"
)

// Decision is the Manager's response to a Submit call. Submit itself never
// blocks on queue drainage (spec.md §4.4: admission "returns one of
// Started, Queued(position), Rejected"); a caller that needs to know when
// a Queued request eventually starts can receive on Await, which fires
// exactly once with the request's terminal Decision (Started or Rejected).
type Decision struct {
	Kind      DecisionKind
	Execution *engine.Execution // set when Kind == Started
	Position  int               // set when Kind == Queued
	Reason    string            // set when Kind == Rejected
	Await     <-chan Decision   // set when Kind == Queued
}

var ErrQueueFull = errors.New("trigger: queue is full")

type lockKey struct {
	WorkflowID string
	NodeID     string
}

// admitted tracks one currently-running execution for isolation scoring
// and lock release on completion.
type admitted struct {
	workflowID string
	userID     string
	isolated   bool
	affected   map[string]struct{}
	locked     []lockKey
}

// pendingEntry is one queued Request, ordered by Priority then by
// submission order (stable FIFO within equal priority, per spec.md §4.1's
// tie-break rule generalized to cross-execution admission).
type pendingEntry struct {
	req       Request
	submitted time.Time
	seq       int64
	result    chan Decision
	index     int // heap bookkeeping
}

type pendingQueue []*pendingEntry

func (q pendingQueue) Len() int { return len(q) }
func (q pendingQueue) Less(i, j int) bool {
	if q[i].req.Priority != q[j].req.Priority {
		return q[i].req.Priority < q[j].req.Priority
	}
	return q[i].seq < q[j].seq
}
func (q pendingQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *pendingQueue) Push(x any) {
	e := x.(*pendingEntry)
	e.index = len(*q)
	*q = append(*q, e)
}
func (q *pendingQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// Manager is the Trigger Concurrency Manager.
type Manager struct {
	eng *engine.Engine
	cfg Config

	mu          sync.Mutex
	globalCount int
	perWorkflow *xsync.MapOf[string, int]
	perUser     *xsync.MapOf[string, int]
	locks       map[lockKey]uuid.UUID
	active      map[uuid.UUID]*admitted
	queue       pendingQueue
	seq         int64
	lastByKey   map[string]uuid.UUID // merge-latest dedup key -> execution id

	stopEvict chan struct{}
}

// New builds a Manager that admits onto eng.
func New(eng *engine.Engine, cfg Config) *Manager {
	if cfg.GlobalLimit <= 0 {
		cfg.GlobalLimit = 1
	}
	m := &Manager{
		eng:         eng,
		cfg:         cfg,
		perWorkflow: xsync.NewMapOf[string, int](),
		perUser:     xsync.NewMapOf[string, int](),
		locks:       make(map[lockKey]uuid.UUID),
		active:      make(map[uuid.UUID]*admitted),
		lastByKey:   make(map[string]uuid.UUID),
		stopEvict:   make(chan struct{}),
	}
	go m.evictLoop()
	return m
}

// Close stops the background eviction loop.
func (m *Manager) Close() { close(m.stopEvict) }

func (m *Manager) evictLoop() {
	ticker := time.NewTicker(m.cfg.QueueTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopEvict:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

func (m *Manager) evictExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var survivors []*pendingEntry
	for _, e := range m.queue {
		if now.Sub(e.submitted) > m.cfg.QueueTimeout {
			e.result <- Decision{Kind: Rejected, Reason: "queue timeout exceeded"}
			close(e.result)
			continue
		}
		survivors = append(survivors, e)
	}
	m.queue = pendingQueue(survivors)
	heap.Init(&m.queue)
	for i, e := range m.queue {
		e.index = i
	}
}

// Submit asks the Manager to admit req. It never blocks: the returned
// Decision is Started, Rejected, or Queued(position) (spec.md §4.4). ctx is
// only consulted up front — an already-cancelled ctx is rejected outright.
func (m *Manager) Submit(ctx context.Context, req Request) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{Kind: Rejected, Reason: "context already cancelled"}, err
	}

	dedupKey := req.WorkflowID + "|" + req.TriggerType
	if m.cfg.Strategy == StrategyMergeLatest {
		m.mu.Lock()
		if _, dup := m.lastByKey[dedupKey]; dup {
			m.mu.Unlock()
			return Decision{Kind: Rejected, Reason: "an identical trigger is already running"}, nil
		}
		m.mu.Unlock()
	}

	affected := reachableSet(req.Snapshot, req.StartNodeID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.tryAdmitLocked(req, affected); ok {
		return d, nil
	}
	if m.cfg.Strategy == StrategyReject {
		return Decision{Kind: Rejected, Reason: "at capacity"}, nil
	}
	if len(m.queue) >= m.cfg.MaxQueueLength {
		return Decision{Kind: Rejected, Reason: ErrQueueFull.Error()}, nil
	}

	m.seq++
	entry := &pendingEntry{req: req, submitted: time.Now(), seq: m.seq, result: make(chan Decision, 1)}
	heap.Push(&m.queue, entry)
	return Decision{Kind: Queued, Position: entry.index, Await: entry.result}, nil
}

// tryAdmitLocked attempts admission under m.mu. On success it starts the
// execution and registers a completion handler that releases counters and
// locks, then tries to drain the queue.
func (m *Manager) tryAdmitLocked(req Request, affected map[string]struct{}) (Decision, bool) {
	if m.globalCount >= m.cfg.GlobalLimit {
		return Decision{}, false
	}
	if n, _ := m.perWorkflow.Load(req.WorkflowID); n >= m.cfg.PerWorkflowLimit {
		return Decision{}, false
	}
	if n, _ := m.perUser.Load(req.UserID); n >= m.cfg.PerUserLimit {
		return Decision{}, false
	}
	if m.overlapsIsolated(req.WorkflowID, affected, req.Isolated) {
		return Decision{}, false
	}

	var locked []lockKey
	if req.Isolated {
		var ok bool
		locked, ok = m.acquireLocks(req.WorkflowID, affected)
		if !ok {
			return Decision{}, false
		}
	}

	x, err := m.eng.ExecuteFromTrigger(context.Background(), req.StartNodeID, req.Snapshot, req.TriggerData, req.TriggerType, req.UserID, req.Opts, req.Lookup)
	if err != nil {
		m.releaseLocks(locked)
		return Decision{Kind: Rejected, Reason: err.Error()}, true
	}

	for _, k := range locked {
		m.locks[k] = x.ID
	}

	m.globalCount++
	m.perWorkflow.Store(req.WorkflowID, incr(m.perWorkflow, req.WorkflowID))
	m.perUser.Store(req.UserID, incr(m.perUser, req.UserID))
	m.active[x.ID] = &admitted{workflowID: req.WorkflowID, userID: req.UserID, isolated: req.Isolated, affected: affected, locked: locked}

	if m.cfg.Strategy == StrategyMergeLatest {
		m.lastByKey[req.WorkflowID+"|"+req.TriggerType] = x.ID
	}

	go m.awaitCompletion(x)
	return Decision{Kind: Started, Execution: x}, true
}

func incr(mp *xsync.MapOf[string, int], key string) int {
	n, _ := mp.Load(key)
	return n + 1
}

// overlapsIsolated reports whether affected intersects the affected set of
// a currently-admitted execution of the same workflow where either side is
// isolated: any such execution when the new request is isolated, otherwise
// only the isolated ones (spec.md §4.4 isolation scoring).
func (m *Manager) overlapsIsolated(workflowID string, affected map[string]struct{}, isolated bool) bool {
	for _, a := range m.active {
		if a.workflowID != workflowID || (!isolated && !a.isolated) {
			continue
		}
		for id := range affected {
			if _, ok := a.affected[id]; ok {
				return true
			}
		}
	}
	return false
}

// acquireLocks reserves every (workflowID, nodeID) key in affected, all or
// nothing. Callers hold m.mu for the duration, so this is atomic from
// every other goroutine's perspective. Reserved entries are keyed to
// uuid.Nil until the caller learns the real execution ID and overwrites
// them (see tryAdmitLocked) — no other goroutine can observe the gap
// because the lock is held throughout.
func (m *Manager) acquireLocks(workflowID string, affected map[string]struct{}) ([]lockKey, bool) {
	var acquired []lockKey
	for id := range affected {
		k := lockKey{WorkflowID: workflowID, NodeID: id}
		if _, held := m.locks[k]; held {
			for _, u := range acquired {
				delete(m.locks, u)
			}
			return nil, false
		}
		acquired = append(acquired, k)
	}
	for _, k := range acquired {
		m.locks[k] = uuid.Nil
	}
	return acquired, true
}

func (m *Manager) releaseLocks(keys []lockKey) {
	for _, k := range keys {
		delete(m.locks, k)
	}
}

func (m *Manager) awaitCompletion(x *engine.Execution) {
	_, _ = x.Wait(context.Background())

	m.mu.Lock()
	a, ok := m.active[x.ID]
	if ok {
		delete(m.active, x.ID)
		m.globalCount--
		m.perWorkflow.Store(a.workflowID, decr(m.perWorkflow, a.workflowID))
		m.perUser.Store(a.userID, decr(m.perUser, a.userID))
		m.releaseLocks(a.locked)
		for k, id := range m.lastByKey {
			if id == x.ID {
				delete(m.lastByKey, k)
			}
		}
	}
	m.drainQueueLocked()
	m.mu.Unlock()
}

func decr(mp *xsync.MapOf[string, int], key string) int {
	n, _ := mp.Load(key)
	if n <= 0 {
		return 0
	}
	return n - 1
}

// drainQueueLocked is called with m.mu held whenever a slot may have
// opened up; it admits as many head-of-queue entries as now fit.
func (m *Manager) drainQueueLocked() {
	for m.queue.Len() > 0 {
		head := m.queue[0]
		affected := reachableSet(head.req.Snapshot, head.req.StartNodeID)
		d, ok := m.tryAdmitLocked(head.req, affected)
		if !ok {
			return
		}
		heap.Pop(&m.queue)
		head.result <- d
		close(head.result)
	}
}

// Status summarizes current admission pressure, for health/metrics
// surfaces.
type Status struct {
	Running     int
	Queued      int
	GlobalLimit int
	QueueLength int
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{Running: m.globalCount, Queued: m.queue.Len(), GlobalLimit: m.cfg.GlobalLimit, QueueLength: m.cfg.MaxQueueLength}
}

func reachableSet(snap *graph.Snapshot, startID string) map[string]struct{} {
	if snap == nil {
		return map[string]struct{}{}
	}
	return graph.NewResolver(snap).ReachableFrom(startID)
}
