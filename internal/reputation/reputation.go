// Package reputation implements the Reputation Engine from spec §4.7:
// event-sourced scoring deltas applied to each node, with a queryable
// leaderboard/history and a weekly decay sweep.
package reputation

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/HectorEspejo/iris/internal/metrics"
	"github.com/HectorEspejo/iris/pkg/types"
)

// Reputation constants, transcribed from
// original_source/coordinator/reputation.py's module-level constants.
const (
	InitialReputation = 100.0
	MinReputation     = 10.0

	TaskCompletedPoints = 10.0
	TaskFastBonus       = 5.0
	TaskTimeoutPenalty  = -20.0
	TaskInvalidPenalty  = -50.0
	UptimeHourBonus     = 1.0
	UptimeBrokenPenalty = -5.0
	WeeklyDecayPercent  = 0.01

	FastThresholdMS = 30000
)

// Store persists reputation scores and their change history. The engine
// itself holds no durable state beyond the in-flight uptime tracker.
type Store interface {
	Get(ctx context.Context, nodeID string) (float64, bool, error)
	Set(ctx context.Context, nodeID string, reputation float64) error
	AppendEvent(ctx context.Context, event types.ReputationEvent) error
	History(ctx context.Context, nodeID string, limit int) ([]types.ReputationEvent, error)
	All(ctx context.Context) (map[string]float64, error)
	TotalTasksCompleted(ctx context.Context, nodeID string) (int, error)
	IncrementTasksCompleted(ctx context.Context, nodeID string) error
}

// ModelNameLookup resolves a node's declared model name for leaderboard
// display. Backed by the Node Registry's Snapshot, passed in rather than
// imported directly to keep this package import-cycle free.
type ModelNameLookup func(nodeID string) string

// Engine is the Reputation Engine. It satisfies
// orchestrator.ReputationRecorder.
type Engine struct {
	store     Store
	onUpdate  func(nodeID string, reputation float64) // pushes into registry.Memory.UpdateReputation
	modelName ModelNameLookup
	logger    *slog.Logger

	mu        sync.Mutex
	uptime    map[string]time.Time
	nodeLocks sync.Map // nodeID -> *sync.Mutex, serialises update() per node per spec §4.7
	stopCh    chan struct{}
	stopped   sync.Once
}

// lockNode returns an unlock func for nodeID's single-writer lock,
// serialising update()'s read-modify-write-persist sequence per node.
func (e *Engine) lockNode(nodeID string) func() {
	lockIface, _ := e.nodeLocks.LoadOrStore(nodeID, &sync.Mutex{})
	lock := lockIface.(*sync.Mutex)
	lock.Lock()
	return lock.Unlock
}

// New constructs an Engine. onUpdate and modelName may be nil (the latter
// leaves LeaderboardEntry.ModelName empty).
func New(store Store, onUpdate func(nodeID string, reputation float64), modelName ModelNameLookup, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		onUpdate:  onUpdate,
		modelName: modelName,
		logger:    logger,
		uptime:    make(map[string]time.Time),
		stopCh:    make(chan struct{}),
	}
}

func (e *Engine) get(ctx context.Context, nodeID string) float64 {
	v, ok, err := e.store.Get(ctx, nodeID)
	if err != nil || !ok {
		return InitialReputation
	}
	return v
}

// update applies a scoring delta, floored at MinReputation, and records
// the change, mirroring reputation.py's `_update_reputation`. All
// operations on one node-id are serialised (spec §4.7) so concurrent
// deltas read-modify-write without clobbering each other.
func (e *Engine) update(nodeID string, change float64, kind types.ReputationEventKind) float64 {
	unlock := e.lockNode(nodeID)
	defer unlock()

	ctx := context.Background()
	current := e.get(ctx, nodeID)
	next := current + change
	if next < MinReputation {
		next = MinReputation
	}

	if err := e.store.Set(ctx, nodeID, next); err != nil {
		e.logger.Error("reputation: persist score failed", slog.String("node_id", nodeID), slog.Any("error", err))
	}
	if err := e.store.AppendEvent(ctx, types.ReputationEvent{
		NodeID: nodeID, Kind: kind, Points: change, Timestamp: time.Now(),
	}); err != nil {
		e.logger.Error("reputation: append event failed", slog.String("node_id", nodeID), slog.Any("error", err))
	}
	if e.onUpdate != nil {
		e.onUpdate(nodeID, next)
	}
	metrics.ReputationDelta.Observe(math.Abs(change))

	e.logger.Info("reputation updated",
		slog.String("node_id", nodeID), slog.Float64("change", change),
		slog.String("reason", string(kind)), slog.Float64("old", current), slog.Float64("new", next))
	return next
}

// RecordTaskCompleted implements orchestrator.ReputationRecorder.
func (e *Engine) RecordTaskCompleted(nodeID string, fast bool) {
	change := TaskCompletedPoints
	kind := types.EventTaskCompleted
	if fast {
		change += TaskFastBonus
		kind = types.EventFastCompletion
	}
	if err := e.store.IncrementTasksCompleted(context.Background(), nodeID); err != nil {
		e.logger.Error("reputation: increment task count failed", slog.String("node_id", nodeID), slog.Any("error", err))
	}
	e.update(nodeID, change, kind)
}

// RecordTaskTimeout implements orchestrator.ReputationRecorder.
func (e *Engine) RecordTaskTimeout(nodeID string) {
	e.update(nodeID, TaskTimeoutPenalty, types.EventTimeout)
}

// RecordTaskFailed implements orchestrator.ReputationRecorder. invalid
// distinguishes a corrupt/undecryptable response from a generic failure,
// mirroring reputation.py's INVALID_RESPONSE/DECRYPTION_FAILED branch.
func (e *Engine) RecordTaskFailed(nodeID string, invalid bool) {
	if invalid {
		e.update(nodeID, TaskInvalidPenalty, types.EventInvalidResult)
		return
	}
	e.update(nodeID, TaskTimeoutPenalty, types.EventTimeout)
}

// RecordUptimeHour credits one hour of confirmed online time.
func (e *Engine) RecordUptimeHour(nodeID string) {
	e.update(nodeID, UptimeHourBonus, types.EventUptimeHour)
}

// RecordBrokenPromise penalizes hours a node promised availability but
// was unreachable.
func (e *Engine) RecordBrokenPromise(nodeID string, hours int) {
	if hours <= 0 {
		hours = 1
	}
	e.update(nodeID, UptimeBrokenPenalty*float64(hours), types.EventBrokenPromise)
}

// TrackNodeOnline starts uptime tracking for a node, mirroring
// reputation.py's track_node_online.
func (e *Engine) TrackNodeOnline(nodeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.uptime[nodeID] = time.Now()
}

// TrackNodeOffline stops uptime tracking and returns hours online.
func (e *Engine) TrackNodeOffline(nodeID string) (hours int, tracked bool) {
	e.mu.Lock()
	start, ok := e.uptime[nodeID]
	if ok {
		delete(e.uptime, nodeID)
	}
	e.mu.Unlock()
	if !ok {
		return 0, false
	}
	return int(time.Since(start) / time.Hour), true
}

// ApplyWeeklyDecay reduces every node's score by WeeklyDecayPercent,
// floored at MinReputation, mirroring reputation.py's apply_weekly_decay.
// Intended to be invoked once per week by StartWeeklyDecaySweep.
func (e *Engine) ApplyWeeklyDecay(ctx context.Context) (map[string]float64, error) {
	all, err := e.store.All(ctx)
	if err != nil {
		return nil, err
	}

	results := make(map[string]float64)
	for nodeID, current := range all {
		decay := current * WeeklyDecayPercent
		next := current - decay
		if next < MinReputation {
			next = MinReputation
		}
		if next == current {
			continue
		}
		if err := e.store.Set(ctx, nodeID, next); err != nil {
			e.logger.Error("reputation: weekly decay persist failed", slog.String("node_id", nodeID), slog.Any("error", err))
			continue
		}
		_ = e.store.AppendEvent(ctx, types.ReputationEvent{
			NodeID: nodeID, Kind: types.EventWeeklyDecay, Points: -decay, Timestamp: time.Now(),
		})
		if e.onUpdate != nil {
			e.onUpdate(nodeID, next)
		}
		results[nodeID] = next
	}
	e.logger.Info("weekly decay applied", slog.Int("nodes_affected", len(results)))
	return results, nil
}

// StartWeeklyDecaySweep runs ApplyWeeklyDecay on interval until ctx is
// cancelled or Close is called, following the same background-sweeper
// pattern as registry's reapLoop and runstore's periodic maintenance.
func (e *Engine) StartWeeklyDecaySweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := e.ApplyWeeklyDecay(ctx); err != nil {
					e.logger.Error("reputation: weekly decay sweep failed", slog.Any("error", err))
				}
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Close stops the decay sweep goroutine, if started.
func (e *Engine) Close() {
	e.stopped.Do(func() { close(e.stopCh) })
}

// Get returns a node's current reputation, defaulting to
// InitialReputation if unknown.
func (e *Engine) Get(ctx context.Context, nodeID string) float64 {
	return e.get(ctx, nodeID)
}

// History returns a node's reputation change log, most recent entries
// determined by the Store implementation's ordering.
func (e *Engine) History(ctx context.Context, nodeID string, limit int) ([]types.ReputationEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.store.History(ctx, nodeID, limit)
}

// Leaderboard returns the top nodes by reputation, mirroring
// reputation.py's get_leaderboard.
func (e *Engine) Leaderboard(ctx context.Context, limit int) ([]types.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	all, err := e.store.All(ctx)
	if err != nil {
		return nil, err
	}

	type row struct {
		nodeID     string
		reputation float64
	}
	rows := make([]row, 0, len(all))
	for id, rep := range all {
		rows = append(rows, row{id, rep})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].reputation > rows[j].reputation })
	if len(rows) > limit {
		rows = rows[:limit]
	}

	out := make([]types.LeaderboardEntry, 0, len(rows))
	for i, r := range rows {
		modelName := ""
		if e.modelName != nil {
			modelName = e.modelName(r.nodeID)
		}
		out = append(out, types.LeaderboardEntry{
			Rank:       i + 1,
			NodeID:     r.nodeID,
			Reputation: r.reputation,
			ModelName:  modelName,
		})
	}
	return out, nil
}
