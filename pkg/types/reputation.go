package types

import "time"

// ReputationEventKind enumerates the reputation deltas from spec §4.7.
type ReputationEventKind string

const (
	EventTaskCompleted  ReputationEventKind = "task_completed"
	EventFastCompletion ReputationEventKind = "fast_completion"
	EventTimeout        ReputationEventKind = "timeout"
	EventInvalidResult  ReputationEventKind = "invalid_response"
	EventUptimeHour     ReputationEventKind = "uptime_hour"
	EventBrokenPromise  ReputationEventKind = "broken_promise"
	EventWeeklyDecay    ReputationEventKind = "weekly_decay"
)

// ReputationEvent is one append-only scoring delta recorded against a node.
type ReputationEvent struct {
	NodeID    string
	Kind      ReputationEventKind
	Points    float64
	Timestamp time.Time
}

// LeaderboardEntry is one row of the reputation leaderboard egress.
type LeaderboardEntry struct {
	Rank       int
	NodeID     string
	Reputation float64
	ModelName  string
}
