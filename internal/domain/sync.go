package domain

import "time"

// SyncStatus enumerates the lifecycle states of one sync run.
type SyncStatus string

const (
	SyncRunning   SyncStatus = "running"
	SyncCompleted SyncStatus = "completed"
	SyncStopped   SyncStatus = "stopped"
	SyncFailed    SyncStatus = "failed"
)

// IsTerminal reports whether the run has reached a final state.
func (s SyncStatus) IsTerminal() bool {
	return s == SyncCompleted || s == SyncStopped || s == SyncFailed
}

// SyncRecord is one row of the sync audit log.
type SyncRecord struct {
	ID                string     `json:"id" db:"id"`
	SyncDate          time.Time  `json:"sync_date" db:"sync_date"`
	Status            SyncStatus `json:"status" db:"status"`
	SyncedSubscribers int        `json:"synced_subscribers" db:"synced_subscribers"`
	Notes             string     `json:"notes,omitempty" db:"notes"`
	CompletedAt       *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// TotalSyncStages is the number of sequential pipeline stages: campaigns,
// fields, groups, subscribers, memberships.
const TotalSyncStages = 5

// Stage indices, 1-based to match operator-facing progress reporting.
const (
	StageCampaigns   = 1
	StageFields      = 2
	StageGroups      = 3
	StageSubscribers = 4
	StageMemberships = 5
)

// StageName returns the operator-facing name of a pipeline stage.
func StageName(stage int) string {
	switch stage {
	case StageCampaigns:
		return "campaigns"
	case StageFields:
		return "fields"
	case StageGroups:
		return "groups"
	case StageSubscribers:
		return "subscribers"
	case StageMemberships:
		return "memberships"
	default:
		return "unknown"
	}
}

// SyncProgress is the operator-visible status object. It is written to the
// progress store after every completed stage and between batches, so a
// reader always sees the latest safe boundary.
type SyncProgress struct {
	State             SyncStatus `json:"state"`
	Stage             int        `json:"stage"`
	StageName         string     `json:"stage_name"`
	TotalStages       int        `json:"total_stages"`
	Processed         int        `json:"processed"`
	Total             int        `json:"total"`
	Message           string     `json:"message,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	LastSyncTime      *time.Time `json:"last_sync_time,omitempty"`
	SubscribersSynced int        `json:"subscribers_synced"`
	MemoryUsage       uint64     `json:"memory_usage_bytes"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Checkpoint is the persisted resume point of an interrupted sync run.
// Cursor is the opaque next-page cursor for cursor-paginated stages; Page is
// the 1-based page counter for page-numbered stages and reporting.
type Checkpoint struct {
	Stage      int       `json:"stage"`
	CampaignID string    `json:"campaign_id,omitempty"`
	GroupID    string    `json:"group_id,omitempty"`
	Cursor     string    `json:"cursor,omitempty"`
	Page       int       `json:"page,omitempty"`
	Retry      int       `json:"retry,omitempty"`
	SavedAt    time.Time `json:"saved_at"`
}

// ErrorEntry is one failed work item held in the bounded error queue.
type ErrorEntry struct {
	Stage       string    `json:"stage"`
	Item        string    `json:"item"`
	Kind        string    `json:"kind"`
	Message     string    `json:"message"`
	Attempts    int       `json:"attempts"`
	FirstSeen   time.Time `json:"first_seen"`
	LastAttempt time.Time `json:"last_attempt"`
}
