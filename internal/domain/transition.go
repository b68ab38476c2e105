package domain

import "time"

// TransitionStatus enumerates the lifecycle states of a campaign transition.
type TransitionStatus string

const (
	TransitionPending  TransitionStatus = "pending"
	TransitionRunning  TransitionStatus = "running"
	TransitionComplete TransitionStatus = "complete"
	TransitionFailed   TransitionStatus = "failed"
)

// Transition records one operator-triggered bulk move of subscriber cohorts
// from a source campaign to a successor campaign.
type Transition struct {
	ID                    string           `json:"id" db:"id"`
	SourceCampaignID      string           `json:"source_campaign_id" db:"source_campaign_id"`
	DestinationCampaignID string           `json:"destination_campaign_id" db:"destination_campaign_id"`
	Status                TransitionStatus `json:"status" db:"status"`
	CountTransferred      int              `json:"count_transferred" db:"count_transferred"`
	ErrorMessage          string           `json:"error_message,omitempty" db:"error_message"`
	StartedAt             time.Time        `json:"started_at" db:"started_at"`
	CompletedAt           *time.Time       `json:"completed_at,omitempty" db:"completed_at"`
}

// TransitionSubscriber is one audit row: this subscriber was moved as part
// of this transition.
type TransitionSubscriber struct {
	TransitionID string    `json:"transition_id" db:"transition_id"`
	SubscriberID string    `json:"subscriber_id" db:"subscriber_id"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
