package gateway

import (
	"time"

	"github.com/mikestefanello/backlite"
)

// RefreshActorTask re-fetches one remote actor document, used when a remote
// instance signals that its actor changed or moved.
type RefreshActorTask struct {
	IRI string
}

func (t RefreshActorTask) Config() backlite.QueueConfig {
	return backlite.QueueConfig{
		Name:        "refresh_actor",
		MaxAttempts: 5,
		Backoff:     30 * time.Second,
		Timeout:     time.Minute,
		Retention: &backlite.Retention{
			Duration:   12 * time.Hour,
			OnlyFailed: false,
			Data: &backlite.RetainData{
				OnlyFailed: true,
			},
		},
	}
}

// CleanupTask sweeps remote actors past the max age, then reschedules
// itself, giving the sweep its period.
type CleanupTask struct{}

func (t CleanupTask) Config() backlite.QueueConfig {
	return backlite.QueueConfig{
		Name:        "actor_cleanup",
		MaxAttempts: 3,
		Backoff:     time.Minute,
		Timeout:     5 * time.Minute,
		Retention: &backlite.Retention{
			Duration: 24 * time.Hour,
		},
	}
}
