package domain

import "time"

// JobStatus is the lifecycle state of a delivery job. Delivered, failed and
// abandoned are terminal; failed jobs wait for an operator to retry or
// abandon them.
type JobStatus int

const (
	JobPending JobStatus = iota
	JobInflight
	JobDelivered
	JobFailed
	JobAbandoned
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobInflight:
		return "inflight"
	case JobDelivered:
		return "delivered"
	case JobFailed:
		return "failed"
	case JobAbandoned:
		return "abandoned"
	}
	return "unknown"
}

// Terminal reports whether the worker will never pick the job up again on
// its own.
func (s JobStatus) Terminal() bool {
	return s == JobDelivered || s == JobFailed || s == JobAbandoned
}

// DeliveryJob is one outbound signed-activity delivery to one inbox. At most
// one non-terminal job exists per (InboxURL, ActorURI) pair; enqueueing a new
// activity for the same destination replaces the payload in place.
type DeliveryJob struct {
	ID           int64
	ActivityJSON []byte
	InboxURL     string
	ActorURI     string
	Status       JobStatus
	Attempts     int
	LastError    string
	NextRetryAt  *time.Time
	// LeaseExpiresAt is set while the job is in flight; a crashed worker's
	// jobs are reclaimed once the lease runs out.
	LeaseExpiresAt *time.Time
	DeliveredAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
