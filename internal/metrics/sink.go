package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// It is the union of the MetricsSink interfaces declared by each component.
type Sink interface {
	// Token authority metrics
	TokenIssued(kind string)
	TokenVerified(outcome string)
	RevocationLookup(source string)
	TokenRevoked(applied bool)

	// Scheduler metrics
	EventEmitted(catchUp bool)
	TriggerMisfired(policy string, missed int)
	EnqueueRetried()
	TriggersActive(n int)

	// Dispatch queue metrics
	EventExecuted(outcome string, duration time.Duration)
	ExecutionRetried()
	DeadLettered(reason string)
	QueueDepth(n int)
	EventsInFlightIncr()
	EventsInFlightDecr()

	// Notification gateway metrics
	NotificationSent(transport string, duration time.Duration)
	NotificationDuplicate()
	NotificationFailed(transport string, permanent bool)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)

	// Janitor metrics
	JanitorSwept(target string, removed int)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
