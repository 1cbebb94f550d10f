package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TokenIssued(kind string)                             {}
func (n *NoopSink) TokenVerified(outcome string)                        {}
func (n *NoopSink) RevocationLookup(source string)                      {}
func (n *NoopSink) TokenRevoked(applied bool)                           {}
func (n *NoopSink) EventEmitted(catchUp bool)                           {}
func (n *NoopSink) TriggerMisfired(policy string, missed int)           {}
func (n *NoopSink) EnqueueRetried()                                     {}
func (n *NoopSink) TriggersActive(count int)                            {}
func (n *NoopSink) EventExecuted(outcome string, d time.Duration)       {}
func (n *NoopSink) ExecutionRetried()                                   {}
func (n *NoopSink) DeadLettered(reason string)                          {}
func (n *NoopSink) QueueDepth(depth int)                                {}
func (n *NoopSink) EventsInFlightIncr()                                 {}
func (n *NoopSink) EventsInFlightDecr()                                 {}
func (n *NoopSink) NotificationSent(transport string, d time.Duration)  {}
func (n *NoopSink) NotificationDuplicate()                              {}
func (n *NoopSink) NotificationFailed(transport string, permanent bool) {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                   {}
func (n *NoopSink) LeaderAcquired()                                     {}
func (n *NoopSink) LeaderLost(reason string)                            {}
func (n *NoopSink) JanitorSwept(target string, removed int)             {}
