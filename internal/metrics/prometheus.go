package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	logger *zap.Logger

	// Token authority metrics
	tokensIssued      *prometheus.CounterVec
	tokensVerified    *prometheus.CounterVec
	revocationLookups *prometheus.CounterVec
	revocations       *prometheus.CounterVec

	// Scheduler metrics
	eventsEmitted  *prometheus.CounterVec
	misfires       *prometheus.CounterVec
	missedFirings  prometheus.Counter
	enqueueRetries prometheus.Counter
	triggersActive prometheus.Gauge

	// Dispatch queue metrics
	executions        *prometheus.CounterVec
	executionDuration prometheus.Histogram
	executionRetries  prometheus.Counter
	deadLetters       *prometheus.CounterVec
	queueDepth        prometheus.Gauge
	eventsInFlight    prometheus.Gauge

	// Notification gateway metrics
	notificationsSent    *prometheus.CounterVec
	notificationDuration prometheus.Histogram
	notificationDupes    prometheus.Counter
	notificationFailures *prometheus.CounterVec

	// Leader election metrics
	isLeader       prometheus.Gauge
	leaderAcquired prometheus.Counter
	leaderLost     *prometheus.CounterVec

	janitorRemoved *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer, logger *zap.Logger) *PrometheusSink {
	s := &PrometheusSink{logger: logger.Named("Metrics")}
	s.initTokenMetrics(reg)
	s.initSchedulerMetrics(reg)
	s.initQueueMetrics(reg)
	s.initNotifyMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initTokenMetrics(reg prometheus.Registerer) {
	s.tokensIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenward_tokens_issued_total",
		Help: "Total number of tokens issued, by kind.",
	}, []string{"kind"})
	s.tokensVerified = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenward_token_verifications_total",
		Help: "Total number of token verifications, by outcome.",
	}, []string{"outcome"})
	s.revocationLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenward_revocation_lookups_total",
		Help: "Revocation lookups answered, by source (local or shared).",
	}, []string{"source"})
	s.revocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenward_revocations_total",
		Help: "Revocation writes, by whether the compare-and-set applied.",
	}, []string{"applied"})

	s.register(reg, s.tokensIssued, "tokenward_tokens_issued_total")
	s.register(reg, s.tokensVerified, "tokenward_token_verifications_total")
	s.register(reg, s.revocationLookups, "tokenward_revocation_lookups_total")
	s.register(reg, s.revocations, "tokenward_revocations_total")
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.eventsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenward_scheduler_events_emitted_total",
		Help: "Dispatch events emitted by the scheduler.",
	}, []string{"catch_up"})
	s.misfires = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenward_scheduler_misfires_total",
		Help: "Misfire resolutions, by policy.",
	}, []string{"policy"})
	s.missedFirings = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tokenward_scheduler_missed_firings_total",
		Help: "Occurrences that were late beyond the misfire threshold.",
	})
	s.enqueueRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tokenward_scheduler_enqueue_retries_total",
		Help: "Enqueue attempts rejected because the dispatch queue was full.",
	})
	s.triggersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tokenward_scheduler_triggers_active",
		Help: "Triggers currently registered.",
	})

	s.register(reg, s.eventsEmitted, "tokenward_scheduler_events_emitted_total")
	s.register(reg, s.misfires, "tokenward_scheduler_misfires_total")
	s.register(reg, s.missedFirings, "tokenward_scheduler_missed_firings_total")
	s.register(reg, s.enqueueRetries, "tokenward_scheduler_enqueue_retries_total")
	s.register(reg, s.triggersActive, "tokenward_scheduler_triggers_active")
}

func (s *PrometheusSink) initQueueMetrics(reg prometheus.Registerer) {
	s.executions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenward_dispatch_executions_total",
		Help: "Final execution outcomes per dispatch event.",
	}, []string{"outcome"})
	s.executionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tokenward_dispatch_execution_duration_seconds",
		Help:    "Time from dequeue to final outcome, including retries.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
	})
	s.executionRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tokenward_dispatch_retries_total",
		Help: "Execution retries (excludes first attempt).",
	})
	s.deadLetters = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenward_dispatch_dead_letters_total",
		Help: "Events moved to the dead-letter sink, by reason.",
	}, []string{"reason"})
	s.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tokenward_dispatch_queue_depth",
		Help: "Events waiting in the dispatch queue.",
	})
	s.eventsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tokenward_dispatch_events_in_flight",
		Help: "Number of events currently being processed.",
	})

	s.register(reg, s.executions, "tokenward_dispatch_executions_total")
	s.register(reg, s.executionDuration, "tokenward_dispatch_execution_duration_seconds")
	s.register(reg, s.executionRetries, "tokenward_dispatch_retries_total")
	s.register(reg, s.deadLetters, "tokenward_dispatch_dead_letters_total")
	s.register(reg, s.queueDepth, "tokenward_dispatch_queue_depth")
	s.register(reg, s.eventsInFlight, "tokenward_dispatch_events_in_flight")
}

func (s *PrometheusSink) initNotifyMetrics(reg prometheus.Registerer) {
	s.notificationsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenward_notifications_sent_total",
		Help: "Messages handed to a mail transport.",
	}, []string{"transport"})
	s.notificationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tokenward_notification_send_duration_seconds",
		Help:    "Mail transport latency in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	s.notificationDupes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tokenward_notifications_duplicate_total",
		Help: "Sends suppressed by the send ledger.",
	})
	s.notificationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenward_notification_failures_total",
		Help: "Failed sends, by transport and whether the failure is permanent.",
	}, []string{"transport", "permanent"})
	s.janitorRemoved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenward_janitor_removed_total",
		Help: "Expired entries removed by the janitor, by target.",
	}, []string{"target"})

	s.register(reg, s.notificationsSent, "tokenward_notifications_sent_total")
	s.register(reg, s.notificationDuration, "tokenward_notification_send_duration_seconds")
	s.register(reg, s.notificationDupes, "tokenward_notifications_duplicate_total")
	s.register(reg, s.notificationFailures, "tokenward_notification_failures_total")
	s.register(reg, s.janitorRemoved, "tokenward_janitor_removed_total")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tokenward_leader_is_leader",
		Help: "1 if this instance holds the scheduler leader lock.",
	})
	s.leaderAcquired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tokenward_leader_acquired_total",
		Help: "Times this instance acquired leadership.",
	})
	s.leaderLost = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenward_leader_lost_total",
		Help: "Times this instance lost leadership, by reason.",
	}, []string{"reason"})

	s.register(reg, s.isLeader, "tokenward_leader_is_leader")
	s.register(reg, s.leaderAcquired, "tokenward_leader_acquired_total")
	s.register(reg, s.leaderLost, "tokenward_leader_lost_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warn("failed to register metric", zap.String("metric", name), zap.Error(err))
	}
}

// Token authority metrics implementation

func (s *PrometheusSink) TokenIssued(kind string) {
	s.tokensIssued.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) TokenVerified(outcome string) {
	s.tokensVerified.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) RevocationLookup(source string) {
	s.revocationLookups.WithLabelValues(source).Inc()
}

func (s *PrometheusSink) TokenRevoked(applied bool) {
	s.revocations.WithLabelValues(boolLabel(applied)).Inc()
}

// Scheduler metrics implementation

func (s *PrometheusSink) EventEmitted(catchUp bool) {
	s.eventsEmitted.WithLabelValues(boolLabel(catchUp)).Inc()
}

func (s *PrometheusSink) TriggerMisfired(policy string, missed int) {
	s.misfires.WithLabelValues(policy).Inc()
	s.missedFirings.Add(float64(missed))
}

func (s *PrometheusSink) EnqueueRetried() {
	s.enqueueRetries.Inc()
}

func (s *PrometheusSink) TriggersActive(n int) {
	s.triggersActive.Set(float64(n))
}

// Dispatch queue metrics implementation

func (s *PrometheusSink) EventExecuted(outcome string, duration time.Duration) {
	s.executions.WithLabelValues(outcome).Inc()
	s.executionDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) ExecutionRetried() {
	s.executionRetries.Inc()
}

func (s *PrometheusSink) DeadLettered(reason string) {
	s.deadLetters.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) QueueDepth(n int) {
	s.queueDepth.Set(float64(n))
}

func (s *PrometheusSink) EventsInFlightIncr() {
	s.eventsInFlight.Inc()
}

func (s *PrometheusSink) EventsInFlightDecr() {
	s.eventsInFlight.Dec()
}

// Notification gateway metrics implementation

func (s *PrometheusSink) NotificationSent(transport string, duration time.Duration) {
	s.notificationsSent.WithLabelValues(transport).Inc()
	s.notificationDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) NotificationDuplicate() {
	s.notificationDupes.Inc()
}

func (s *PrometheusSink) NotificationFailed(transport string, permanent bool) {
	s.notificationFailures.WithLabelValues(transport, boolLabel(permanent)).Inc()
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.isLeader.Set(1)
	} else {
		s.isLeader.Set(0)
	}
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquired.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLost.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) JanitorSwept(target string, removed int) {
	s.janitorRemoved.WithLabelValues(target).Add(float64(removed))
}
