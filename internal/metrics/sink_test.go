package metrics

import (
	"github.com/djlord-it/tokenward/internal/janitor"
	"github.com/djlord-it/tokenward/internal/leaderelection"
	"github.com/djlord-it/tokenward/internal/notify"
	"github.com/djlord-it/tokenward/internal/queue"
	"github.com/djlord-it/tokenward/internal/scheduler"
	"github.com/djlord-it/tokenward/internal/token"
)

// Every component sink is satisfied by both implementations.
var (
	_ Sink = (*PrometheusSink)(nil)
	_ Sink = (*NoopSink)(nil)

	_ token.MetricsSink          = Sink(nil)
	_ scheduler.MetricsSink      = Sink(nil)
	_ queue.MetricsSink          = Sink(nil)
	_ notify.MetricsSink         = Sink(nil)
	_ leaderelection.MetricsSink = Sink(nil)
	_ janitor.MetricsSink        = Sink(nil)
)
