package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PipelineStats provides the metrics collector access to live service state.
type PipelineStats interface {
	SessionCount() int
	RunningCount() int
	SSESubscriberCount() int
	InboxQueueDepth() int
}

// PoolStats reports database connection counts.
type PoolStats interface {
	PoolStats() (total, idle, inUse int32)
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	pool  PoolStats
	stats PipelineStats

	sessions        *prometheus.Desc
	runningRuns     *prometheus.Desc
	sseSubscribers  *prometheus.Desc
	inboxQueue      *prometheus.Desc
	dbTotalConns    *prometheus.Desc
	dbAcquiredConns *prometheus.Desc
	dbIdleConns     *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// pool may be nil when no database is configured (metrics will report 0).
func NewCollector(pool PoolStats, stats PipelineStats) *Collector {
	return &Collector{
		pool:  pool,
		stats: stats,
		sessions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sessions_active"),
			"Current number of sessions in memory.",
			nil, nil,
		),
		runningRuns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "transcriptions_running"),
			"Transcription runs currently in progress.",
			nil, nil,
		),
		sseSubscribers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sse_subscribers_active"),
			"Current number of SSE subscribers.",
			nil, nil,
		),
		inboxQueue: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "inbox", "queue_depth"),
			"Inbox files waiting for a worker.",
			nil, nil,
		),
		dbTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "total_conns"),
			"Total database pool connections.",
			nil, nil,
		),
		dbAcquiredConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "acquired_conns"),
			"Database pool connections currently in use.",
			nil, nil,
		),
		dbIdleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "idle_conns"),
			"Database pool idle connections.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessions
	ch <- c.runningRuns
	ch <- c.sseSubscribers
	ch <- c.inboxQueue
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var sessions, running, subs, queued int
	if c.stats != nil {
		sessions = c.stats.SessionCount()
		running = c.stats.RunningCount()
		subs = c.stats.SSESubscriberCount()
		queued = c.stats.InboxQueueDepth()
	}
	ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(sessions))
	ch <- prometheus.MustNewConstMetric(c.runningRuns, prometheus.GaugeValue, float64(running))
	ch <- prometheus.MustNewConstMetric(c.sseSubscribers, prometheus.GaugeValue, float64(subs))
	ch <- prometheus.MustNewConstMetric(c.inboxQueue, prometheus.GaugeValue, float64(queued))

	var total, idle, inUse int32
	if c.pool != nil {
		total, idle, inUse = c.pool.PoolStats()
	}
	ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, float64(total))
	ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, float64(inUse))
	ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, float64(idle))
}
