package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/iago/research-agent/internal/logger"
	"github.com/iago/research-agent/internal/queue"
)

type queueCollector struct {
	inspector queue.Inspector
	logger    *zap.SugaredLogger
	depth     *prometheus.Desc
	dlq       *prometheus.Desc
}

// NewQueueCollector reports lane depth and dead letter size at scrape time.
func NewQueueCollector(inspector queue.Inspector, log *zap.SugaredLogger) prometheus.Collector {
	return &queueCollector{
		inspector: inspector,
		logger:    logger.OrNop(log).Named("queue_collector"),
		depth: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "depth"),
			"Tasks waiting in each lane.",
			[]string{laneLabel},
			nil,
		),
		dlq: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "dlq_size"),
			"Tasks in the dead letter queue.",
			nil,
			nil,
		),
	}
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.depth
	ch <- c.dlq
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stats, err := c.inspector.Stats(ctx)
	if err != nil {
		c.logger.Errorw("failed to collect queue stats", "error", err)
		return
	}
	for lane, depth := range stats.Depth {
		ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(depth), string(lane))
	}
	ch <- prometheus.MustNewConstMetric(c.dlq, prometheus.GaugeValue, float64(stats.DLQ))
}
