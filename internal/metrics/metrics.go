// Package metrics defines the Prometheus collectors of the research
// pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "research_agent"

	statusLabel = "status"
	laneLabel   = "lane"
	stageLabel  = "stage"
	guardLabel  = "guard"
	resultLabel = "result"
)

type Metrics struct {
	jobsSubmitted   *prometheus.CounterVec
	jobsFinished    *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	stageDuration   *prometheus.HistogramVec
	cardsAccepted   prometheus.Counter
	guardRejections *prometheus.CounterVec
	synthesisCalls  *prometheus.CounterVec
	fetchedURLs     *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Research jobs accepted for execution, by lane.",
		}, []string{laneLabel}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Research jobs that reached a terminal status.",
		}, []string{statusLabel}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from claim to terminal status.",
			Buckets:   []float64{1, 5, 10, 20, 40, 60, 120, 180},
		}, []string{statusLabel}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 3, 9),
		}, []string{stageLabel}),
		cardsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cards_accepted_total",
			Help:      "Insight cards that passed every guard.",
		}),
		guardRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_rejections_total",
			Help:      "Candidate cards rejected, by the guard that rejected them.",
		}, []string{guardLabel}),
		synthesisCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_total",
			Help:      "Cluster synthesis attempts by result: generated, cached, extractive or skipped.",
		}, []string{resultLabel}),
		fetchedURLs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetched_urls_total",
			Help:      "Source URLs processed by the fetcher.",
		}, []string{resultLabel}),
	}
}

// Collectors returns the collectors for registration with a custom registry.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.jobsSubmitted,
		m.jobsFinished,
		m.jobDuration,
		m.stageDuration,
		m.cardsAccepted,
		m.guardRejections,
		m.synthesisCalls,
		m.fetchedURLs,
	}
}

func (m *Metrics) MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(m.Collectors()...)
}

func (m *Metrics) JobSubmitted(lane string) {
	if m == nil {
		return
	}
	m.jobsSubmitted.WithLabelValues(lane).Inc()
}

func (m *Metrics) JobFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(status).Inc()
	m.jobDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (m *Metrics) StageCompleted(stage string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func (m *Metrics) CardAccepted() {
	if m == nil {
		return
	}
	m.cardsAccepted.Inc()
}

func (m *Metrics) CardRejected(guard string) {
	if m == nil {
		return
	}
	m.guardRejections.WithLabelValues(guard).Inc()
}

func (m *Metrics) Synthesis(result string) {
	if m == nil {
		return
	}
	m.synthesisCalls.WithLabelValues(result).Inc()
}

func (m *Metrics) URLFetched(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "skipped"
	}
	m.fetchedURLs.WithLabelValues(result).Inc()
}
