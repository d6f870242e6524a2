package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeOK      = "ok"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

type MatchmakingMetrics interface {
	AddMatchCreated(gameVariant string, rounds int)
	SetBucketLeftover(gameVariant string, rounds int, leftover int)
	AddExpiredRemoved(count int64)
	AddTick(task, outcome string)
	ObserveTickDuration(task string, elapsed time.Duration)
}

func NewMetrics(registry prometheus.Registerer) MatchmakingMetrics {
	return setupPrometheusMetrics(registry)
}

type prometheusMetrics struct {
	matchesCreated  *prometheus.CounterVec
	bucketLeftover  *prometheus.GaugeVec
	expiredRemoved  prometheus.Counter
	ticks           *prometheus.CounterVec
	tickElapsedTime *prometheus.HistogramVec
}

func setupPrometheusMetrics(registry prometheus.Registerer) prometheusMetrics {
	factory := promauto.With(registry)
	bucketLabels := []string{"game_variant", "rounds"}

	return prometheusMetrics{
		matchesCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchmaking_matches_created_total",
				Help: "Matches created by the queue tick",
			}, bucketLabels),
		bucketLeftover: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "matchmaking_queue_leftover",
				Help: "Entries left unmatched in a bucket after the last queue tick",
			}, bucketLabels),
		expiredRemoved: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "matchmaking_expired_entries_removed_total",
				Help: "Queued entries deleted by expiry cleanup",
			}),
		ticks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchmaking_tick_total",
				Help: "Scheduled ticks by task and outcome",
			}, []string{"task", "outcome"}),
		//nolint:promlinter
		tickElapsedTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "matchmaking_tick_duration_ms",
				Help:    "A histogram of tick durations in milliseconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			}, []string{"task"}),
	}
}

func (m prometheusMetrics) AddMatchCreated(gameVariant string, rounds int) {
	m.matchesCreated.With(prometheus.Labels{"game_variant": gameVariant, "rounds": strconv.Itoa(rounds)}).Inc()
}

func (m prometheusMetrics) SetBucketLeftover(gameVariant string, rounds int, leftover int) {
	m.bucketLeftover.With(prometheus.Labels{"game_variant": gameVariant, "rounds": strconv.Itoa(rounds)}).Set(float64(leftover))
}

func (m prometheusMetrics) AddExpiredRemoved(count int64) {
	m.expiredRemoved.Add(float64(count))
}

func (m prometheusMetrics) AddTick(task, outcome string) {
	m.ticks.With(prometheus.Labels{"task": task, "outcome": outcome}).Inc()
}

func (m prometheusMetrics) ObserveTickDuration(task string, elapsed time.Duration) {
	m.tickElapsedTime.With(prometheus.Labels{"task": task}).Observe(float64(elapsed.Milliseconds()))
}
