package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/votoclaro/electsync/internal/ingestion"
	"github.com/votoclaro/electsync/internal/models"
)

var breakerStates = []string{"closed", "half-open", "open"}

// PipelineCollector records sync run, item, queue and circuit breaker
// activity. It satisfies the observer interfaces of the ledger, the retry
// queue, the ingestion runner and the HTTP fetcher.
type PipelineCollector struct {
	runsActive      *prometheus.GaugeVec
	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	itemsTotal      *prometheus.CounterVec
	taskTransitions *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
}

func newPipelineCollector(reg prometheus.Registerer) (*PipelineCollector, error) {
	c := &PipelineCollector{
		runsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_active",
			Help:      "Sync runs currently open per source.",
		}, []string{"source"}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Finished sync runs by source and terminal status.",
		}, []string{"source", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished sync runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"source", "status"}),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "items_total",
			Help:      "Items handled by ingestion workers by outcome.",
		}, []string{"source", "outcome"}),
		taskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "task_transitions_total",
			Help:      "Retry queue task state transitions.",
		}, []string{"source", "status"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "circuit_state",
			Help:      "Current circuit breaker state per source (1 for the active state).",
		}, []string{"source", "state"}),
	}

	for _, col := range []prometheus.Collector{
		c.runsActive, c.runsTotal, c.runDuration, c.itemsTotal, c.taskTransitions, c.breakerState,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RunStarted implements ledger.Observer.
func (c *PipelineCollector) RunStarted(source string) {
	c.runsActive.WithLabelValues(source).Inc()
}

// RunFinished implements ledger.Observer.
func (c *PipelineCollector) RunFinished(source string, status models.RunStatus, duration time.Duration) {
	c.runsActive.WithLabelValues(source).Dec()
	c.runsTotal.WithLabelValues(source, string(status)).Inc()
	c.runDuration.WithLabelValues(source, string(status)).Observe(duration.Seconds())
}

// ItemOutcome implements ingestion.ItemObserver.
func (c *PipelineCollector) ItemOutcome(source string, outcome ingestion.Outcome) {
	c.itemsTotal.WithLabelValues(source, string(outcome)).Inc()
}

// TaskTransition implements queue.Observer.
func (c *PipelineCollector) TaskTransition(source string, status models.TaskStatus) {
	c.taskTransitions.WithLabelValues(source, string(status)).Inc()
}

// BreakerStateChanged implements ingestion.BreakerObserver.
func (c *PipelineCollector) BreakerStateChanged(source, state string) {
	for _, s := range breakerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.breakerState.WithLabelValues(source, s).Set(v)
	}
}
