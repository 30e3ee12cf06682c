// Package metrics exposes rule manager telemetry as Prometheus collectors.
package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/solatis/condfmt/internal/types"
)

const namespace = "condfmt"

// Metrics implements rules.Recorder.
type Metrics struct {
	operations  *prometheus.CounterVec
	mismatches  *prometheus.CounterVec
	waitPolls   *prometheus.HistogramVec
	staleWrites *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_operations_total",
			Help:      "Rule operations by operation, scope and outcome.",
		}, []string{"operation", "scope", "outcome"}),
		mismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "helper_prediction_mismatches_total",
			Help:      "Add attempts rejected because the predicted helper column id was wrong.",
		}, []string{"scope"}),
		waitPolls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consistency_wait_polls",
			Help:      "Polls needed before a mutation was visible on read.",
			Buckets:   []float64{1, 2, 3, 5, 10, 15, 20},
		}, []string{"scope", "satisfied"}),
		staleWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_results_total",
			Help:      "Mutations whose result was returned before the store reflected them.",
		}, []string{"scope"}),
	}

	for _, c := range []prometheus.Collector{m.operations, m.mismatches, m.waitPolls, m.staleWrites} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveOperation counts one finished operation.
func (m *Metrics) ObserveOperation(op string, scope types.Scope, err error) {
	m.operations.WithLabelValues(op, string(scope), Outcome(err)).Inc()
}

func (m *Metrics) PredictionMismatch(scope types.Scope) {
	m.mismatches.WithLabelValues(string(scope)).Inc()
}

func (m *Metrics) ConsistencyWait(scope types.Scope, polls int, satisfied bool) {
	m.waitPolls.WithLabelValues(string(scope), strconv.FormatBool(satisfied)).Observe(float64(polls))
	if !satisfied {
		m.staleWrites.WithLabelValues(string(scope)).Inc()
	}
}

// Outcome buckets an operation error into a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, types.ErrInvalidFormula), errors.Is(err, types.ErrInvalidStyle),
		errors.Is(err, types.ErrInvalidTarget), errors.Is(err, types.ErrRuleIndexOutOfRange):
		return "invalid"
	case errors.Is(err, types.ErrNotFound):
		return "not_found"
	case errors.Is(err, types.ErrRetriesExhausted):
		return "retries_exhausted"
	case errors.Is(err, types.ErrPartialReplace):
		return "partial"
	default:
		return "error"
	}
}
